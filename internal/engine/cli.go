package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// cliEngine runs one llama-cli process per generation. The session is the
// validated configuration; the model is loaded by each process.
type cliEngine struct {
	bin       string
	extraArgs []string
	runner    CommandRunner
	log       zerolog.Logger
}

func newCLIEngine(opts Options) (*cliEngine, error) {
	bin, err := opts.resolveBinary("llama-cli")
	if err != nil {
		return nil, loadErr("", "llama-cli not found", err)
	}
	r := opts.Runner
	if r == nil {
		r = ExecCommandRunner{WaitDelay: opts.StopGrace}
	}
	return &cliEngine{bin: bin, extraArgs: opts.ExtraArgs, runner: r, log: opts.Logger}, nil
}

func (e *cliEngine) Name() string { return KindCLI }

func (e *cliEngine) Open(ctx context.Context, spec Spec) (Session, error) {
	if err := checkModelFile(spec.ModelPath); err != nil {
		return nil, err
	}
	return &cliSession{e: e, spec: spec}, nil
}

type cliSession struct {
	e      *cliEngine
	spec   Spec
	closed atomic.Bool
}

func (s *cliSession) args(req Request) []string {
	args := []string{
		"-m", s.spec.ModelPath,
		"-t", strconv.Itoa(s.spec.Threads),
		"--ctx-size", strconv.Itoa(s.spec.ContextSize),
		"--n-predict", strconv.Itoa(req.MaxTokens),
		"--temp", strconv.FormatFloat(req.Temperature, 'f', -1, 64),
		"--top-p", strconv.FormatFloat(req.TopP, 'f', -1, 64),
		"--repeat-penalty", strconv.FormatFloat(req.RepeatPenalty, 'f', -1, 64),
		"--no-display-prompt",
	}
	if req.Seed >= 0 {
		args = append(args, "--seed", strconv.FormatInt(req.Seed, 10))
	}
	for _, st := range req.Stop {
		args = append(args, "-r", st)
	}
	args = append(args, s.e.extraArgs...)
	return append(args, "-p", req.Prompt)
}

func (s *cliSession) Generate(ctx context.Context, req Request) (Output, error) {
	if s.closed.Load() {
		return Output{}, execErr("session closed", nil, nil)
	}
	stdout, stderr, err := s.e.runner.Run(ctx, s.e.bin, s.args(req))
	if ctx.Err() != nil {
		return Output{}, ctx.Err()
	}
	if err != nil {
		s.e.log.Warn().Err(err).Str("stderr_tail", tail(stderr, 512)).Msg("llama-cli exited abnormally")
		return Output{}, execErr(fmt.Sprintf("llama-cli exited abnormally (%v)", err), stderr, nil)
	}
	if !utf8.Valid(stdout) {
		return Output{}, execErr("llama-cli wrote malformed output", stderr, nil)
	}
	text := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(string(stdout)), endOfTextMarker))
	tokens := parseEvalTokens(stderr)
	return Output{Text: text, Tokens: tokens, FinishReason: finishReason(tokens, req.MaxTokens)}, nil
}

func (s *cliSession) Close() error {
	s.closed.Store(true)
	return nil
}

const endOfTextMarker = "[end of text]"

// evalRe matches the generation line of llama.cpp timing output, e.g.
// "llama_perf_context_print:        eval time =  1234.56 ms /    63 runs".
// The prompt line ("prompt eval time") is excluded by the anchor.
var evalRe = regexp.MustCompile(`(?m)(?:^|:)\s*eval time\s*=\s*[\d.]+\s*ms\s*/\s*(\d+)\s*(?:runs|tokens)`)

func parseEvalTokens(stderr []byte) int {
	m := evalRe.FindAllSubmatch(stderr, -1)
	if len(m) == 0 {
		return 0
	}
	n, err := strconv.Atoi(string(m[len(m)-1][1]))
	if err != nil {
		return 0
	}
	return n
}
