//go:build llama

package engine

import (
	"context"
	"sync/atomic"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"
)

// llamaBuilt indicates this binary was compiled with real llama support.
const llamaBuilt = true

// inprocEngine loads the model into this process through go-llama.cpp.
type inprocEngine struct {
	log zerolog.Logger
}

func newInprocEngine(opts Options) (*inprocEngine, error) {
	return &inprocEngine{log: opts.Logger}, nil
}

func (e *inprocEngine) Name() string { return KindInproc }

func (e *inprocEngine) Open(ctx context.Context, spec Spec) (Session, error) {
	if err := checkModelFile(spec.ModelPath); err != nil {
		return nil, err
	}
	m, err := llama.New(spec.ModelPath, llama.SetContext(spec.ContextSize))
	if err != nil {
		return nil, loadErr(spec.ModelPath, "llama.cpp rejected model", err)
	}
	return &inprocSession{guard: newModelGuard(m, (*llama.LLama).Free), threads: spec.Threads}, nil
}

// inprocSession frees its model only after a running Predict returns; see modelGuard.
type inprocSession struct {
	guard   *modelGuard[*llama.LLama]
	threads int
}

func (s *inprocSession) Generate(ctx context.Context, r Request) (Output, error) {
	m, ok := s.guard.acquire()
	if !ok {
		return Output{}, execErr("llama session closed or busy", nil, nil)
	}
	defer s.guard.release()
	var tokens atomic.Int64
	m.SetTokenCallback(func(string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		tokens.Add(1)
		return true
	})
	text, err := m.Predict(r.Prompt, predictOptions(r, s.threads)...)
	if ctx.Err() != nil {
		return Output{}, ctx.Err()
	}
	if err != nil {
		return Output{}, execErr("llama.cpp predict", nil, err)
	}
	n := int(tokens.Load())
	return Output{Text: text, Tokens: n, FinishReason: finishReason(n, r.MaxTokens)}, nil
}

// Close frees the model, or marks it to be freed when the running Predict returns.
func (s *inprocSession) Close() error {
	s.guard.close()
	return nil
}

func predictOptions(r Request, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, r.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(float32(r.TopP)),
		llama.SetTemperature(float32(r.Temperature)),
		llama.SetPenalty(float32(r.RepeatPenalty)),
	}
	if r.Seed >= 0 {
		po = append(po, llama.SetSeed(int(r.Seed)))
	}
	if len(r.Stop) > 0 {
		po = append(po, llama.SetStopWords(r.Stop...))
	}
	return po
}
