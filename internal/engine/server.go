package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// serverEngine spawns one llama-server per session and talks to its native
// /completion endpoint. The model stays loaded between generations.
type serverEngine struct {
	bin          string
	host         string
	portStart    int
	portEnd      int
	extraArgs    []string
	readyTimeout time.Duration
	stopGrace    time.Duration
	log          zerolog.Logger
}

func newServerEngine(opts Options) (*serverEngine, error) {
	bin, err := opts.resolveBinary("llama-server")
	if err != nil {
		return nil, loadErr("", "llama-server not found", err)
	}
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return &serverEngine{
		bin:          bin,
		host:         host,
		portStart:    opts.PortStart,
		portEnd:      opts.PortEnd,
		extraArgs:    opts.ExtraArgs,
		readyTimeout: orDefault(opts.ReadyTimeout, 120*time.Second),
		stopGrace:    orDefault(opts.StopGrace, 2*time.Second),
		log:          opts.Logger,
	}, nil
}

func (e *serverEngine) Name() string { return KindServer }

func (e *serverEngine) pickPort() (int, error) {
	if e.portStart > 0 && e.portEnd >= e.portStart {
		for p := e.portStart; p <= e.portEnd; p++ {
			l, err := net.Listen("tcp", net.JoinHostPort(e.host, strconv.Itoa(p)))
			if err != nil {
				continue
			}
			_ = l.Close()
			return p, nil
		}
		return 0, fmt.Errorf("no free port in range %d-%d", e.portStart, e.portEnd)
	}
	l, err := net.Listen("tcp", net.JoinHostPort(e.host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func (e *serverEngine) Open(ctx context.Context, spec Spec) (Session, error) {
	if err := checkModelFile(spec.ModelPath); err != nil {
		return nil, err
	}
	port, err := e.pickPort()
	if err != nil {
		return nil, loadErr(spec.ModelPath, "no port for llama-server", err)
	}
	args := []string{
		"-m", spec.ModelPath,
		"--host", e.host,
		"--port", strconv.Itoa(port),
		"-c", strconv.Itoa(spec.ContextSize),
		"-t", strconv.Itoa(spec.Threads),
		"--parallel", "1",
	}
	args = append(args, e.extraArgs...)

	cmd := exec.Command(e.bin, args...)
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, loadErr(spec.ModelPath, "start llama-server", err)
	}
	s := &serverSession{
		baseURL:   fmt.Sprintf("http://%s", net.JoinHostPort(e.host, strconv.Itoa(port))),
		client:    &http.Client{Timeout: 0}, // deadlines come from contexts
		cmd:       cmd,
		stderr:    stderr,
		exited:    make(chan struct{}),
		stopGrace: e.stopGrace,
		log:       e.log.With().Int("pid", cmd.Process.Pid).Int("port", port).Logger(),
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()
	s.log.Info().Str("model", spec.ModelPath).Msg("llama-server started")

	if err := s.waitReady(ctx, e.readyTimeout); err != nil {
		_ = s.Close()
		return nil, loadErr(spec.ModelPath, "llama-server did not become ready", err)
	}
	s.log.Info().Str("url", s.baseURL).Msg("llama-server ready")
	return s, nil
}

type serverSession struct {
	baseURL   string
	client    *http.Client
	cmd       *exec.Cmd
	stderr    *tailBuffer
	exited    chan struct{}
	waitErr   error
	stopGrace time.Duration
	log       zerolog.Logger
	closeOnce sync.Once
}

// waitReady polls /health until 200, the process exits, or the deadline passes.
func (s *serverSession) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		select {
		case <-s.exited:
			return fmt.Errorf("exited before ready: %v", s.waitErr)
		default:
		}
		if s.healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.exited:
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (s *serverSession) healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *serverSession) processExited() bool {
	if s.exited == nil {
		return false
	}
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

type completionRequest struct {
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Seed          int64    `json:"seed"`
	Stop          []string `json:"stop,omitempty"`
	Stream        bool     `json:"stream"`
	CachePrompt   bool     `json:"cache_prompt"`
}

type completionResponse struct {
	Content         string `json:"content"`
	TokensPredicted int    `json:"tokens_predicted"`
	StoppedLimit    bool   `json:"stopped_limit"`
	StopType        string `json:"stop_type"`
}

func (s *serverSession) Generate(ctx context.Context, r Request) (Output, error) {
	if s.processExited() {
		return Output{}, execErr(fmt.Sprintf("llama-server exited (%v)", s.waitErr), s.stderr.Bytes(), nil)
	}
	body, err := json.Marshal(completionRequest{
		Prompt:        r.Prompt,
		NPredict:      r.MaxTokens,
		Temperature:   r.Temperature,
		TopP:          r.TopP,
		RepeatPenalty: r.RepeatPenalty,
		Seed:          r.Seed,
		Stop:          r.Stop,
	})
	if err != nil {
		return Output{}, execErr("encode request", nil, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return Output{}, execErr("build request", nil, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, execErr("llama-server unreachable", s.stderr.Bytes(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Output{}, execErr(fmt.Sprintf("llama-server http error: %s", resp.Status), b, nil)
	}
	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, execErr("llama-server wrote malformed output", nil, err)
	}
	fr := finishReason(cr.TokensPredicted, r.MaxTokens)
	if cr.StoppedLimit || cr.StopType == "limit" {
		fr = FinishLength
	}
	return Output{Text: cr.Content, Tokens: cr.TokensPredicted, FinishReason: fr}, nil
}

// Close sends SIGTERM and falls back to SIGKILL after the stop grace period.
func (s *serverSession) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd == nil || s.cmd.Process == nil {
			return
		}
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-s.exited:
		case <-time.After(s.stopGrace):
			_ = s.cmd.Process.Kill()
			<-s.exited
		}
		s.log.Info().Msg("llama-server stopped")
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf...)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
