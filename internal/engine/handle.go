package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Handle owns exactly one Session for the lifetime of the service. Nothing
// else may call the session directly; the arbiter serializes access to Generate.
type Handle struct {
	engine Engine
	spec   Spec
	log    zerolog.Logger

	mu     sync.Mutex
	sess   *guardedSession
	closed bool
}

// guardedSession rejects overlapping Generate calls on one session.
type guardedSession struct {
	Session
	busy atomic.Bool
}

// Open validates spec, opens a session on e and returns the Handle owning it.
// Every failure is a *ModelLoadError.
func Open(ctx context.Context, e Engine, spec Spec, log zerolog.Logger) (*Handle, error) {
	if e == nil {
		return nil, loadErr(spec.ModelPath, "no engine configured", nil)
	}
	spec.ModelPath = strings.TrimSpace(spec.ModelPath)
	if spec.ModelPath == "" {
		return nil, loadErr("", "model path is empty", nil)
	}
	if spec.ContextSize <= 0 {
		return nil, loadErr(spec.ModelPath, "context size must be positive", nil)
	}
	spec.Threads = ClampThreads(spec.Threads)
	h := &Handle{engine: e, spec: spec, log: log.With().Str("engine", e.Name()).Logger()}
	s, err := h.open(ctx)
	if err != nil {
		return nil, err
	}
	h.sess = s
	h.log.Info().Str("model", spec.ModelPath).Int("threads", spec.Threads).Int("ctx", spec.ContextSize).Msg("session opened")
	return h, nil
}

func (h *Handle) open(ctx context.Context) (*guardedSession, error) {
	s, err := h.engine.Open(ctx, h.spec)
	if err != nil {
		if !IsModelLoad(err) {
			err = loadErr(h.spec.ModelPath, "engine rejected configuration", err)
		}
		return nil, err
	}
	return &guardedSession{Session: s}, nil
}

// Spec returns the normalized configuration the session was opened with.
func (h *Handle) Spec() Spec { return h.spec }

// EngineName returns the engine kind.
func (h *Handle) EngineName() string { return h.engine.Name() }

// Ready reports whether a session is currently open.
func (h *Handle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && h.sess != nil
}

// Generate runs one generation synchronously. Context errors are returned as
// is; every other failure is an *ExecutionError.
func (h *Handle) Generate(ctx context.Context, req Request) (Output, error) {
	h.mu.Lock()
	s, closed := h.sess, h.closed
	h.mu.Unlock()
	if closed {
		return Output{}, ErrClosed
	}
	if s == nil {
		return Output{}, execErr("session not open", nil, nil)
	}
	if !s.busy.CompareAndSwap(false, true) {
		return Output{}, execErr("session already generating", nil, nil)
	}
	defer s.busy.Store(false)

	out, err := s.Generate(ctx, req)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return Output{}, ctx.Err()
	}
	if IsExecution(err) {
		return Output{}, err
	}
	return Output{}, execErr("generate", nil, err)
}

// Reopen closes the current session and opens a fresh one with the same Spec.
// A concurrent, stuck Generate keeps running against the old session until
// its Close takes effect. Subprocess engines are killed by Close; the inproc
// engine cannot interrupt a running Predict, so the old model is freed only
// when that call returns.
func (h *Handle) Reopen(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	old := h.sess
	h.sess = nil
	h.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			h.log.Warn().Err(err).Msg("close before reopen")
		}
	}
	s, err := h.open(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("reopen failed")
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = s.Close()
		return ErrClosed
	}
	h.sess = s
	h.log.Info().Msg("session reopened")
	return nil
}

// Close releases the session. It is idempotent and safe after failures.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	s := h.sess
	h.sess = nil
	h.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
