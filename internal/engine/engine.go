package engine

import (
	"context"
	goruntime "runtime"
)

// Engine opens sessions bound to a model file and thread/context configuration.
type Engine interface {
	// Name identifies the engine kind (cli, server, inproc).
	Name() string
	// Open prepares a session. Failures are reported as *ModelLoadError.
	Open(ctx context.Context, spec Spec) (Session, error)
}

// Session is a loaded model and its execution context.
// Callers must not invoke Generate concurrently on the same Session.
type Session interface {
	// Generate blocks until the engine finishes. When ctx is done the engine
	// must abort the generation and return promptly with ctx.Err().
	Generate(ctx context.Context, req Request) (Output, error)
	// Close releases the process or library context. Idempotent.
	Close() error
}

// Spec is the process-start-time configuration of a session.
type Spec struct {
	ModelPath   string
	Threads     int
	ContextSize int
}

// Request is a validated generation request.
type Request struct {
	Prompt        string
	MaxTokens     int
	Temperature   float64
	TopP          float64
	RepeatPenalty float64
	// Seed < 0 lets the engine choose.
	Seed int64
	Stop []string
}

// Output is the raw result of one generation.
type Output struct {
	Text string
	// Tokens is the number of generated tokens, 0 when unknown.
	Tokens       int
	FinishReason string
}

const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// ClampThreads maps 0 (or negative) to the number of CPUs and caps larger
// values at the number of CPUs.
func ClampThreads(n int) int {
	ncpu := goruntime.NumCPU()
	if n <= 0 || n > ncpu {
		return ncpu
	}
	return n
}

func finishReason(tokens, maxTokens int) string {
	if maxTokens > 0 && tokens >= maxTokens {
		return FinishLength
	}
	return FinishStop
}
