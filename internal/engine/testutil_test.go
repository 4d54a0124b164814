package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// writeModel creates a minimal GGUF-looking file and returns its path.
func writeModel(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tiny.Q4_K_M.gguf")
	if err := os.WriteFile(p, append([]byte("GGUF"), make([]byte, 60)...), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

// fakeEngine is an in-memory engine used by handle tests.
type fakeEngine struct {
	mu       sync.Mutex
	opens    int
	openErrs []error // consumed one per Open
	gen      func(ctx context.Context, r Request) (Output, error)
	closed   int
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Open(ctx context.Context, spec Spec) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &fakeSession{f: f}, nil
}

type fakeSession struct{ f *fakeEngine }

func (s *fakeSession) Generate(ctx context.Context, r Request) (Output, error) {
	if s.f.gen != nil {
		return s.f.gen(ctx, r)
	}
	return Output{Text: "echo: " + r.Prompt, Tokens: 2, FinishReason: FinishStop}, nil
}

func (s *fakeSession) Close() error {
	s.f.mu.Lock()
	s.f.closed++
	s.f.mu.Unlock()
	return nil
}

// fakeRunner records the last invocation and returns canned output.
type fakeRunner struct {
	name   string
	args   []string
	stdout string
	stderr string
	err    error
	block  bool
}

func (r *fakeRunner) Run(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	r.name, r.args = name, args
	if r.block {
		<-ctx.Done()
		return nil, nil, errors.New("signal: killed")
	}
	return []byte(r.stdout), []byte(r.stderr), r.err
}
