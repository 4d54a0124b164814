package engine

import "sync"

// modelGuard owns a native model whose memory must not be freed while a call
// is still using it. Close during a call only marks the guard; the model is
// freed when that call finishes. A forced reopen therefore cannot reclaim a
// running in-process prediction: its memory stays allocated next to the
// replacement until the prediction returns.
type modelGuard[M any] struct {
	mu      sync.Mutex
	model   M
	loaded  bool
	running bool
	closed  bool
	free    func(M)
}

func newModelGuard[M any](m M, free func(M)) *modelGuard[M] {
	return &modelGuard[M]{model: m, loaded: true, free: free}
}

// acquire marks the model in use. ok is false once the guard is closed or
// while another call holds the model.
func (g *modelGuard[M]) acquire() (m M, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || !g.loaded || g.running {
		return m, false
	}
	g.running = true
	return g.model, true
}

// release ends the call started by acquire, freeing the model if Close ran meanwhile.
func (g *modelGuard[M]) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = false
	if g.closed {
		g.freeLocked()
	}
}

// close frees the model now, or after the running call returns. Idempotent.
func (g *modelGuard[M]) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	if !g.running {
		g.freeLocked()
	}
}

func (g *modelGuard[M]) freeLocked() {
	if !g.loaded {
		return
	}
	var zero M
	g.free(g.model)
	g.model = zero
	g.loaded = false
}
