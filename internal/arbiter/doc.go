// Package arbiter serializes access to model sessions.
//
// Admission policy: a request takes a free ticket immediately, otherwise waits
// in a strict FIFO queue bounded by Config.MaxQueueDepth. Past the bound it
// fails fast with ErrOverloaded (ErrBusy when the depth is 0). Waiting is
// bounded by Config.QueueWaitTimeout.
//
// Timeout policy: forced termination. At the generation deadline the caller
// receives a *TimeoutError and the generation context is cancelled, which
// kills the engine process or aborts its request. The ticket is released when
// the engine returns; if it has not returned within Config.KillGrace the
// session is closed and reopened, then the ticket is released.
//
// Once a ticket is held the caller's context no longer affects the
// generation: a departed caller gets ctx.Err() while the generation runs to
// completion or to its deadline and releases the ticket itself.
package arbiter
