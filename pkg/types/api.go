package types

// GenerateRequest is the wire payload accepted by POST /v1/generate.
// Pointer fields distinguish "absent" from an explicit zero.
type GenerateRequest struct {
	// Required prompt text.
	// example: write a function that reverses a string
	Prompt string `json:"prompt" example:"write a function that reverses a string"`
	// Maximum number of new tokens to generate. Omit for the server default.
	// example: 64
	MaxTokens *int `json:"max_tokens,omitempty" example:"64"`
	// Sampling temperature; 0 is deterministic.
	// example: 0.2
	Temperature *float64 `json:"temperature,omitempty" example:"0.2"`
	// Nucleus sampling probability.
	// example: 0.95
	TopP *float64 `json:"top_p,omitempty" example:"0.95"`
	// Random seed; -1 lets the engine choose.
	// example: 42
	Seed *int64 `json:"seed,omitempty" example:"42"`
	// Thread count requested by the client. Accepted for compatibility and
	// always ignored: threads are server configuration.
	Threads *int `json:"threads,omitempty"`
	// Generation mode: "chat" (default) or "code".
	// example: code
	Mode string `json:"mode,omitempty" example:"code"`
}

// GenerateResponse is returned for a successful generation.
type GenerateResponse struct {
	// Generated text.
	Text string `json:"text"`
	// Number of generated tokens when the engine reports it, else 0.
	// example: 57
	Tokens int `json:"tokens" example:"57"`
	// Time spent generating, in milliseconds.
	// example: 8421
	DurationMS int64 `json:"duration_ms" example:"8421"`
	// Time spent waiting for the model, in milliseconds.
	// example: 120
	QueueWaitMS int64 `json:"queue_wait_ms" example:"120"`
	// Why generation stopped (e.g., stop, length).
	// example: stop
	FinishReason string `json:"finish_reason,omitempty" example:"stop"`
	// Set when the request carried fields the server ignores (e.g., threads).
	Warnings []string `json:"warnings,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: prompt is empty
	Error string `json:"error" example:"prompt is empty"`
	// Outcome kind: invalid_input, busy, timeout, engine_failure.
	// example: invalid_input
	Kind string `json:"kind,omitempty" example:"invalid_input"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Individual violated constraints for invalid_input.
	Violations []string `json:"violations,omitempty"`
}

// SlotStatus describes one model session slot.
type SlotStatus struct {
	// Slot index.
	Index int `json:"index"`
	// ready, busy, broken or closed.
	// example: ready
	State string `json:"state" example:"ready"`
	// Ticket currently holding the slot, if any.
	TicketID string `json:"ticket_id,omitempty"`
	// Generations served by this slot.
	Served uint64 `json:"served"`
	// Self-heal reopens performed on this slot.
	Reopens uint64 `json:"reopens"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Model served by this gateway.
	Model Model `json:"model"`
	// Engine kind (cli, server, inproc).
	// example: cli
	Engine string `json:"engine" example:"cli"`
	// Number of concurrent generations allowed.
	// example: 1
	Capacity int `json:"capacity" example:"1"`
	// Generations currently running.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Requests waiting for a ticket.
	// example: 0
	Waiting int `json:"waiting" example:"0"`
	// Maximum waiting requests before Overloaded.
	// example: 4
	MaxQueueDepth int `json:"max_queue_depth" example:"4"`
	// Per-slot detail.
	Slots []SlotStatus `json:"slots"`
	// Totals by outcome (ok, busy, overloaded, timeout, engine_failure, ...).
	Totals map[string]uint64 `json:"totals"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// True once Close has been called.
	Draining bool `json:"draining"`
}
