// Package gateway is the seam the web tier is written against. Respond runs
// validation and arbitration and folds every result into a closed Outcome set.
package gateway

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"llamagate/internal/arbiter"
	"llamagate/internal/engine"
	"llamagate/internal/validate"
	"llamagate/pkg/types"
)

// Kind is the closed set of outcomes.
type Kind string

const (
	KindOK            Kind = "ok"
	KindInvalidInput  Kind = "invalid_input"
	KindBusy          Kind = "busy"
	KindTimeout       Kind = "timeout"
	KindEngineFailure Kind = "engine_failure"
)

// Client-facing reasons. Engine diagnostics never appear here.
const (
	ReasonModelBusy     = "model is busy, retry later"
	ReasonQueueFull     = "too many requests waiting, retry later"
	ReasonShuttingDown  = "server is shutting down"
	ReasonQueueTimeout  = "timed out waiting for the model"
	ReasonGenTimeout    = "generation timed out"
	ReasonCancelled     = "request cancelled"
	ReasonEngineFailure = "the model failed to produce a response"
	ReasonEmptyOutput   = "empty output"
	ReasonInternalFault = "internal error"
)

const (
	warnThreadsIgnored = "threads is server configuration and was ignored"
	tracerName         = "llamagate/gateway"
	respondSpanName    = "gateway.respond"
	defaultRetryAfter  = 5 * time.Second
	maxRetryAfter      = 5 * time.Minute
)

// Meta describes a successful generation.
type Meta struct {
	Tokens       int
	FinishReason string
	Duration     time.Duration
	QueueWait    time.Duration
	TicketID     string
	Warnings     []string
}

// Outcome is the result of Respond. Text is set only for KindOK; Reason is
// always a fixed human-readable message for failures.
type Outcome struct {
	Kind       Kind
	Text       string
	Reason     string
	Violations []string
	// RetryAfter is a hint for KindBusy.
	RetryAfter time.Duration
	Meta       Meta
}

// Submitter is the part of the arbiter the gateway drives.
type Submitter interface {
	Submit(ctx context.Context, req engine.Request, timeout time.Duration) (arbiter.Result, error)
	Status() arbiter.Status
	Ready() bool
}

// Service implements Respond. It is stateless apart from the validator, which
// is swapped atomically on reload.
type Service struct {
	arb     Submitter
	v       atomic.Pointer[validate.Validator]
	timeout time.Duration
	log     zerolog.Logger
	tracer  trace.Tracer
	model   types.Model
	engine  string
	started time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithTimeout sets the per-request generation timeout; 0 defers to the arbiter.
func WithTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// WithModel records the served model for Status.
func WithModel(m types.Model, engineName string) Option {
	return func(s *Service) {
		s.model = m
		s.engine = engineName
	}
}

// New returns a Service over arb with the given bounds.
func New(arb Submitter, b validate.Bounds, opts ...Option) (*Service, error) {
	if arb == nil {
		return nil, errors.New("gateway: arbiter is required")
	}
	v, err := validate.New(b)
	if err != nil {
		return nil, err
	}
	s := &Service{
		arb:     arb,
		log:     zerolog.Nop(),
		tracer:  otel.Tracer(tracerName),
		started: time.Now(),
	}
	s.v.Store(v)
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SetBounds replaces the validation bounds for subsequent requests.
func (s *Service) SetBounds(b validate.Bounds) error {
	v, err := validate.New(b)
	if err != nil {
		return err
	}
	s.v.Store(v)
	s.log.Info().Int("max_prompt_chars", b.MaxPromptChars).Int("max_tokens_ceiling", b.MaxTokensCeiling).Msg("validation bounds updated")
	return nil
}

// Bounds returns the validation bounds in effect.
func (s *Service) Bounds() validate.Bounds { return s.v.Load().Bounds() }

// Respond validates raw, submits it and maps the result. It never returns an
// error: every path ends in one of the Outcome kinds.
func (s *Service) Respond(ctx context.Context, raw types.GenerateRequest) Outcome {
	ctx, span := s.tracer.Start(ctx, respondSpanName)
	defer span.End()

	out := s.respond(ctx, raw, span)
	span.SetAttributes(attribute.String("llamagate.outcome", string(out.Kind)))
	if out.Kind != KindOK {
		span.SetStatus(codes.Error, out.Reason)
	}
	return out
}

func (s *Service) respond(ctx context.Context, raw types.GenerateRequest, span trace.Span) Outcome {
	req, info, err := s.v.Load().Validate(raw)
	if err != nil {
		var ie *validate.InvalidInputError
		if errors.As(err, &ie) {
			return Outcome{Kind: KindInvalidInput, Reason: strings.Join(ie.Violations, "; "), Violations: ie.Violations}
		}
		return Outcome{Kind: KindInvalidInput, Reason: err.Error()}
	}
	if info.Mode == validate.ModeCode {
		req.Prompt = wrapCodePrompt(req.Prompt)
	}
	span.SetAttributes(
		attribute.String("llamagate.mode", info.Mode),
		attribute.Int("llamagate.max_tokens", req.MaxTokens),
		attribute.Int("llamagate.prompt_bytes", len(raw.Prompt)),
	)

	res, err := s.arb.Submit(ctx, req, s.timeout)
	if err != nil {
		o := s.mapError(err)
		s.log.Debug().Err(err).Str("kind", string(o.Kind)).Msg("respond failed")
		return o
	}
	span.SetAttributes(
		attribute.String("llamagate.ticket", res.TicketID),
		attribute.Int("llamagate.tokens", res.Tokens),
	)

	text := res.Text
	if info.Mode == validate.ModeCode {
		text = cleanCode(text)
		if text == "" {
			s.log.Warn().Str("ticket", res.TicketID).Msg("code mode produced no code")
			return Outcome{Kind: KindEngineFailure, Reason: ReasonEmptyOutput}
		}
	}
	meta := Meta{
		Tokens:       res.Tokens,
		FinishReason: res.FinishReason,
		Duration:     res.Duration,
		QueueWait:    res.QueueWait,
		TicketID:     res.TicketID,
	}
	if info.ThreadsIgnored {
		meta.Warnings = append(meta.Warnings, warnThreadsIgnored)
	}
	return Outcome{Kind: KindOK, Text: text, Meta: meta}
}

func (s *Service) mapError(err error) Outcome {
	var te *arbiter.TimeoutError
	switch {
	case arbiter.IsBusy(err):
		return Outcome{Kind: KindBusy, Reason: ReasonModelBusy, RetryAfter: s.retryAfter()}
	case arbiter.IsOverloaded(err):
		return Outcome{Kind: KindBusy, Reason: ReasonQueueFull, RetryAfter: s.retryAfter()}
	case arbiter.IsClosed(err):
		return Outcome{Kind: KindBusy, Reason: ReasonShuttingDown, RetryAfter: defaultRetryAfter}
	case errors.As(err, &te):
		if te.Phase == arbiter.PhaseQueue {
			return Outcome{Kind: KindTimeout, Reason: ReasonQueueTimeout}
		}
		return Outcome{Kind: KindTimeout, Reason: ReasonGenTimeout}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Outcome{Kind: KindTimeout, Reason: ReasonCancelled}
	case arbiter.IsEngineFailure(err):
		return Outcome{Kind: KindEngineFailure, Reason: ReasonEngineFailure}
	default:
		s.log.Error().Err(err).Msg("unexpected arbiter error")
		return Outcome{Kind: KindEngineFailure, Reason: ReasonInternalFault}
	}
}

// retryAfter estimates when a ticket may free up: the mean generation time
// is unknown here, so it scales the default with the queue length.
func (s *Service) retryAfter() time.Duration {
	st := s.arb.Status()
	d := defaultRetryAfter * time.Duration(1+st.Waiting)
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

// Ready reports whether requests can currently be served.
func (s *Service) Ready() bool { return s.arb.Ready() }

// Status reports the arbiter state in wire form.
func (s *Service) Status() types.StatusResponse {
	st := s.arb.Status()
	out := types.StatusResponse{
		Model:          s.model,
		Engine:         s.engine,
		Capacity:       st.Capacity,
		Inflight:       st.Inflight,
		Waiting:        st.Waiting,
		MaxQueueDepth:  st.MaxQueueDepth,
		Totals:         st.Totals,
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
		Draining:       st.Closed,
	}
	for _, sl := range st.Slots {
		out.Slots = append(out.Slots, types.SlotStatus{
			Index:    sl.Index,
			State:    sl.State,
			TicketID: sl.TicketID,
			Served:   sl.Served,
			Reopens:  sl.Reopens,
		})
	}
	return out
}
