package arbiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"llamagate/internal/engine"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultGenerationTimeout = 300 * time.Second
	defaultQueueWaitTimeout  = 60 * time.Second
	defaultKillGrace         = 5 * time.Second
	defaultReopenTimeout     = 2 * time.Minute
)

// Runtime is what the arbiter drives; *engine.Handle satisfies it.
type Runtime interface {
	Generate(ctx context.Context, req engine.Request) (engine.Output, error)
	Reopen(ctx context.Context) error
	Close() error
}

// Config holds admission and timeout tunables.
type Config struct {
	// MaxQueueDepth bounds the number of waiting requests. 0 disables queueing.
	MaxQueueDepth     int
	GenerationTimeout time.Duration
	QueueWaitTimeout  time.Duration
	// KillGrace is how long a cancelled generation may take to return before
	// its session is forcibly replaced.
	KillGrace time.Duration
	// ReopenTimeout bounds self-heal reopens.
	ReopenTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQueueDepth < 0 {
		c.MaxQueueDepth = 0
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = defaultGenerationTimeout
	}
	if c.QueueWaitTimeout <= 0 {
		c.QueueWaitTimeout = defaultQueueWaitTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = defaultKillGrace
	}
	if c.ReopenTimeout <= 0 {
		c.ReopenTimeout = defaultReopenTimeout
	}
	return c
}

// Result is a completed generation. It is a value; callers own their copy.
type Result struct {
	Text         string
	Tokens       int
	FinishReason string
	Duration     time.Duration
	QueueWait    time.Duration
	TicketID     string
	Slot         int
}

// Slot states reported by Status.
const (
	SlotReady  = "ready"
	SlotBusy   = "busy"
	SlotBroken = "broken"
	SlotClosed = "closed"
)

type slot struct {
	index    int
	rt       Runtime
	broken   bool
	ticketID string
	served   uint64
	reopens  uint64
}

// ticket is the admission record for one generation. It is released exactly
// once, by the goroutine supervising the generation.
type ticket struct {
	id         string
	slot       *slot
	acquiredAt time.Time
	queueWait  time.Duration
	// reopened is set once this ticket has spent its single reopen attempt.
	reopened bool
}

// waiter is a queued admission. A releasing ticket hands its slot straight to
// the oldest waiter, so the queue order is the service order.
type waiter struct {
	ready chan *slot
}

// Arbiter grants exclusive use of one session slot per ticket.
type Arbiter struct {
	cfg Config
	log zerolog.Logger
	pub EventPublisher

	mu       sync.Mutex
	slots    []*slot
	free     []*slot
	queue    []*waiter
	inflight int
	closed   bool
	totals   map[string]uint64
	tickets  sync.WaitGroup
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(a *Arbiter) { a.log = l } }

// WithPublisher installs an EventPublisher.
func WithPublisher(p EventPublisher) Option {
	return func(a *Arbiter) {
		if p != nil {
			a.pub = p
		}
	}
}

// New builds an Arbiter over the given runtimes; capacity is len(runtimes).
func New(runtimes []Runtime, cfg Config, opts ...Option) (*Arbiter, error) {
	if len(runtimes) == 0 {
		return nil, errors.New("arbiter: at least one runtime required")
	}
	a := &Arbiter{
		cfg:    cfg.withDefaults(),
		log:    zerolog.Nop(),
		pub:    noopPublisher{},
		totals: make(map[string]uint64),
	}
	for i, rt := range runtimes {
		s := &slot{index: i, rt: rt}
		a.slots = append(a.slots, s)
		a.free = append(a.free, s)
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Config returns the effective configuration.
func (a *Arbiter) Config() Config { return a.cfg }

// Capacity is the number of concurrent generations allowed.
func (a *Arbiter) Capacity() int { return len(a.slots) }

// Submit acquires a ticket, runs req on the ticket's session and returns the
// result. timeout <= 0 selects Config.GenerationTimeout.
func (a *Arbiter) Submit(ctx context.Context, req engine.Request, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = a.cfg.GenerationTimeout
	}
	t, err := a.acquire(ctx)
	if err != nil {
		a.count(outcomeForAdmission(err))
		return Result{}, err
	}
	done := make(chan submitOutcome, 1)
	go a.supervise(t, req, timeout, done)
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		a.log.Debug().Str("ticket", t.id).Msg("caller left; generation continues")
		return Result{}, ctx.Err()
	}
}

type submitOutcome struct {
	res Result
	err error
}

func outcomeForAdmission(err error) string {
	switch {
	case IsBusy(err):
		return outcomeBusy
	case IsOverloaded(err):
		return outcomeOverloaded
	case IsTimeout(err):
		return outcomeQueueTimeout
	case IsClosed(err):
		return outcomeClosed
	default:
		return outcomeCancelled
	}
}

// acquire takes a free ticket or waits for one in FIFO order.
func (a *Arbiter) acquire(ctx context.Context) (*ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if len(a.free) > 0 && len(a.queue) == 0 {
		t := a.takeSlotLocked(a.popFreeLocked(), 0)
		a.mu.Unlock()
		a.acquired(t)
		return t, nil
	}
	if len(a.queue) >= a.cfg.MaxQueueDepth {
		waiting := len(a.queue)
		a.mu.Unlock()
		err := ErrOverloaded
		if a.cfg.MaxQueueDepth == 0 {
			err = ErrBusy
		}
		a.pub.Publish(Event{Name: EventQueueRejected, Slot: -1, Fields: map[string]any{"waiting": waiting, "reason": err.Error()}})
		return nil, err
	}
	w := &waiter{ready: make(chan *slot, 1)}
	a.queue = append(a.queue, w)
	waitingGauge.Set(float64(len(a.queue)))
	a.mu.Unlock()

	timer := time.NewTimer(a.cfg.QueueWaitTimeout)
	defer timer.Stop()
	var (
		s   *slot
		err error
	)
	select {
	case s = <-w.ready:
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = &TimeoutError{Phase: PhaseQueue, After: a.cfg.QueueWaitTimeout}
	}

	a.mu.Lock()
	if s == nil && !a.dequeueLocked(w) {
		// A release handed us the slot while we were giving up; the send
		// happened under a.mu, so it is already buffered.
		s = <-w.ready
	}
	if err == nil && a.closed {
		err = ErrClosed
	}
	if err != nil || s == nil {
		if s != nil {
			a.putSlotLocked(s)
		}
		a.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
	t := a.takeSlotLocked(s, time.Since(start))
	a.mu.Unlock()
	a.acquired(t)
	return t, nil
}

// dequeueLocked removes w from the queue and reports whether it was still there.
func (a *Arbiter) dequeueLocked(w *waiter) bool {
	for i, q := range a.queue {
		if q == w {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			waitingGauge.Set(float64(len(a.queue)))
			return true
		}
	}
	return false
}

func (a *Arbiter) popFreeLocked() *slot {
	s := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	return s
}

// putSlotLocked gives s to the oldest waiter, or back to the free list.
func (a *Arbiter) putSlotLocked(s *slot) {
	if len(a.queue) > 0 {
		w := a.queue[0]
		a.queue = a.queue[1:]
		waitingGauge.Set(float64(len(a.queue)))
		w.ready <- s
		return
	}
	a.free = append(a.free, s)
}

func (a *Arbiter) takeSlotLocked(s *slot, wait time.Duration) *ticket {
	t := &ticket{id: uuid.NewString(), slot: s, acquiredAt: time.Now(), queueWait: wait}
	s.ticketID = t.id
	a.inflight++
	inflightGauge.Set(float64(a.inflight))
	a.tickets.Add(1)
	return t
}

func (a *Arbiter) acquired(t *ticket) {
	queueWaitDuration.Observe(t.queueWait.Seconds())
	a.log.Debug().Str("ticket", t.id).Int("slot", t.slot.index).Dur("queue_wait", t.queueWait).Msg("ticket acquired")
	a.pub.Publish(Event{Name: EventTicketAcquired, TicketID: t.id, Slot: t.slot.index, Fields: map[string]any{"queue_wait_ms": t.queueWait.Milliseconds()}})
}

// release returns the slot, handing it to the next waiter if there is one.
// Called exactly once per ticket.
func (a *Arbiter) release(t *ticket) {
	a.mu.Lock()
	t.slot.ticketID = ""
	t.slot.served++
	a.inflight--
	inflightGauge.Set(float64(a.inflight))
	a.putSlotLocked(t.slot)
	a.mu.Unlock()
	a.tickets.Done()
	held := time.Since(t.acquiredAt)
	a.log.Debug().Str("ticket", t.id).Dur("held", held).Msg("ticket released")
	a.pub.Publish(Event{Name: EventTicketReleased, TicketID: t.id, Slot: t.slot.index, Fields: map[string]any{"held_ms": held.Milliseconds()}})
}

type genResult struct {
	out engine.Output
	err error
}

// supervise runs one generation under its deadline, reports to the caller via
// done and releases the ticket no matter how the generation ends.
func (a *Arbiter) supervise(t *ticket, req engine.Request, timeout time.Duration, done chan<- submitOutcome) {
	genCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	results := make(chan genResult, 1)
	go func() {
		out, err := a.generate(genCtx, t, req)
		results <- genResult{out: out, err: err}
	}()

	select {
	case r := <-results:
		elapsed := time.Since(start)
		generationDuration.Observe(elapsed.Seconds())
		if r.err == nil {
			a.count(outcomeOK)
			// The slot is free again before the caller sees its result.
			a.release(t)
			done <- submitOutcome{res: Result{
				Text:         r.out.Text,
				Tokens:       r.out.Tokens,
				FinishReason: r.out.FinishReason,
				Duration:     elapsed,
				QueueWait:    t.queueWait,
				TicketID:     t.id,
				Slot:         t.slot.index,
			}}
			return
		}
		if genCtx.Err() != nil && (errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, context.Canceled)) {
			a.release(t)
			a.timedOut(t, timeout, done)
			return
		}
		a.failed(t, r.err, done)
		a.release(t)

	case <-genCtx.Done():
		a.timedOut(t, timeout, done)
		select {
		case <-results:
		case <-time.After(a.cfg.KillGrace):
			a.log.Warn().Str("ticket", t.id).Int("slot", t.slot.index).Dur("kill_grace", a.cfg.KillGrace).Msg("engine ignored cancellation; replacing session")
			a.pub.Publish(Event{Name: EventForcedReopen, TicketID: t.id, Slot: t.slot.index})
			a.reopen(t, "forced")
		}
		a.release(t)
	}
}

func (a *Arbiter) timedOut(t *ticket, timeout time.Duration, done chan<- submitOutcome) {
	a.count(outcomeGenTimeout)
	generationDuration.Observe(timeout.Seconds())
	a.log.Warn().Str("ticket", t.id).Dur("timeout", timeout).Msg("generation timeout")
	a.pub.Publish(Event{Name: EventGenerationTimeout, TicketID: t.id, Slot: t.slot.index, Fields: map[string]any{"timeout_ms": timeout.Milliseconds()}})
	done <- submitOutcome{err: &TimeoutError{Phase: PhaseGeneration, After: timeout}}
}

// failed reports the failure, then attempts exactly one self-heal reopen while
// the ticket is still held.
func (a *Arbiter) failed(t *ticket, err error, done chan<- submitOutcome) {
	a.count(outcomeEngineFailure)
	ev := a.log.Error().Str("ticket", t.id).Int("slot", t.slot.index).Err(err)
	var ee *engine.ExecutionError
	if errors.As(err, &ee) && ee.Stderr != "" {
		ev = ev.Str("stderr_tail", ee.Stderr)
	}
	ev.Msg("generation failed")

	var ef *EngineFailureError
	if errors.As(err, &ef) {
		done <- submitOutcome{err: ef}
	} else {
		done <- submitOutcome{err: &EngineFailureError{Slot: t.slot.index, Err: err}}
	}
	if !t.reopened {
		a.reopen(t, "self_heal")
	}
}

// reopen replaces the slot's session. On failure the slot is marked broken and
// the next ticket on it tries once more before generating.
func (a *Arbiter) reopen(t *ticket, reason string) bool {
	t.reopened = true
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ReopenTimeout)
	defer cancel()
	err := t.slot.rt.Reopen(ctx)
	a.mu.Lock()
	t.slot.reopens++
	t.slot.broken = err != nil
	a.mu.Unlock()
	if err != nil {
		reopensTotal.WithLabelValues(reason, "error").Inc()
		a.log.Error().Err(err).Int("slot", t.slot.index).Str("reason", reason).Msg("session reopen failed")
		a.pub.Publish(Event{Name: EventSelfHealFailed, TicketID: t.id, Slot: t.slot.index, Fields: map[string]any{"reason": reason, "error": err.Error()}})
		return false
	}
	reopensTotal.WithLabelValues(reason, "ok").Inc()
	a.log.Info().Int("slot", t.slot.index).Str("reason", reason).Msg("session reopened")
	a.pub.Publish(Event{Name: EventSelfHeal, TicketID: t.id, Slot: t.slot.index, Fields: map[string]any{"reason": reason}})
	return true
}

// generate runs on the ticket's slot, first repairing a broken slot once.
func (a *Arbiter) generate(ctx context.Context, t *ticket, req engine.Request) (engine.Output, error) {
	a.mu.Lock()
	broken := t.slot.broken
	a.mu.Unlock()
	if broken {
		if !a.reopen(t, "broken_slot") {
			return engine.Output{}, &EngineFailureError{Slot: t.slot.index, Err: errors.New("session unavailable")}
		}
	}
	return t.slot.rt.Generate(ctx, req)
}

func (a *Arbiter) count(outcome string) {
	submissionsTotal.WithLabelValues(outcome).Inc()
	a.mu.Lock()
	a.totals[outcome]++
	a.mu.Unlock()
}

// SlotInfo describes one slot in a Status snapshot.
type SlotInfo struct {
	Index    int
	State    string
	TicketID string
	Served   uint64
	Reopens  uint64
}

// Status is a point-in-time view of the arbiter.
type Status struct {
	Capacity      int
	Inflight      int
	Waiting       int
	MaxQueueDepth int
	Closed        bool
	Slots         []SlotInfo
	Totals        map[string]uint64
}

// Status returns a snapshot; it never blocks on generations.
func (a *Arbiter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{
		Capacity:      len(a.slots),
		Inflight:      a.inflight,
		Waiting:       len(a.queue),
		MaxQueueDepth: a.cfg.MaxQueueDepth,
		Closed:        a.closed,
		Totals:        make(map[string]uint64, len(a.totals)),
	}
	for k, v := range a.totals {
		st.Totals[k] = v
	}
	for _, s := range a.slots {
		state := SlotReady
		switch {
		case a.closed:
			state = SlotClosed
		case s.ticketID != "":
			state = SlotBusy
		case s.broken:
			state = SlotBroken
		}
		st.Slots = append(st.Slots, SlotInfo{Index: s.index, State: state, TicketID: s.ticketID, Served: s.served, Reopens: s.reopens})
	}
	return st
}

// Ready reports whether the arbiter accepts work and has a usable slot.
func (a *Arbiter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	for _, s := range a.slots {
		if !s.broken {
			return true
		}
	}
	return false
}

// Close rejects new work, waits for outstanding tickets until ctx is done and
// closes every runtime.
func (a *Arbiter) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for _, w := range a.queue {
		close(w.ready)
	}
	a.queue = nil
	waitingGauge.Set(0)
	a.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		a.tickets.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		a.log.Warn().Msg("closing with generations still in flight")
	}
	var g errgroup.Group
	for _, s := range a.slots {
		g.Go(s.rt.Close)
	}
	if cerr := g.Wait(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
