package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llamagate/internal/engine"
)

// fakeRuntime is an in-memory Runtime that tracks concurrency.
type fakeRuntime struct {
	gen func(ctx context.Context, r engine.Request) (engine.Output, error)

	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32

	mu         sync.Mutex
	reopens    int
	reopenErrs []error
	closed     bool
	prompts    []string
}

func (f *fakeRuntime) Generate(ctx context.Context, r engine.Request) (engine.Output, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	f.calls.Add(1)
	f.mu.Lock()
	f.prompts = append(f.prompts, r.Prompt)
	f.mu.Unlock()
	if f.gen != nil {
		return f.gen(ctx, r)
	}
	return engine.Output{Text: "out:" + r.Prompt, Tokens: min(3, r.MaxTokens), FinishReason: engine.FinishStop}, nil
}

func (f *fakeRuntime) Reopen(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reopens++
	if len(f.reopenErrs) > 0 {
		err := f.reopenErrs[0]
		f.reopenErrs = f.reopenErrs[1:]
		return err
	}
	return nil
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) reopenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reopens
}

// gate blocks generations until opened.
type gate struct {
	started chan string
	open    chan struct{}
}

func newGate() *gate { return &gate{started: make(chan string, 64), open: make(chan struct{})} }

func (g *gate) gen(ctx context.Context, r engine.Request) (engine.Output, error) {
	g.started <- r.Prompt
	select {
	case <-g.open:
		return engine.Output{Text: "out:" + r.Prompt, Tokens: 1}, nil
	case <-ctx.Done():
		return engine.Output{}, ctx.Err()
	}
}

func newTestArbiter(t *testing.T, cfg Config, rts ...Runtime) (*Arbiter, *MemoryPublisher) {
	t.Helper()
	pub := NewMemoryPublisher()
	a, err := New(rts, cfg, WithPublisher(pub))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a, pub
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func req(p string) engine.Request { return engine.Request{Prompt: p, MaxTokens: 64} }

func TestNew_RequiresRuntime(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestSubmit_OK(t *testing.T) {
	rt := &fakeRuntime{}
	a, pub := newTestArbiter(t, Config{MaxQueueDepth: 2}, rt)
	res, err := a.Submit(context.Background(), req("write a function that reverses a string"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "out:write a function that reverses a string", res.Text)
	assert.LessOrEqual(t, res.Tokens, 64)
	assert.NotEmpty(t, res.TicketID)
	waitFor(t, func() bool { return pub.Count(EventTicketReleased) == 1 })
	assert.Equal(t, 1, pub.Count(EventTicketAcquired))
	assert.Equal(t, uint64(1), a.Status().Totals[outcomeOK])
}

func TestSubmit_AtMostOneGenerationPerSession(t *testing.T) {
	rt := &fakeRuntime{gen: func(ctx context.Context, r engine.Request) (engine.Output, error) {
		time.Sleep(2 * time.Millisecond)
		return engine.Output{Text: r.Prompt}, nil
	}}
	const n = 12
	a, _ := newTestArbiter(t, Config{MaxQueueDepth: n, QueueWaitTimeout: 5 * time.Second}, rt)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Submit(context.Background(), req(fmt.Sprint(i)), time.Second)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), rt.maxActive.Load())
	assert.Equal(t, int32(n), rt.calls.Load())
}

func TestSubmit_PoolNeverSharesASession(t *testing.T) {
	mk := func() *fakeRuntime {
		return &fakeRuntime{gen: func(ctx context.Context, r engine.Request) (engine.Output, error) {
			time.Sleep(3 * time.Millisecond)
			return engine.Output{Text: r.Prompt}, nil
		}}
	}
	r1, r2 := mk(), mk()
	a, _ := newTestArbiter(t, Config{MaxQueueDepth: 32, QueueWaitTimeout: 5 * time.Second}, r1, r2)
	assert.Equal(t, 2, a.Capacity())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Submit(context.Background(), req(fmt.Sprint(i)), time.Second)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), r1.maxActive.Load())
	assert.Equal(t, int32(1), r2.maxActive.Load())
	assert.Equal(t, int32(16), r1.calls.Load()+r2.calls.Load())
}

func TestSubmit_FIFOOrder(t *testing.T) {
	g := newGate()
	rt := &fakeRuntime{gen: g.gen}
	a, _ := newTestArbiter(t, Config{MaxQueueDepth: 8, QueueWaitTimeout: 5 * time.Second}, rt)

	var wg sync.WaitGroup
	submit := func(p string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Submit(context.Background(), req(p), 5*time.Second)
			assert.NoError(t, err)
		}()
	}
	submit("first")
	assert.Equal(t, "first", <-g.started)
	for i := 1; i <= 5; i++ {
		submit(fmt.Sprintf("q%d", i))
		want := i
		waitFor(t, func() bool { return a.Status().Waiting == want })
	}
	close(g.open)
	wg.Wait()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Equal(t, []string{"first", "q1", "q2", "q3", "q4", "q5"}, rt.prompts)
}

func TestSubmit_SequentialCallsNeverSeeBusy(t *testing.T) {
	rt := &fakeRuntime{}
	a, _ := newTestArbiter(t, Config{MaxQueueDepth: 0}, rt)
	for i := 0; i < 5000; i++ {
		_, err := a.Submit(context.Background(), req("seq"), time.Second)
		require.NoError(t, err, "call %d", i)
		st := a.Status()
		require.Zero(t, st.Inflight, "call %d returned with the ticket still held", i)
	}
}

func TestSubmit_ReleasedSlotGoesToOldestWaiter(t *testing.T) {
	g := newGate()
	rt := &fakeRuntime{gen: g.gen}
	a, _ := newTestArbiter(t, Config{MaxQueueDepth: 1, QueueWaitTimeout: 5 * time.Second}, rt)

	go func() { _, _ = a.Submit(context.Background(), req("first"), 5*time.Second) }()
	require.Equal(t, "first", <-g.started)
	queued := make(chan error, 1)
	go func() {
		_, err := a.Submit(context.Background(), req("queued"), 5*time.Second)
		queued <- err
	}()
	waitFor(t, func() bool { return a.Status().Waiting == 1 })

	close(g.open)
	require.NoError(t, <-queued)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Equal(t, []string{"first", "queued"}, rt.prompts)
}

func TestClose_WakesQueuedCallers(t *testing.T) {
	g := newGate()
	rt := &fakeRuntime{gen: g.gen}
	a, err := New([]Runtime{rt}, Config{MaxQueueDepth: 1, QueueWaitTimeout: time.Minute})
	require.NoError(t, err)

	go func() { _, _ = a.Submit(context.Background(), req("hold"), 5*time.Second) }()
	<-g.started
	queued := make(chan error, 1)
	go func() {
		_, err := a.Submit(context.Background(), req("queued"), 5*time.Second)
		queued <- err
	}()
	waitFor(t, func() bool { return a.Status().Waiting == 1 })

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		closed <- a.Close(ctx)
	}()
	select {
	case err := <-queued:
		assert.True(t, IsClosed(err), "got %v", err)
	case <-time.After(time.Second):
		t.Fatalf("queued caller not released by Close")
	}
	close(g.open)
	assert.NoError(t, <-closed)
}

func TestSubmit_QueueBoundRejectsOverflow(t *testing.T) {
	g := newGate()
	rt := &fakeRuntime{gen: g.gen}
	a, pub := newTestArbiter(t, Config{MaxQueueDepth: 2, QueueWaitTimeout: 5 * time.Second}, rt)

	inflight := make(chan error, 1)
	go func() {
		_, err := a.Submit(context.Background(), req("busy"), 5*time.Second)
		inflight <- err
	}()
	<-g.started

	const arrivals = 5
	results := make(chan error, arrivals)
	var wg sync.WaitGroup
	for i := 0; i < arrivals; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Submit(context.Background(), req(fmt.Sprint(i)), 5*time.Second)
			results <- err
		}(i)
	}
	// The three that do not fit return immediately.
	overloaded := 0
	for overloaded < arrivals-2 {
		err := <-results
		require.True(t, IsOverloaded(err), "got %v", err)
		overloaded++
	}
	assert.Equal(t, 2, a.Status().Waiting)
	assert.Equal(t, 3, pub.Count(EventQueueRejected))

	close(g.open)
	wg.Wait()
	close(results)
	for err := range results {
		assert.NoError(t, err, "queued requests must complete")
	}
	assert.NoError(t, <-inflight)
	assert.Equal(t, uint64(3), a.Status().Totals[outcomeOverloaded])
}

func TestSubmit_ZeroDepthIsBusy(t *testing.T) {
	g := newGate()
	rt := &fakeRuntime{gen: g.gen}
	a, _ := newTestArbiter(t, Config{MaxQueueDepth: 0}, rt)
	go func() { _, _ = a.Submit(context.Background(), req("busy"), 5*time.Second) }()
	<-g.started
	_, err := a.Submit(context.Background(), req("second"), time.Second)
	assert.True(t, IsBusy(err))
	assert.False(t, IsOverloaded(err))
	close(g.open)
}

func TestSubmit_QueueWaitTimeout(t *testing.T) {
	g := newGate()
	rt := &fakeRuntime{gen: g.gen}
	a, _ := newTestArbiter(t, Config{MaxQueueDepth: 4, QueueWaitTimeout: 40 * time.Millisecond}, rt)
	go func() { _, _ = a.Submit(context.Background(), req("busy"), 5*time.Second) }()
	<-g.started

	start := time.Now()
	_, err := a.Submit(context.Background(), req("waiter"), 5*time.Second)
	elapsed := time.Since(start)
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, PhaseQueue, te.Phase)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, a.Status().Waiting)
	close(g.open)
}

func TestSubmit_CallerCancelWhileQueued(t *testing.T) {
	g := newGate()
	rt := &fakeRuntime{gen: g.gen}
	a, _ := newTestArbiter(t, Config{MaxQueueDepth: 4, QueueWaitTimeout: 5 * time.Second}, rt)
	go func() { _, _ = a.Submit(context.Background(), req("busy"), 5*time.Second) }()
	<-g.started

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := a.Submit(ctx, req("leaver"), 5*time.Second)
		errc <- err
	}()
	waitFor(t, func() bool { return a.Status().Waiting == 1 })
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 0, a.Status().Waiting)

	close(g.open)
	_, err := a.Submit(context.Background(), req("after"), time.Second)
	assert.NoError(t, err)
}

func TestSubmit_GenerationTimeoutReleasesTicket(t *testing.T) {
	slow := make(chan struct{})
	rt := &fakeRuntime{gen: func(ctx context.Context, r engine.Request) (engine.Output, error) {
		if r.Prompt == "slow" {
			select {
			case <-ctx.Done():
				close(slow)
				return engine.Output{}, ctx.Err()
			case <-time.After(5 * time.Second):
			}
		}
		return engine.Output{Text: "fast"}, nil
	}}
	a, pub := newTestArbiter(t, Config{MaxQueueDepth: 2, QueueWaitTimeout: 5 * time.Second}, rt)

	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := a.Submit(context.Background(), req("slow"), timeout)
	elapsed := time.Since(start)
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, PhaseGeneration, te.Phase)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+250*time.Millisecond)
	<-slow // the engine saw the cancellation

	res, err := a.Submit(context.Background(), req("next"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Text)
	assert.Equal(t, 1, pub.Count(EventGenerationTimeout))
	assert.Equal(t, 0, rt.reopenCount(), "a cooperative engine needs no reopen")
}

func TestSubmit_StuckEngineIsForciblyReplaced(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)
	var first atomic.Bool
	rt := &fakeRuntime{gen: func(ctx context.Context, r engine.Request) (engine.Output, error) {
		if first.CompareAndSwap(false, true) {
			<-stuck // ignores ctx entirely
			return engine.Output{}, nil
		}
		return engine.Output{Text: "recovered"}, nil
	}}
	a, pub := newTestArbiter(t, Config{MaxQueueDepth: 2, QueueWaitTimeout: 5 * time.Second, KillGrace: 30 * time.Millisecond}, rt)

	_, err := a.Submit(context.Background(), req("hang"), 30*time.Millisecond)
	require.True(t, IsTimeout(err))

	res, err := a.Submit(context.Background(), req("next"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)
	assert.Equal(t, 1, rt.reopenCount())
	assert.Equal(t, 1, pub.Count(EventForcedReopen))
}

func TestSubmit_EngineFailureSelfHealsOnce(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	rt := &fakeRuntime{gen: func(ctx context.Context, r engine.Request) (engine.Output, error) {
		if fail.CompareAndSwap(true, false) {
			return engine.Output{}, &engine.ExecutionError{Detail: "llama-cli exited abnormally", Stderr: "segfault"}
		}
		return engine.Output{Text: "ok"}, nil
	}}
	a, pub := newTestArbiter(t, Config{MaxQueueDepth: 2}, rt)

	_, err := a.Submit(context.Background(), req("x"), time.Second)
	require.True(t, IsEngineFailure(err), "got %v", err)
	assert.True(t, engine.IsExecution(err))

	res, err := a.Submit(context.Background(), req("y"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 1, rt.reopenCount())
	assert.Equal(t, 1, pub.Count(EventSelfHeal))
}

func TestSubmit_BrokenSlotRetriesReopenOncePerRequest(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	rt := &fakeRuntime{
		gen: func(ctx context.Context, r engine.Request) (engine.Output, error) {
			if fail.CompareAndSwap(true, false) {
				return engine.Output{}, &engine.ExecutionError{Detail: "crash"}
			}
			return engine.Output{Text: "ok"}, nil
		},
		reopenErrs: []error{errors.New("model gone"), errors.New("still gone")},
	}
	a, pub := newTestArbiter(t, Config{MaxQueueDepth: 2}, rt)

	_, err := a.Submit(context.Background(), req("crash"), time.Second)
	require.True(t, IsEngineFailure(err))
	waitFor(t, func() bool { return rt.reopenCount() == 1 })
	waitFor(t, func() bool { return a.Status().Slots[0].State == SlotBroken })
	assert.False(t, a.Ready())

	// Broken slot: one reopen attempt, which fails, no generation.
	_, err = a.Submit(context.Background(), req("second"), time.Second)
	require.True(t, IsEngineFailure(err))
	assert.Equal(t, 2, rt.reopenCount())
	assert.Equal(t, int32(1), rt.calls.Load())

	// Third request: reopen succeeds and generation runs.
	res, err := a.Submit(context.Background(), req("third"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 3, rt.reopenCount())
	assert.Equal(t, 2, pub.Count(EventSelfHealFailed))
	assert.True(t, a.Ready())
}

func TestSubmit_CallerLeavesDuringGeneration(t *testing.T) {
	g := newGate()
	rt := &fakeRuntime{gen: g.gen}
	a, pub := newTestArbiter(t, Config{MaxQueueDepth: 2}, rt)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := a.Submit(ctx, req("leaver"), 5*time.Second)
		errc <- err
	}()
	<-g.started
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 1, a.Status().Inflight, "generation keeps its ticket")

	close(g.open)
	waitFor(t, func() bool { return pub.Count(EventTicketReleased) == 1 })
	assert.Equal(t, 0, a.Status().Inflight)
}

func TestSubmit_DeterministicEngineIsIdempotent(t *testing.T) {
	rt := &fakeRuntime{gen: func(ctx context.Context, r engine.Request) (engine.Output, error) {
		return engine.Output{Text: fmt.Sprintf("%s|%v|%d", r.Prompt, r.Temperature, r.Seed)}, nil
	}}
	a, _ := newTestArbiter(t, Config{}, rt)
	r := engine.Request{Prompt: "p", MaxTokens: 8, Temperature: 0, Seed: 1}
	r1, err := a.Submit(context.Background(), r, time.Second)
	require.NoError(t, err)
	r2, err := a.Submit(context.Background(), r, time.Second)
	require.NoError(t, err)
	assert.Equal(t, r1.Text, r2.Text)
	assert.NotEqual(t, r1.TicketID, r2.TicketID)
}

func TestClose_DrainsAndRejects(t *testing.T) {
	g := newGate()
	rt := &fakeRuntime{gen: g.gen}
	a, err := New([]Runtime{rt}, Config{MaxQueueDepth: 2})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := a.Submit(context.Background(), req("inflight"), 5*time.Second)
		done <- err
	}()
	<-g.started

	closed := make(chan error, 1)
	go func() { closed <- a.Close(context.Background()) }()
	waitFor(t, func() bool { return a.Status().Closed })
	_, err = a.Submit(context.Background(), req("late"), time.Second)
	assert.True(t, IsClosed(err))

	close(g.open)
	assert.NoError(t, <-done)
	assert.NoError(t, <-closed)
	rt.mu.Lock()
	assert.True(t, rt.closed)
	rt.mu.Unlock()
	assert.NoError(t, a.Close(context.Background()), "Close is idempotent")
}

func TestConfigDefaults(t *testing.T) {
	c := Config{MaxQueueDepth: -3}.withDefaults()
	assert.Equal(t, 0, c.MaxQueueDepth)
	assert.Equal(t, defaultGenerationTimeout, c.GenerationTimeout)
	assert.Equal(t, defaultQueueWaitTimeout, c.QueueWaitTimeout)
	assert.Equal(t, defaultKillGrace, c.KillGrace)
}
