package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsmhub/internal/dispatch"
	"fsmhub/internal/guard"
	"fsmhub/internal/history"
	"fsmhub/internal/models"
)

func testOptions() Options {
	return Options{
		MaxConcurrent:     50,
		RequestTimeout:    5 * time.Second,
		ConflictWait:      2 * time.Second,
		HeartbeatInterval: time.Minute,
		LivenessTimeout:   time.Hour,
		ShutdownGrace:     time.Second,
		PollInterval:      2 * time.Millisecond,
	}
}

func newTestHub(t *testing.T, opts Options, v guard.Validator) (*Hub, *dispatch.Dispatcher) {
	t.Helper()
	disp := dispatch.New(nil)
	h := New(opts, v, history.New(nil, nil), disp, nil)
	t.Cleanup(h.Shutdown)
	return h, disp
}

// okMachine succeeds immediately and counts invocations.
func okMachine(calls *atomic.Int32) MachineFunc {
	return func(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
		calls.Add(1)
		return nil
	}
}

type submitResult struct {
	resp *models.TransitionResponse
	err  error
}

func submitAsync(h *Hub, machineID, from, to, event string, priority int) chan submitResult {
	ch := make(chan submitResult, 1)
	go func() {
		resp, err := h.RequestTransition(context.Background(), machineID, from, to, event, nil, priority, "test")
		ch <- submitResult{resp: resp, err: err}
	}()
	return ch
}

func TestRequestTransitionSuccess(t *testing.T) {
	h, _ := newTestHub(t, testOptions(), nil)
	var calls atomic.Int32
	h.Register("m1", models.KindLeaf, "worker one", okMachine(&calls))
	h.Start()

	resp, err := h.RequestTransition(context.Background(), "m1", "idle", "running", "start", nil, 5, "tester")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "idle", resp.FromState)
	assert.Equal(t, "running", resp.ToState)
	assert.Empty(t, resp.Error)
	assert.Equal(t, int32(1), calls.Load())

	// One executed transition: ledger, registry counter, and hub total
	// all agree.
	metrics := h.Metrics(0)
	assert.Equal(t, 1, metrics.Count)
	assert.Equal(t, 1, metrics.Successes)

	regs := h.RegisteredMachines()
	require.Len(t, regs, 1)
	assert.Equal(t, uint64(1), regs[0].TransitionCount)
	assert.Equal(t, uint64(1), h.GetStatus().TotalTransitions)
}

func TestRequestTransitionUnknownMachine(t *testing.T) {
	h, _ := newTestHub(t, testOptions(), nil)
	h.Start()

	resp, err := h.RequestTransition(context.Background(), "ghost", "a", "b", "go", nil, 5, "tester")
	require.ErrorIs(t, err, ErrUnknownMachine)
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "ghost")

	// Never enqueued, never recorded.
	assert.Equal(t, 0, h.QueueLength())
	assert.Equal(t, 0, h.Metrics(0).Count)
}

func TestValidationRejectionSkipsExecution(t *testing.T) {
	opts := testOptions()
	opts.ValidationEnabled = true
	v := guard.NewRuleValidator(guard.Rule{From: "idle", To: "running", Event: "start"})

	h, _ := newTestHub(t, opts, v)
	var calls atomic.Int32
	h.Register("m1", models.KindLeaf, "worker", okMachine(&calls))
	h.Start()

	resp, err := h.RequestTransition(context.Background(), "m1", "idle", "stopped", "halt", nil, 5, "tester")
	require.ErrorIs(t, err, ErrValidationRejected)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	assert.Zero(t, resp.Duration)
	assert.Equal(t, int32(0), calls.Load())

	// Rejections land in the ledger as zero-duration failures.
	metrics := h.Metrics(0)
	assert.Equal(t, 1, metrics.Count)
	assert.Equal(t, 1, metrics.Failures)
	assert.Zero(t, metrics.AverageDuration)

	// The allowed transition still goes through.
	resp, err = h.RequestTransition(context.Background(), "m1", "idle", "running", "start", nil, 5, "tester")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPriorityOrderingWithFIFOTies(t *testing.T) {
	opts := testOptions()
	opts.MaxConcurrent = 1

	h, _ := newTestHub(t, opts, nil)

	var mu sync.Mutex
	var order []string
	h.Register("m1", models.KindLeaf, "worker", MachineFunc(func(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
		mu.Lock()
		order = append(order, event)
		mu.Unlock()
		return nil
	}))

	// Queue everything before the scheduler runs so admission order is
	// decided purely by priority and submission sequence.
	var results []chan submitResult
	submissions := []struct {
		event    string
		priority int
	}{
		{"low-a", 2},
		{"high-a", 1},
		{"low-b", 2},
		{"high-b", 1},
	}
	for i, s := range submissions {
		results = append(results, submitAsync(h, "m1", "s1", "s2", s.event, s.priority))
		want := i + 1
		require.Eventually(t, func() bool { return h.QueueLength() == want }, time.Second, time.Millisecond)
	}

	h.Start()
	for _, ch := range results {
		res := <-ch
		require.NoError(t, res.err)
		assert.True(t, res.resp.Success)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high-a", "high-b", "low-a", "low-b"}, order)
}

func TestConcurrencyCap(t *testing.T) {
	opts := testOptions()
	opts.MaxConcurrent = 2

	h, _ := newTestHub(t, opts, nil)
	release := make(chan struct{})
	h.Register("m1", models.KindLeaf, "worker", MachineFunc(func(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
		<-release
		return nil
	}))
	h.Start()

	var results []chan submitResult
	for i := 0; i < 5; i++ {
		results = append(results, submitAsync(h, "m1", "s1", "s2", "go", 5))
	}

	require.Eventually(t, func() bool {
		return h.ActiveCount() == 2 && h.QueueLength() == 3
	}, time.Second, time.Millisecond)

	// The cap holds while workers are busy.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.ActiveCount())

	close(release)
	for _, ch := range results {
		res := <-ch
		require.NoError(t, res.err)
		assert.True(t, res.resp.Success)
	}
	require.Eventually(t, func() bool { return h.ActiveCount() == 0 }, time.Second, time.Millisecond)
}

func TestRequestTimeoutIsIdempotent(t *testing.T) {
	opts := testOptions()
	opts.RequestTimeout = 40 * time.Millisecond

	h, _ := newTestHub(t, opts, nil)
	h.Register("m1", models.KindLeaf, "slow", MachineFunc(func(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}))
	h.Start()

	resp, err := h.RequestTransition(context.Background(), "m1", "s1", "s2", "go", nil, 5, "tester")
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)

	// The late completion must not double-deliver or leak state.
	require.Eventually(t, func() bool { return h.ActiveCount() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.GetStatus().PendingRequests)
	// Execution still ran to completion and was recorded.
	assert.Equal(t, 1, h.Metrics(0).Count)
}

func TestContextCancellation(t *testing.T) {
	h, _ := newTestHub(t, testOptions(), nil)
	h.Register("m1", models.KindLeaf, "slow", MachineFunc(func(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}))
	h.Start()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	resp, err := h.RequestTransition(ctx, "m1", "s1", "s2", "go", nil, 5, "tester")
	require.ErrorIs(t, err, ErrRequestCancelled)
	assert.False(t, resp.Success)
}

func TestExecutionFailureKeepsCounterUnchanged(t *testing.T) {
	h, _ := newTestHub(t, testOptions(), nil)
	h.Register("m1", models.KindLeaf, "flaky", MachineFunc(func(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
		return errors.New("actuator jammed")
	}))
	h.Start()

	resp, err := h.RequestTransition(context.Background(), "m1", "s1", "s2", "go", nil, 5, "tester")
	require.ErrorIs(t, err, ErrExecutionFailed)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "actuator jammed")

	// Failed executions count toward the ledger but not the machine's
	// transition counter.
	metrics := h.Metrics(0)
	assert.Equal(t, 1, metrics.Count)
	assert.Equal(t, 1, metrics.Failures)
	regs := h.RegisteredMachines()
	require.Len(t, regs, 1)
	assert.Equal(t, uint64(0), regs[0].TransitionCount)
}

func TestMachinePanicBecomesError(t *testing.T) {
	h, _ := newTestHub(t, testOptions(), nil)
	h.Register("m1", models.KindLeaf, "brittle", MachineFunc(func(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
		panic("wild pointer")
	}))
	h.Start()

	resp, err := h.RequestTransition(context.Background(), "m1", "s1", "s2", "go", nil, 5, "tester")
	require.ErrorIs(t, err, ErrExecutionFailed)
	assert.Contains(t, resp.Error, "machine panicked")

	// The hub survives: another machine still executes.
	var calls atomic.Int32
	h.Register("m2", models.KindLeaf, "steady", okMachine(&calls))
	resp, err = h.RequestTransition(context.Background(), "m2", "a", "b", "go", nil, 5, "tester")
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestConflictingTransitionsSerialize(t *testing.T) {
	opts := testOptions()
	opts.MaxConcurrent = 4
	opts.ConflictResolution = true

	h, _ := newTestHub(t, opts, nil)

	type span struct{ start, end time.Time }
	var mu sync.Mutex
	spans := map[string]span{}
	h.Register("m1", models.KindLeaf, "worker", MachineFunc(func(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
		start := time.Now()
		time.Sleep(80 * time.Millisecond)
		mu.Lock()
		spans[from+"->"+to] = span{start: start, end: time.Now()}
		mu.Unlock()
		return nil
	}))
	h.Start()

	// A: s1->s2. B: s2->s3 conflicts with A (B reads the state A writes).
	chA := submitAsync(h, "m1", "s1", "s2", "go", 5)
	require.Eventually(t, func() bool { return h.ActiveCount() == 1 }, time.Second, time.Millisecond)
	chB := submitAsync(h, "m1", "s2", "s3", "go", 5)

	resA := <-chA
	resB := <-chB
	require.NoError(t, resA.err)
	require.NoError(t, resB.err)

	mu.Lock()
	defer mu.Unlock()
	a, b := spans["s1->s2"], spans["s2->s3"]
	assert.False(t, b.start.Before(a.end), "conflicting transition started before the first finished")
}

func TestNonConflictingTransitionsOverlap(t *testing.T) {
	opts := testOptions()
	opts.MaxConcurrent = 4
	opts.ConflictResolution = true

	h, _ := newTestHub(t, opts, nil)
	release := make(chan struct{})
	h.Register("m1", models.KindLeaf, "worker", MachineFunc(func(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
		<-release
		return nil
	}))
	h.Start()

	chA := submitAsync(h, "m1", "s1", "s2", "go", 5)
	require.Eventually(t, func() bool { return h.ActiveCount() == 1 }, time.Second, time.Millisecond)
	// Disjoint states on the same machine: no conflict, runs concurrently.
	chB := submitAsync(h, "m1", "s5", "s6", "go", 5)
	require.Eventually(t, func() bool { return h.ActiveCount() == 2 }, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, (<-chA).err)
	require.NoError(t, (<-chB).err)
}

func TestConflictWaitTimeout(t *testing.T) {
	opts := testOptions()
	opts.MaxConcurrent = 4
	opts.ConflictResolution = true
	opts.ConflictWait = 30 * time.Millisecond

	h, _ := newTestHub(t, opts, nil)
	release := make(chan struct{})
	h.Register("m1", models.KindLeaf, "worker", MachineFunc(func(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
		if from == "s1" {
			<-release
		}
		return nil
	}))
	h.Start()

	chA := submitAsync(h, "m1", "s1", "s2", "go", 5)
	require.Eventually(t, func() bool { return h.ActiveCount() == 1 }, time.Second, time.Millisecond)
	chB := submitAsync(h, "m1", "s2", "s3", "go", 5)

	resB := <-chB
	require.ErrorIs(t, resB.err, ErrConflictTimeout)
	assert.False(t, resB.resp.Success)

	close(release)
	require.NoError(t, (<-chA).err)
}

func TestConflictWaitBoundsTotalDelay(t *testing.T) {
	opts := testOptions()
	opts.MaxConcurrent = 4
	opts.ConflictResolution = true
	opts.ConflictWait = 60 * time.Millisecond

	h, _ := newTestHub(t, opts, nil)
	release := make(chan struct{})
	h.Register("m1", models.KindLeaf, "worker", MachineFunc(func(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
		if from == "s1" || from == "s3" {
			<-release
		}
		return nil
	}))
	h.Start()

	// Two in-flight executions that both conflict with B (s2->s3):
	// A writes B's source state, C reads B's target state.
	chA := submitAsync(h, "m1", "s1", "s2", "go", 5)
	chC := submitAsync(h, "m1", "s3", "s4", "go", 5)
	require.Eventually(t, func() bool { return h.ActiveCount() == 2 }, time.Second, time.Millisecond)

	start := time.Now()
	chB := submitAsync(h, "m1", "s2", "s3", "go", 5)
	resB := <-chB
	elapsed := time.Since(start)

	require.ErrorIs(t, resB.err, ErrConflictTimeout)
	// The deadline is shared across all conflicts, not per conflict:
	// two stuck conflicts still resolve in about one ConflictWait.
	assert.Less(t, elapsed, 110*time.Millisecond)

	close(release)
	require.NoError(t, (<-chA).err)
	require.NoError(t, (<-chC).err)
}

func TestHeartbeatScanMarksInactiveOnce(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.LivenessTimeout = 40 * time.Millisecond

	h, disp := newTestHub(t, opts, nil)

	var inactive atomic.Int32
	disp.Subscribe(dispatch.EventFSMInactive, 0, func(ctx context.Context, ev dispatch.Event) {
		inactive.Add(1)
	})

	var calls atomic.Int32
	h.Register("m1", models.KindLeaf, "quiet", okMachine(&calls))
	h.Start()

	// Several scan intervals pass with no heartbeat: exactly one
	// notification for the whole outage.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), inactive.Load())

	regs := h.RegisteredMachines()
	require.Len(t, regs, 1)
	assert.False(t, regs[0].IsActive)

	// A heartbeat reactivates the machine.
	require.NoError(t, h.UpdateHeartbeat("m1"))
	regs = h.RegisteredMachines()
	assert.True(t, regs[0].IsActive)
}

func TestUpdateHeartbeatUnknownMachine(t *testing.T) {
	h, _ := newTestHub(t, testOptions(), nil)
	assert.ErrorIs(t, h.UpdateHeartbeat("ghost"), ErrUnknownMachine)
}

func TestUnregisterCancelsQueuedRequests(t *testing.T) {
	h, _ := newTestHub(t, testOptions(), nil)
	var calls atomic.Int32
	h.Register("m1", models.KindLeaf, "worker", okMachine(&calls))

	// Scheduler not started: the request stays queued.
	ch := submitAsync(h, "m1", "s1", "s2", "go", 5)
	require.Eventually(t, func() bool { return h.QueueLength() == 1 }, time.Second, time.Millisecond)

	h.Unregister("m1")

	res := <-ch
	require.ErrorIs(t, res.err, ErrRequestCancelled)
	assert.False(t, res.resp.Success)
	assert.Contains(t, res.resp.Error, "unregistered")
	assert.Equal(t, 0, h.QueueLength())
	assert.Empty(t, h.RegisteredMachines())
	assert.Equal(t, int32(0), calls.Load())
}

func TestReRegisterOverwrites(t *testing.T) {
	h, _ := newTestHub(t, testOptions(), nil)
	var first, second atomic.Int32
	h.Register("m1", models.KindLeaf, "v1", okMachine(&first))
	h.Register("m1", models.KindMidTier, "v2", okMachine(&second))
	h.Start()

	_, err := h.RequestTransition(context.Background(), "m1", "a", "b", "go", nil, 5, "tester")
	require.NoError(t, err)

	regs := h.RegisteredMachines()
	require.Len(t, regs, 1)
	assert.Equal(t, "v2", regs[0].Name)
	assert.Equal(t, models.KindMidTier, regs[0].Kind)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestShutdownCancelsQueuedAndRejectsNew(t *testing.T) {
	h, _ := newTestHub(t, testOptions(), nil)
	var calls atomic.Int32
	h.Register("m1", models.KindLeaf, "worker", okMachine(&calls))

	ch := submitAsync(h, "m1", "s1", "s2", "go", 5)
	require.Eventually(t, func() bool { return h.QueueLength() == 1 }, time.Second, time.Millisecond)

	h.Shutdown()

	res := <-ch
	require.ErrorIs(t, res.err, ErrShuttingDown)
	assert.False(t, res.resp.Success)

	_, err := h.RequestTransition(context.Background(), "m1", "s1", "s2", "go", nil, 5, "tester")
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Empty(t, h.RegisteredMachines())
}

func TestObservableHooksForwardEvents(t *testing.T) {
	h, disp := newTestHub(t, testOptions(), nil)

	var changes atomic.Int32
	var errs atomic.Int32
	disp.Subscribe(dispatch.EventStateChange, 0, func(ctx context.Context, ev dispatch.Event) {
		changes.Add(1)
	})
	disp.Subscribe(dispatch.EventFSMError, 0, func(ctx context.Context, ev dispatch.Event) {
		errs.Add(1)
	})

	m := &observableMachine{}
	h.Register("m1", models.KindLeaf, "chatty", m)

	m.hooks.StateChanged("a", "b")
	m.hooks.ErrorReported(errors.New("sensor drift"))

	require.Eventually(t, func() bool {
		return changes.Load() == 1 && errs.Load() == 1
	}, time.Second, time.Millisecond)
}

type observableMachine struct {
	hooks MachineHooks
}

func (m *observableMachine) SetHooks(hooks MachineHooks) { m.hooks = hooks }

func (m *observableMachine) Transition(ctx context.Context, from, to, event string, tc *models.TransitionContext) error {
	return nil
}
