package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRefresher simulates long-running refreshes: a view counts as active
// from the moment Refresh is called until release is closed.
type fakeRefresher struct {
	mu       sync.Mutex
	calls    map[string]int
	active   map[string]bool
	external map[string]bool
	checkErr error
	release  chan struct{}
	started  chan string
	finished chan refreshResult
}

type refreshResult struct {
	view string
	err  error
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{
		calls:    make(map[string]int),
		active:   make(map[string]bool),
		external: make(map[string]bool),
		release:  make(chan struct{}),
		started:  make(chan string, 16),
		finished: make(chan refreshResult, 16),
	}
}

func (f *fakeRefresher) RefreshActive(ctx context.Context, view string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.active[view] || f.external[view], nil
}

func (f *fakeRefresher) Refresh(ctx context.Context, view string) error {
	f.mu.Lock()
	f.calls[view]++
	f.active[view] = true
	f.mu.Unlock()
	f.started <- view

	select {
	case <-f.release:
	case <-ctx.Done():
	}

	f.mu.Lock()
	f.active[view] = false
	f.mu.Unlock()
	f.finished <- refreshResult{view: view, err: ctx.Err()}
	return ctx.Err()
}

func (f *fakeRefresher) Calls(view string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[view]
}

func testTargets(tenant string, models ...string) []Target {
	out := make([]Target, len(models))
	for i, m := range models {
		out[i] = Target{Tenant: tenant, Model: m, View: tenant + "_m_" + m}
	}
	return out
}

func newTestScheduler(t *testing.T, f *fakeRefresher, clock clockwork.Clock, targets []Target) *Scheduler {
	t.Helper()
	s, err := NewScheduler(SchedulerConfig{
		Logger:        testLogger(),
		Clock:         clock,
		Refresher:     f,
		Tenant:        "t1",
		Targets:       targets,
		TotalInterval: time.Minute,
	})
	require.NoError(t, err)
	return s
}

func TestRefresh_Scheduler_SkipsActiveRefresh(t *testing.T) {
	t.Parallel()

	f := newFakeRefresher()
	s := newTestScheduler(t, f, clockwork.NewFakeClock(), testTargets("t1", "sessions"))
	ctx := context.Background()

	target, outcome := s.Tick(ctx)
	require.Equal(t, OutcomeIssued, outcome)
	require.Equal(t, "t1_m_sessions", target.View)
	require.Equal(t, "t1_m_sessions", <-f.started)

	for range 3 {
		_, outcome = s.Tick(ctx)
		require.Equal(t, OutcomeSkippedActive, outcome)
	}
	require.Equal(t, 1, f.Calls("t1_m_sessions"))

	close(f.release)
	s.Wait()

	_, outcome = s.Tick(ctx)
	require.Equal(t, OutcomeIssued, outcome)
	s.Wait()
	require.Equal(t, 2, f.Calls("t1_m_sessions"))
}

func TestRefresh_Scheduler_SkipsRefreshRunningElsewhere(t *testing.T) {
	t.Parallel()

	f := newFakeRefresher()
	f.external["t1_m_sessions"] = true
	close(f.release)
	s := newTestScheduler(t, f, clockwork.NewFakeClock(), testTargets("t1", "sessions"))

	_, outcome := s.Tick(context.Background())
	require.Equal(t, OutcomeSkippedActive, outcome)
	require.Zero(t, f.Calls("t1_m_sessions"))
}

func TestRefresh_Scheduler_RoundRobin(t *testing.T) {
	t.Parallel()

	f := newFakeRefresher()
	close(f.release)
	s := newTestScheduler(t, f, clockwork.NewFakeClock(), testTargets("t1", "sessions", "user_extensions", "courses"))
	ctx := context.Background()

	var visited []string
	for range 6 {
		target, outcome := s.Tick(ctx)
		require.Equal(t, OutcomeIssued, outcome)
		visited = append(visited, target.Model)
		s.Wait()
	}
	require.Equal(t, []string{"sessions", "user_extensions", "courses", "sessions", "user_extensions", "courses"}, visited)
}

func TestRefresh_Scheduler_OverrideInterval(t *testing.T) {
	t.Parallel()

	f := newFakeRefresher()
	close(f.release)
	clock := clockwork.NewFakeClock()
	targets := testTargets("t1", "sessions")
	targets[0].Interval = 5 * time.Minute
	s := newTestScheduler(t, f, clock, targets)
	ctx := context.Background()

	_, outcome := s.Tick(ctx)
	require.Equal(t, OutcomeIssued, outcome)
	s.Wait()

	clock.Advance(time.Minute)
	_, outcome = s.Tick(ctx)
	require.Equal(t, OutcomeSkippedNotDue, outcome)

	clock.Advance(5 * time.Minute)
	_, outcome = s.Tick(ctx)
	require.Equal(t, OutcomeIssued, outcome)
	s.Wait()
	require.Equal(t, 2, f.Calls("t1_m_sessions"))
}

func TestRefresh_Scheduler_ActivityCheckFailure(t *testing.T) {
	t.Parallel()

	f := newFakeRefresher()
	f.checkErr = errors.New("connection refused")
	s := newTestScheduler(t, f, clockwork.NewFakeClock(), testTargets("t1", "sessions"))

	_, outcome := s.Tick(context.Background())
	require.Equal(t, OutcomeFailed, outcome)
	require.Zero(t, f.Calls("t1_m_sessions"))
}

func TestRefresh_Scheduler_TickInterval(t *testing.T) {
	t.Parallel()

	f := newFakeRefresher()
	s := newTestScheduler(t, f, clockwork.NewFakeClock(), testTargets("t1", "a", "b", "c", "d"))
	require.Equal(t, 15*time.Second, s.TickInterval())

	many := testTargets("t1", make([]string, 120)...)
	for i := range many {
		many[i].View = many[i].View + string(rune('a'+i%26))
	}
	s = newTestScheduler(t, f, clockwork.NewFakeClock(), many)
	require.Equal(t, time.Second, s.TickInterval())

	s = newTestScheduler(t, f, clockwork.NewFakeClock(), nil)
	_, outcome := s.Tick(context.Background())
	require.Equal(t, OutcomeIdle, outcome)
}

func TestRefresh_Scheduler_StartStop(t *testing.T) {
	t.Parallel()

	f := newFakeRefresher()
	close(f.release)
	clock := clockwork.NewFakeClock()
	s := newTestScheduler(t, f, clock, testTargets("t1", "sessions", "user_extensions"))

	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	// Initial tick runs immediately.
	require.Equal(t, "t1_m_sessions", <-f.started)

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(s.TickInterval())
	require.Equal(t, "t1_m_user_extensions", <-f.started)

	s.Close()
	require.Equal(t, 1, f.Calls("t1_m_sessions"))
	require.Equal(t, 1, f.Calls("t1_m_user_extensions"))
}

func TestRefresh_Scheduler_StopLeavesIssuedRefreshRunning(t *testing.T) {
	t.Parallel()

	f := newFakeRefresher()
	s := newTestScheduler(t, f, clockwork.NewFakeClock(), testTargets("t1", "sessions"))

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, "t1_m_sessions", <-f.started)

	s.Stop()
	select {
	case res := <-f.finished:
		t.Fatalf("refresh of %s returned after Stop: %v", res.view, res.err)
	default:
	}

	close(f.release)
	res := <-f.finished
	require.Equal(t, "t1_m_sessions", res.view)
	require.NoError(t, res.err)
	s.Wait()
}

func TestRefresh_Scheduler_CloseCancelsIssuedRefresh(t *testing.T) {
	t.Parallel()

	f := newFakeRefresher()
	s := newTestScheduler(t, f, clockwork.NewFakeClock(), testTargets("t1", "sessions"))

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, "t1_m_sessions", <-f.started)

	s.Close()
	res := <-f.finished
	require.ErrorIs(t, res.err, context.Canceled)
}

func TestRefresh_Scheduler_TriggerNow(t *testing.T) {
	t.Parallel()

	f := newFakeRefresher()
	s := newTestScheduler(t, f, clockwork.NewFakeClock(), testTargets("t1", "sessions"))
	ctx := context.Background()

	require.ErrorIs(t, s.TriggerNow(ctx, "courses"), ErrUnknownTarget)

	done := make(chan error, 1)
	go func() { done <- s.TriggerNow(ctx, "SESSIONS") }()
	<-f.started

	require.ErrorIs(t, s.TriggerNow(ctx, "sessions"), ErrRefreshActive)
	_, outcome := s.Tick(ctx)
	require.Equal(t, OutcomeSkippedActive, outcome)

	close(f.release)
	require.NoError(t, <-done)
	require.Equal(t, 1, f.Calls("t1_m_sessions"))
}

func TestRefresh_SchedulerConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := SchedulerConfig{Logger: testLogger(), Refresher: newFakeRefresher(), Tenant: "t1", TotalInterval: time.Minute,
		Targets: testTargets("t2", "sessions")}
	require.Error(t, cfg.Validate())

	cfg.Targets = []Target{{Tenant: "t1", Model: "sessions"}}
	require.Error(t, cfg.Validate())

	cfg.Targets = testTargets("t1", "sessions")
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)
	require.Equal(t, time.Second, cfg.MinTick)
}
