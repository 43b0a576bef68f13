package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/matview/pkg/metrics"
)

const defaultMinTick = time.Second

var (
	ErrRefreshActive  = errors.New("refresh already in progress")
	ErrUnknownTarget  = errors.New("unknown refresh target")
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Refresher issues concurrent refreshes and reports whether one is already
// running for a view in any session.
type Refresher interface {
	RefreshActive(ctx context.Context, view string) (bool, error)
	Refresh(ctx context.Context, view string) error
}

type Target struct {
	Tenant string
	Model  string
	View   string
	// Interval overrides the round-robin cadence; zero means every visit.
	Interval time.Duration
}

type Outcome string

const (
	OutcomeIdle          Outcome = "idle"
	OutcomeIssued        Outcome = "issued"
	OutcomeSkippedActive Outcome = "skipped_active"
	OutcomeSkippedNotDue Outcome = "skipped_not_due"
	OutcomeFailed        Outcome = "failed"
)

type SchedulerConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Refresher Refresher
	Tenant    string
	Targets   []Target

	// TotalInterval is the period over which every target is visited once.
	TotalInterval time.Duration
	MinTick       time.Duration
}

func (cfg *SchedulerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Refresher == nil {
		return errors.New("refresher is required")
	}
	if cfg.Tenant == "" {
		return errors.New("tenant is required")
	}
	if cfg.TotalInterval <= 0 {
		return errors.New("total interval must be greater than 0")
	}
	for _, t := range cfg.Targets {
		if t.Tenant != cfg.Tenant {
			return fmt.Errorf("target %s/%s does not belong to tenant %s", t.Tenant, t.Model, cfg.Tenant)
		}
		if t.View == "" {
			return fmt.Errorf("target %s/%s has no view", t.Tenant, t.Model)
		}
	}

	// Optional with default
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MinTick <= 0 {
		cfg.MinTick = defaultMinTick
	}
	return nil
}

// Scheduler refreshes one tenant's views in round-robin order. Each tick
// visits one target; a refresh is issued in the background unless one is
// already running for that view.
//
// Issued refreshes outlive the loop: Stop ends ticking only, and in-flight
// refreshes run until they finish or Close is called.
type Scheduler struct {
	log *slog.Logger
	cfg SchedulerConfig

	mu       sync.Mutex
	next     int
	issuedAt map[string]time.Time
	inflight map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}

	lifetime context.Context
	kill     context.CancelFunc
	refs     sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate scheduler config: %w", err)
	}
	lifetime, kill := context.WithCancel(context.Background())
	return &Scheduler{
		log:      cfg.Logger,
		cfg:      cfg,
		issuedAt: make(map[string]time.Time),
		inflight: make(map[string]struct{}),
		lifetime: lifetime,
		kill:     kill,
	}, nil
}

func (s *Scheduler) Tenant() string {
	return s.cfg.Tenant
}

func (s *Scheduler) Targets() []Target {
	return append([]Target(nil), s.cfg.Targets...)
}

// TickInterval spreads the total interval over the targets so each one is
// visited once per period.
func (s *Scheduler) TickInterval() time.Duration {
	n := len(s.cfg.Targets)
	if n == 0 {
		return s.cfg.TotalInterval
	}
	return max(s.cfg.TotalInterval/time.Duration(n), s.cfg.MinTick)
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		interval := s.TickInterval()
		s.log.Info("refresh: starting scheduler", "tenant", s.cfg.Tenant, "targets", len(s.cfg.Targets), "interval", interval)

		s.Tick(ctx)
		ticker := s.cfg.Clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.Tick(ctx)
			}
		}
	}()
	return nil
}

// Stop ends the loop without waiting for or cancelling issued refreshes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		s.log.Info("refresh: stopped scheduler", "tenant", s.cfg.Tenant)
	}
}

// Close stops the loop, cancels in-flight refreshes and waits for them to
// return.
func (s *Scheduler) Close() {
	s.Stop()
	s.kill()
	s.refs.Wait()
}

// Wait blocks until every refresh issued so far has returned.
func (s *Scheduler) Wait() {
	s.refs.Wait()
}

// Tick visits the next target. It returns once the refresh has been issued
// without waiting for it to finish.
func (s *Scheduler) Tick(ctx context.Context) (Target, Outcome) {
	s.mu.Lock()
	if len(s.cfg.Targets) == 0 {
		s.mu.Unlock()
		return Target{}, OutcomeIdle
	}
	t := s.cfg.Targets[s.next]
	s.next = (s.next + 1) % len(s.cfg.Targets)
	if last, ok := s.issuedAt[t.View]; ok && t.Interval > 0 && s.cfg.Clock.Since(last) < t.Interval {
		s.mu.Unlock()
		return t, OutcomeSkippedNotDue
	}
	_, running := s.inflight[t.View]
	s.mu.Unlock()

	if running {
		s.skipActive(t)
		return t, OutcomeSkippedActive
	}

	active, err := s.cfg.Refresher.RefreshActive(ctx, t.View)
	if err != nil {
		metrics.ViewRefreshTotal.WithLabelValues(t.Model, "error").Inc()
		s.log.Error("refresh: activity check failed", "tenant", t.Tenant, "model", t.Model, "view", t.View, "error", err)
		return t, OutcomeFailed
	}
	if active {
		s.skipActive(t)
		return t, OutcomeSkippedActive
	}

	if !s.claim(t) {
		s.skipActive(t)
		return t, OutcomeSkippedActive
	}
	s.refs.Add(1)
	go func() {
		defer s.refs.Done()
		defer s.release(t)
		rctx, cancel := s.refreshContext(ctx)
		defer cancel()
		_ = s.refresh(rctx, t)
	}()
	return t, OutcomeIssued
}

// TriggerNow refreshes the view of model immediately and waits for it.
func (s *Scheduler) TriggerNow(ctx context.Context, model string) error {
	var t Target
	var found bool
	for _, c := range s.cfg.Targets {
		if strings.EqualFold(c.Model, model) {
			t, found = c, true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s/%s", ErrUnknownTarget, s.cfg.Tenant, model)
	}

	active, err := s.cfg.Refresher.RefreshActive(ctx, t.View)
	if err != nil {
		return fmt.Errorf("failed to check refresh activity: %w", err)
	}
	if active || !s.claim(t) {
		return fmt.Errorf("%w: %s", ErrRefreshActive, t.View)
	}
	defer s.release(t)
	return s.refresh(ctx, t)
}

// refreshContext detaches ctx from the loop's cancellation and ties it to
// the scheduler's lifetime instead.
func (s *Scheduler) refreshContext(ctx context.Context) (context.Context, context.CancelFunc) {
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.lifetime, cancel)
	return rctx, func() {
		stop()
		cancel()
	}
}

func (s *Scheduler) claim(t Target) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[t.View]; ok {
		return false
	}
	s.inflight[t.View] = struct{}{}
	s.issuedAt[t.View] = s.cfg.Clock.Now()
	return true
}

func (s *Scheduler) release(t Target) {
	s.mu.Lock()
	delete(s.inflight, t.View)
	s.mu.Unlock()
}

func (s *Scheduler) skipActive(t Target) {
	metrics.ViewRefreshTotal.WithLabelValues(t.Model, "skipped").Inc()
	s.log.Debug("refresh: skipping active view", "tenant", t.Tenant, "model", t.Model, "view", t.View)
}

func (s *Scheduler) refresh(ctx context.Context, t Target) error {
	start := s.cfg.Clock.Now()
	s.log.Debug("refresh: refresh started", "tenant", t.Tenant, "model", t.Model, "view", t.View)
	if err := s.cfg.Refresher.Refresh(ctx, t.View); err != nil {
		metrics.ViewRefreshTotal.WithLabelValues(t.Model, "error").Inc()
		if !errors.Is(err, context.Canceled) {
			s.log.Error("refresh: refresh failed", "tenant", t.Tenant, "model", t.Model, "view", t.View, "error", err)
		}
		return err
	}
	duration := s.cfg.Clock.Since(start)
	metrics.ViewRefreshTotal.WithLabelValues(t.Model, "ok").Inc()
	metrics.ViewRefreshDuration.WithLabelValues(t.Model).Observe(duration.Seconds())
	s.log.Info("refresh: refresh completed", "tenant", t.Tenant, "model", t.Model, "view", t.View, "duration", duration.String())
	return nil
}
