package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/matview/pkg/metrics"
)

type ManagerConfig struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	Refresher     Refresher
	TotalInterval time.Duration
	MinTick       time.Duration
}

func (cfg *ManagerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Refresher == nil {
		return errors.New("refresher is required")
	}
	if cfg.TotalInterval <= 0 {
		return errors.New("total interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Manager owns one scheduler per tenant.
type Manager struct {
	log *slog.Logger
	cfg ManagerConfig

	mu         sync.Mutex
	schedulers map[string]*Scheduler
	// Replaced schedulers whose issued refreshes may still be running.
	retired map[*Scheduler]struct{}
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate manager config: %w", err)
	}
	return &Manager{
		log:        cfg.Logger,
		cfg:        cfg,
		schedulers: make(map[string]*Scheduler),
		retired:    make(map[*Scheduler]struct{}),
	}, nil
}

// Restart reconciles the running schedulers with targets. Schedulers whose
// targets are unchanged keep running; the others are replaced or stopped.
// Refreshes already issued by a replaced scheduler are left to finish.
func (m *Manager) Restart(ctx context.Context, targets []Target) error {
	byTenant := make(map[string][]Target)
	for _, t := range targets {
		byTenant[t.Tenant] = append(byTenant[t.Tenant], t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*Scheduler, len(byTenant))
	for tenant, ts := range byTenant {
		if cur, ok := m.schedulers[tenant]; ok && slices.Equal(cur.cfg.Targets, ts) {
			next[tenant] = cur
			continue
		}
		s, err := NewScheduler(SchedulerConfig{
			Logger:        m.log,
			Clock:         m.cfg.Clock,
			Refresher:     m.cfg.Refresher,
			Tenant:        tenant,
			Targets:       ts,
			TotalInterval: m.cfg.TotalInterval,
			MinTick:       m.cfg.MinTick,
		})
		if err != nil {
			return fmt.Errorf("failed to create scheduler for tenant %s: %w", tenant, err)
		}
		next[tenant] = s
	}

	var replaced int
	for tenant, cur := range m.schedulers {
		if next[tenant] == cur {
			continue
		}
		cur.Stop()
		m.retire(cur)
		replaced++
	}

	var started int
	for tenant, s := range next {
		if m.schedulers[tenant] == s {
			continue
		}
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler for tenant %s: %w", tenant, err)
		}
		started++
	}
	m.schedulers = next
	metrics.SchedulersRunning.Set(float64(len(m.schedulers)))
	m.log.Info("refresh: schedulers reconciled", "tenants", len(m.schedulers), "targets", len(targets), "started", started, "replaced", replaced)
	return nil
}

// retire keeps s until its issued refreshes return. Callers must hold mu.
func (m *Manager) retire(s *Scheduler) {
	m.retired[s] = struct{}{}
	go func() {
		s.Wait()
		m.mu.Lock()
		delete(m.retired, s)
		m.mu.Unlock()
	}()
}

// Stop stops every scheduler, cancels their in-flight refreshes, including
// those of replaced schedulers, and waits for them to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	all := make([]*Scheduler, 0, len(m.schedulers)+len(m.retired))
	for _, s := range m.schedulers {
		all = append(all, s)
	}
	for s := range m.retired {
		all = append(all, s)
	}
	clear(m.schedulers)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	metrics.SchedulersRunning.Set(0)
}

func (m *Manager) Scheduler(tenant string) (*Scheduler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedulers[tenant]
	return s, ok
}

func (m *Manager) Tenants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.schedulers))
	for tenant := range m.schedulers {
		out = append(out, tenant)
	}
	slices.Sort(out)
	return out
}
