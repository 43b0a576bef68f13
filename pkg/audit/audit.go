package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"github.com/malbeclabs/matview/pkg/entity"
	"github.com/malbeclabs/matview/pkg/metrics"
)

const defaultMaxTries = 3

type ViewLister interface {
	ListMaterializedViews(ctx context.Context) ([]string, error)
}

// Planner returns the canonical view names a tenant is expected to have.
type Planner interface {
	ExpectedViews(ctx context.Context, tenant string) ([]string, error)
}

type Config struct {
	Logger  *slog.Logger
	Tenants entity.TenantRegistry
	Views   ViewLister
	Planner Planner

	// Tables are the base tables of the registered models. When the tenant
	// registry is unreachable, tenants are recovered from registered views
	// named <tenant>_m_<table>.
	Tables []string

	// MaxTries bounds attempts per catalog lookup.
	MaxTries uint
	// NewBackOff returns the retry policy for one lookup.
	NewBackOff func() backoff.BackOff
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Tenants == nil {
		return errors.New("tenant registry is required")
	}
	if cfg.Views == nil {
		return errors.New("view lister is required")
	}
	if cfg.Planner == nil {
		return errors.New("planner is required")
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = defaultMaxTries
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	return nil
}

// Result lists the tenants needing a build. When Fallback is set the
// comparison could not be completed and every known tenant is listed.
type Result struct {
	Tenants  []string
	Missing  map[string][]string
	Fallback bool
	Cause    error
}

type Auditor struct {
	log *slog.Logger
	cfg Config

	mu          sync.Mutex
	lastTenants []string
}

func New(cfg Config) (*Auditor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate audit config: %w", err)
	}
	return &Auditor{log: cfg.Logger, cfg: cfg}, nil
}

// FindTenantsNeedingBuild compares the expected canonical views of every
// tenant against the registered materialized views. A tenant missing any
// view is returned once. If the tenant registry is unreachable, every
// tenant seen by the last successful audit or owning a registered view is
// returned instead; an error is returned only when no tenant is known.
func (a *Auditor) FindTenantsNeedingBuild(ctx context.Context) (*Result, error) {
	tenants, err := retry(ctx, a.cfg, func() ([]string, error) {
		return a.cfg.Tenants.ListTenants(ctx)
	})
	if err != nil {
		known := a.knownTenants(ctx)
		if len(known) == 0 {
			metrics.AuditRunsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to list tenants: %w", err)
		}
		a.log.Warn("audit: tenant registry unreachable, falling back to known tenants", "tenants", len(known), "error", err)
		metrics.AuditRunsTotal.WithLabelValues("fallback").Inc()
		metrics.AuditTenantsNeedingBuild.Set(float64(len(known)))
		return &Result{Tenants: known, Fallback: true, Cause: fmt.Errorf("failed to list tenants: %w", err)}, nil
	}
	a.mu.Lock()
	a.lastTenants = slices.Clone(tenants)
	a.mu.Unlock()

	res, err := a.compare(ctx, tenants)
	if err != nil {
		a.log.Warn("audit: comparison failed, falling back to all tenants", "tenants", len(tenants), "error", err)
		metrics.AuditRunsTotal.WithLabelValues("fallback").Inc()
		res = &Result{Tenants: tenants, Fallback: true, Cause: err}
	} else {
		metrics.AuditRunsTotal.WithLabelValues("ok").Inc()
	}
	metrics.AuditTenantsNeedingBuild.Set(float64(len(res.Tenants)))
	return res, nil
}

func (a *Auditor) compare(ctx context.Context, tenants []string) (*Result, error) {
	views, err := retry(ctx, a.cfg, func() ([]string, error) {
		return a.cfg.Views.ListMaterializedViews(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list views: %w", err)
	}
	registered := make(map[string]struct{}, len(views))
	for _, v := range views {
		registered[normalize(v)] = struct{}{}
	}

	res := &Result{Missing: make(map[string][]string)}
	for _, tenant := range tenants {
		expected, err := retry(ctx, a.cfg, func() ([]string, error) {
			return a.cfg.Planner.ExpectedViews(ctx, tenant)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to plan views for tenant %s: %w", tenant, err)
		}
		var missing []string
		for _, name := range expected {
			if _, ok := registered[normalize(name)]; !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			a.log.Debug("audit: tenant is missing views", "tenant", tenant, "missing", missing)
			res.Tenants = append(res.Tenants, tenant)
			res.Missing[tenant] = missing
		}
	}
	return res, nil
}

// knownTenants unions the tenants of the last successful audit with those
// owning a registered canonical view.
func (a *Auditor) knownTenants(ctx context.Context) []string {
	a.mu.Lock()
	known := slices.Clone(a.lastTenants)
	a.mu.Unlock()

	if views, err := retry(ctx, a.cfg, func() ([]string, error) {
		return a.cfg.Views.ListMaterializedViews(ctx)
	}); err == nil {
		known = append(known, TenantsFromViews(views, a.cfg.Tables)...)
	} else {
		a.log.Warn("audit: failed to list views for tenant recovery", "error", err)
	}

	slices.Sort(known)
	return slices.Compact(known)
}

// TenantsFromViews returns the tenants owning a canonical view of one of
// tables. Temporary and retired views are ignored.
func TenantsFromViews(views, tables []string) []string {
	var out []string
	for _, v := range views {
		v = strings.TrimSpace(v)
		for _, table := range tables {
			suffix := "_m_" + normalize(table)
			if len(v) > len(suffix) && strings.HasSuffix(strings.ToLower(v), suffix) {
				out = append(out, v[:len(v)-len(suffix)])
				break
			}
		}
	}
	return out
}

func retry[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(cfg.NewBackOff()),
		backoff.WithMaxTries(cfg.MaxTries),
	)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
