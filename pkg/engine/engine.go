package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/matview/pkg/audit"
	"github.com/malbeclabs/matview/pkg/entity"
	"github.com/malbeclabs/matview/pkg/matview"
	"github.com/malbeclabs/matview/pkg/refresh"
)

const (
	defaultMaxConcurrency  = 4
	defaultRefreshInterval = 10 * time.Minute
)

type ViewBuilder interface {
	Build(ctx context.Context, tenant string, model *entity.Model, fields []entity.FieldDescriptor) (*matview.Result, error)
}

// Catalog lists registered views and refreshes them.
type Catalog interface {
	ListMaterializedViews(ctx context.Context) ([]string, error)
	refresh.Refresher
}

type invalidator interface {
	Invalidate(tenant string)
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Models  *entity.Registry
	Fields  entity.FieldProvider
	Tenants entity.TenantRegistry
	Builder ViewBuilder
	Catalog Catalog

	// Orgs narrows the filterable fields to these organizations; empty
	// means all.
	Orgs           []string
	MaxConcurrency int

	RefreshInterval time.Duration
	MinTick         time.Duration

	// AuditTries bounds retries of each catalog lookup during an audit.
	AuditTries uint

	// VerifyBuilds refreshes every freshly built view once before reporting
	// it, proving it can be refreshed concurrently.
	VerifyBuilds bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Models == nil {
		return errors.New("model registry is required")
	}
	if cfg.Fields == nil {
		return errors.New("field provider is required")
	}
	if cfg.Tenants == nil {
		return errors.New("tenant registry is required")
	}
	if cfg.Builder == nil {
		return errors.New("builder is required")
	}
	if cfg.Catalog == nil {
		return errors.New("catalog is required")
	}

	// Optional with default
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	return nil
}

// Engine is the administrative surface: building, refreshing and
// reconciling tenant views.
type Engine struct {
	log *slog.Logger
	cfg Config

	auditor    *audit.Auditor
	schedulers *refresh.Manager

	buildPool   pond.ResultPool[TenantReport]
	refreshPool pond.Pool
	refreshes   sync.WaitGroup
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate engine config: %w", err)
	}

	e := &Engine{
		log:         cfg.Logger,
		cfg:         cfg,
		buildPool:   pond.NewResultPool[TenantReport](cfg.MaxConcurrency),
		refreshPool: pond.NewPool(cfg.MaxConcurrency),
	}

	auditor, err := audit.New(audit.Config{
		Logger:   cfg.Logger,
		Tenants:  cfg.Tenants,
		Views:    cfg.Catalog,
		Planner:  e,
		Tables:   tables(cfg.Models),
		MaxTries: cfg.AuditTries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create auditor: %w", err)
	}
	e.auditor = auditor

	schedulers, err := refresh.NewManager(refresh.ManagerConfig{
		Logger:        cfg.Logger,
		Clock:         cfg.Clock,
		Refresher:     cfg.Catalog,
		TotalInterval: cfg.RefreshInterval,
		MinTick:       cfg.MinTick,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler manager: %w", err)
	}
	e.schedulers = schedulers

	return e, nil
}

func tables(reg *entity.Registry) []string {
	models := reg.Models()
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.Table
	}
	return out
}

func (e *Engine) Models() *entity.Registry {
	return e.cfg.Models
}

func (e *Engine) Schedulers() *refresh.Manager {
	return e.schedulers
}

type plannedView struct {
	model  *entity.Model
	view   string
	fields []entity.FieldDescriptor
}

func (p plannedView) target(tenant string) refresh.Target {
	return refresh.Target{
		Tenant:   tenant,
		Model:    p.model.Name,
		View:     p.view,
		Interval: p.model.RefreshInterval,
	}
}

// plan pairs each model having at least one filterable field for tenant
// with those fields, in registry order.
func (e *Engine) plan(ctx context.Context, tenant string) ([]plannedView, error) {
	fields, err := e.cfg.Fields.ListFilterableFields(ctx, tenant, e.cfg.Orgs)
	if err != nil {
		return nil, fmt.Errorf("failed to list filterable fields for tenant %s: %w", tenant, err)
	}
	models := e.cfg.Models.Models()
	grouped := entity.GroupByModel(fields, models)

	var out []plannedView
	for _, m := range models {
		fs := grouped[m.Name]
		if len(fs) == 0 {
			continue
		}
		view, err := matview.CanonicalName(tenant, m.Table)
		if err != nil {
			return nil, fmt.Errorf("failed to name view for %s/%s: %w", tenant, m.Name, err)
		}
		out = append(out, plannedView{model: m, view: view, fields: fs})
	}
	return out, nil
}

// ExpectedViews returns the canonical views tenant should have.
func (e *Engine) ExpectedViews(ctx context.Context, tenant string) ([]string, error) {
	planned, err := e.plan(ctx, tenant)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(planned))
	for i, p := range planned {
		out[i] = p.view
	}
	return out, nil
}

// Targets enumerates the refresh targets of the given tenants, or of every
// tenant when none are given.
func (e *Engine) Targets(ctx context.Context, tenants ...string) ([]refresh.Target, error) {
	if len(tenants) == 0 {
		var err error
		if tenants, err = e.cfg.Tenants.ListTenants(ctx); err != nil {
			return nil, fmt.Errorf("failed to list tenants: %w", err)
		}
	}
	var out []refresh.Target
	for _, tenant := range tenants {
		planned, err := e.plan(ctx, tenant)
		if err != nil {
			return nil, err
		}
		for _, p := range planned {
			out = append(out, p.target(tenant))
		}
	}
	return out, nil
}

// StartSchedulers (re)starts one refresh scheduler per tenant with freshly
// enumerated targets. ctx bounds the lifetime of the schedulers.
func (e *Engine) StartSchedulers(ctx context.Context) error {
	targets, err := e.Targets(ctx)
	if err != nil {
		return err
	}
	return e.schedulers.Restart(ctx, targets)
}

func (e *Engine) StopSchedulers() {
	e.schedulers.Stop()
}

type ViewReport struct {
	Model    string   `json:"model"`
	View     string   `json:"view"`
	Retired  string   `json:"retired,omitempty"`
	Columns  []string `json:"columns,omitempty"`
	Verified bool     `json:"verified,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`

	Err error `json:"-"`
}

type TenantReport struct {
	Tenant string       `json:"tenant"`
	Views  []ViewReport `json:"views"`
	Error  string       `json:"error,omitempty"`

	Err error `json:"-"`
}

// Failed reports whether any part of the tenant's build failed.
func (r TenantReport) Failed() bool {
	if r.Err != nil {
		return true
	}
	for _, v := range r.Views {
		if v.Err != nil {
			return true
		}
	}
	return false
}

type BuildReport struct {
	Tenants []TenantReport `json:"tenants"`
}

func (r *BuildReport) Built() []string {
	var out []string
	for _, t := range r.Tenants {
		if !t.Failed() {
			out = append(out, t.Tenant)
		}
	}
	return out
}

func (r *BuildReport) Failed() []string {
	var out []string
	for _, t := range r.Tenants {
		if t.Failed() {
			out = append(out, t.Tenant)
		}
	}
	return out
}

// TriggerBuild builds every view of tenant, or of every known tenant when
// tenant is empty. Per-view failures are reported, not returned.
func (e *Engine) TriggerBuild(ctx context.Context, tenant string) (*BuildReport, error) {
	var tenants []string
	if tenant != "" {
		tenants = []string{tenant}
	} else {
		var err error
		if tenants, err = e.cfg.Tenants.ListTenants(ctx); err != nil {
			return nil, fmt.Errorf("failed to list tenants: %w", err)
		}
	}
	return e.buildTenants(ctx, tenants)
}

func (e *Engine) buildTenants(ctx context.Context, tenants []string) (*BuildReport, error) {
	group := e.buildPool.NewGroupContext(ctx)
	for _, tenant := range tenants {
		group.Submit(func() TenantReport {
			return e.buildTenant(ctx, tenant)
		})
	}
	reports, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to build tenants: %w", err)
	}
	return &BuildReport{Tenants: reports}, nil
}

func (e *Engine) buildTenant(ctx context.Context, tenant string) TenantReport {
	report := TenantReport{Tenant: tenant}
	if inv, ok := e.cfg.Fields.(invalidator); ok {
		inv.Invalidate(tenant)
	}

	planned, err := e.plan(ctx, tenant)
	if err != nil {
		e.log.Error("builder: failed to plan tenant", "tenant", tenant, "error", err)
		report.Err, report.Error = err, err.Error()
		return report
	}
	if len(planned) == 0 {
		e.log.Info("builder: tenant has no filterable fields", "tenant", tenant)
	}

	for _, p := range planned {
		vr := ViewReport{Model: p.model.Name, View: p.view}
		res, err := e.cfg.Builder.Build(ctx, tenant, p.model, p.fields)
		if err != nil {
			vr.Err, vr.Error = err, err.Error()
			report.Views = append(report.Views, vr)
			continue
		}
		vr.Retired = res.Retired
		vr.Columns = res.Columns
		for _, w := range res.Warnings {
			vr.Warnings = append(vr.Warnings, w.Error())
		}
		if e.cfg.VerifyBuilds {
			if err := e.refreshNow(ctx, p.target(tenant)); err != nil {
				e.log.Warn("builder: verify refresh failed", "tenant", tenant, "model", p.model.Name, "view", p.view, "error", err)
				vr.Warnings = append(vr.Warnings, fmt.Sprintf("verify refresh: %v", err))
			} else {
				vr.Verified = true
			}
		}
		report.Views = append(report.Views, vr)
	}
	return report
}

// refreshNow refreshes t synchronously through the scheduler of its tenant
// so the scheduler accounts for it. When no running scheduler owns t, a
// one-off scheduler is used.
func (e *Engine) refreshNow(ctx context.Context, t refresh.Target) error {
	if s, ok := e.schedulers.Scheduler(t.Tenant); ok {
		err := s.TriggerNow(ctx, t.Model)
		if !errors.Is(err, refresh.ErrUnknownTarget) {
			return err
		}
	}
	s, err := refresh.NewScheduler(refresh.SchedulerConfig{
		Logger:        e.log,
		Clock:         e.cfg.Clock,
		Refresher:     e.cfg.Catalog,
		Tenant:        t.Tenant,
		Targets:       []refresh.Target{t},
		TotalInterval: e.cfg.RefreshInterval,
		MinTick:       e.cfg.MinTick,
	})
	if err != nil {
		return err
	}
	return s.TriggerNow(ctx, t.Model)
}

type RefreshAck struct {
	Issued  []string `json:"issued"`
	Skipped []string `json:"skipped,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

// TriggerRefresh issues a one-shot concurrent refresh of the selected views
// without waiting for them. Empty tenant or model selects all. Views that
// are already refreshing are skipped; views not yet built are reported as
// missing. Refreshes go through the tenant's scheduler so its periodic loop
// does not issue a duplicate.
func (e *Engine) TriggerRefresh(ctx context.Context, tenant, model string) (*RefreshAck, error) {
	if model != "" {
		m, err := e.cfg.Models.Model(model)
		if err != nil {
			return nil, err
		}
		model = m.Name
	}
	var tenants []string
	if tenant != "" {
		tenants = []string{tenant}
	}
	targets, err := e.Targets(ctx, tenants...)
	if err != nil {
		return nil, err
	}
	views, err := e.cfg.Catalog.ListMaterializedViews(ctx)
	if err != nil {
		return nil, err
	}
	registered := make(map[string]struct{}, len(views))
	for _, v := range views {
		registered[strings.ToLower(v)] = struct{}{}
	}

	ack := &RefreshAck{Issued: []string{}}
	bg := context.WithoutCancel(ctx)
	for _, t := range targets {
		if model != "" && t.Model != model {
			continue
		}
		if _, ok := registered[strings.ToLower(t.View)]; !ok {
			ack.Missing = append(ack.Missing, t.View)
			continue
		}
		active, err := e.cfg.Catalog.RefreshActive(ctx, t.View)
		if err != nil {
			return ack, err
		}
		if active {
			ack.Skipped = append(ack.Skipped, t.View)
			continue
		}
		e.refreshes.Add(1)
		e.refreshPool.Submit(func() {
			defer e.refreshes.Done()
			if err := e.refreshNow(bg, t); err != nil {
				if errors.Is(err, refresh.ErrRefreshActive) {
					e.log.Info("refresh: triggered refresh skipped, already running", "tenant", t.Tenant, "model", t.Model, "view", t.View)
					return
				}
				e.log.Error("refresh: triggered refresh failed", "tenant", t.Tenant, "model", t.Model, "view", t.View, "error", err)
				return
			}
			e.log.Info("refresh: triggered refresh completed", "tenant", t.Tenant, "model", t.Model, "view", t.View)
		})
		ack.Issued = append(ack.Issued, t.View)
	}
	return ack, nil
}

type ReconcileReport struct {
	TenantsBuilt  []string            `json:"tenants_built"`
	TenantsFailed []string            `json:"tenants_failed,omitempty"`
	Missing       map[string][]string `json:"missing,omitempty"`
	Fallback      bool                `json:"fallback"`
	Build         *BuildReport        `json:"build,omitempty"`
}

// Audit reports the tenants missing views without building anything.
func (e *Engine) Audit(ctx context.Context) (*audit.Result, error) {
	return e.auditor.FindTenantsNeedingBuild(ctx)
}

// AuditAndReconcile builds every tenant found missing a view. If the audit
// cannot compare catalogs, every known tenant is rebuilt.
func (e *Engine) AuditAndReconcile(ctx context.Context) (*ReconcileReport, error) {
	res, err := e.Audit(ctx)
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{
		TenantsBuilt: []string{},
		Missing:      res.Missing,
		Fallback:     res.Fallback,
	}
	if len(res.Tenants) == 0 {
		e.log.Info("audit: all tenant views present")
		return report, nil
	}
	e.log.Info("audit: building tenants", "tenants", res.Tenants, "fallback", res.Fallback)

	build, err := e.buildTenants(ctx, res.Tenants)
	if err != nil {
		return nil, err
	}
	report.Build = build
	report.TenantsBuilt = append(report.TenantsBuilt, build.Built()...)
	report.TenantsFailed = build.Failed()
	slices.Sort(report.TenantsBuilt)
	slices.Sort(report.TenantsFailed)
	return report, nil
}

// Wait blocks until every triggered refresh has returned.
func (e *Engine) Wait() {
	e.refreshes.Wait()
}

func (e *Engine) Close() {
	e.schedulers.Stop()
	e.refreshPool.StopAndWait()
	e.buildPool.StopAndWait()
}

// RunAuditLoop reconciles every interval until ctx is done. Schedulers are
// restarted whenever a reconcile built something so new views get
// refreshed.
func (e *Engine) RunAuditLoop(ctx context.Context, interval time.Duration) {
	e.log.Info("audit: starting audit loop", "interval", interval)
	ticker := e.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			report, err := e.AuditAndReconcile(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				e.log.Error("audit: reconcile failed", "error", err)
				continue
			}
			if len(report.TenantsBuilt) == 0 {
				continue
			}
			if err := e.StartSchedulers(ctx); err != nil {
				e.log.Error("audit: failed to restart schedulers", "error", err)
			}
		}
	}
}
