package matview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/matview/pkg/entity"
	"github.com/malbeclabs/matview/pkg/metrics"
)

type BuilderConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock

	// Models, when set, protects the canonical views of every registered
	// model from orphan cleanup of a sibling model.
	Models *entity.Registry
}

func (cfg *BuilderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Result describes a completed build.
type Result struct {
	Tenant   string
	Model    string
	View     string
	Retired  string
	Columns  []string
	Indexes  []string
	Warnings []error
	Duration time.Duration
}

// Builder builds a tenant's view of a model under a temporary name, indexes
// it, then swaps it into place.
type Builder struct {
	log     *slog.Logger
	cfg     BuilderConfig
	catalog *Catalog

	helpersMu    sync.Mutex
	helpersReady bool

	drops sync.WaitGroup
}

func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate builder config: %w", err)
	}
	return &Builder{
		log:     cfg.Logger,
		cfg:     cfg,
		catalog: NewCatalog(cfg.Pool),
	}, nil
}

func (b *Builder) Catalog() *Catalog {
	return b.catalog
}

// Build (re)builds the canonical view of model for tenant from the given
// filterable fields. Errors are *BuildError; skipped fields and indexes are
// returned in Result.Warnings.
func (b *Builder) Build(ctx context.Context, tenant string, model *entity.Model, fields []entity.FieldDescriptor) (*Result, error) {
	start := b.cfg.Clock.Now()
	res, err := b.build(ctx, tenant, model, fields)
	if err != nil {
		metrics.ViewBuildTotal.WithLabelValues(model.Name, "error").Inc()
		b.log.Error("matview: build failed", "tenant", tenant, "model", model.Name, "error", err)
		return nil, err
	}
	res.Duration = b.cfg.Clock.Since(start)
	metrics.ViewBuildTotal.WithLabelValues(model.Name, "ok").Inc()
	metrics.ViewBuildDuration.WithLabelValues(model.Name).Observe(res.Duration.Seconds())
	b.log.Info("matview: built view", "tenant", tenant, "model", model.Name, "view", res.View,
		"columns", len(res.Columns), "indexes", len(res.Indexes), "warnings", len(res.Warnings), "duration", res.Duration)
	return res, nil
}

func (b *Builder) build(ctx context.Context, tenant string, model *entity.Model, fields []entity.FieldDescriptor) (*Result, error) {
	fail := func(stage Stage, err error) error {
		return &BuildError{Tenant: tenant, Model: model.Name, Stage: stage, Err: err}
	}

	canonical, err := CanonicalName(tenant, model.Table)
	if err != nil {
		return nil, fail(StageValidate, err)
	}

	lock, err := acquireBuildLock(ctx, b.cfg.Pool, buildLockKey(tenant, model.Name))
	if err != nil {
		return nil, fail(StageLock, err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			b.log.Warn("matview: failed to release build lock", "tenant", tenant, "model", model.Name, "error", err)
		}
	}()

	conn := lock.conn
	catalog := NewCatalog(conn)

	if err := b.ensureHelpers(ctx, conn); err != nil {
		return nil, fail(StagePrepare, err)
	}
	if err := b.dropOrphans(ctx, catalog, tenant, canonical); err != nil {
		return nil, fail(StagePrepare, err)
	}

	res := &Result{Tenant: tenant, Model: model.Name, View: canonical}

	schema, fieldErrs := Compile(model, fields)
	for _, fe := range fieldErrs {
		metrics.FieldSkippedTotal.WithLabelValues(model.Name).Inc()
		b.log.Warn("matview: skipped field", "tenant", tenant, "model", model.Name, "error", fe)
	}
	res.Warnings = append(res.Warnings, fieldErrs...)
	res.Columns = schema.Columns()

	temp := TempName(canonical)
	plan, planWarnings, err := PlanIndexes(temp, model, schema)
	if err != nil {
		return nil, fail(StageCompile, err)
	}
	res.Warnings = append(res.Warnings, planWarnings...)

	stmt, err := CreateStatement(temp, model, schema, tenant)
	if err != nil {
		return nil, fail(StageCompile, err)
	}
	b.log.Debug("matview: creating view", "tenant", tenant, "model", model.Name, "view", temp, "sql", stmt)
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return nil, fail(StageCreate, err)
	}

	indexWarnings, err := SynthesizeIndexes(ctx, b.log, conn, temp, model.Name, plan)
	res.Warnings = append(res.Warnings, indexWarnings...)
	if err != nil {
		if dropErr := catalog.DropView(context.WithoutCancel(ctx), temp); dropErr != nil {
			b.log.Warn("matview: failed to drop unindexed view", "view", temp, "error", dropErr)
		}
		return nil, fail(StageIndex, err)
	}
	for _, idx := range plan {
		res.Indexes = append(res.Indexes, idx.Name)
	}

	retired, err := Promote(ctx, conn, temp, canonical)
	if err != nil {
		return nil, fail(StageSwap, err)
	}
	res.Retired = retired
	if retired != "" {
		b.dropRetired(ctx, retired)
	}
	return res, nil
}

func (b *Builder) ensureHelpers(ctx context.Context, db DB) error {
	b.helpersMu.Lock()
	defer b.helpersMu.Unlock()
	if b.helpersReady {
		return nil
	}
	if err := EnsureHelpers(ctx, db); err != nil {
		return err
	}
	b.helpersReady = true
	return nil
}

// dropOrphans removes temp and retired siblings of canonical left behind by
// builds that failed or crashed. Callers must hold the build lock.
func (b *Builder) dropOrphans(ctx context.Context, catalog *Catalog, tenant, canonical string) error {
	views, err := catalog.ListMaterializedViews(ctx)
	if err != nil {
		return err
	}
	protected := b.protectedNames(tenant)
	for _, v := range views {
		if !IsDerivedName(canonical, v) {
			continue
		}
		if _, ok := protected[v]; ok {
			continue
		}
		if err := catalog.DropView(ctx, v); err != nil {
			return err
		}
		b.log.Info("matview: dropped orphaned view", "view", v)
	}
	return nil
}

func (b *Builder) protectedNames(tenant string) map[string]struct{} {
	out := make(map[string]struct{})
	if b.cfg.Models == nil {
		return out
	}
	for _, m := range b.cfg.Models.Models() {
		if name, err := CanonicalName(tenant, m.Table); err == nil {
			out[name] = struct{}{}
		}
	}
	return out
}

func (b *Builder) dropRetired(ctx context.Context, name string) {
	ctx = context.WithoutCancel(ctx)
	b.drops.Add(1)
	go func() {
		defer b.drops.Done()
		if err := b.catalog.DropView(ctx, name); err != nil {
			metrics.RetiredViewDropTotal.WithLabelValues("error").Inc()
			b.log.Warn("matview: failed to drop retired view", "view", name, "error", err)
			return
		}
		metrics.RetiredViewDropTotal.WithLabelValues("ok").Inc()
		b.log.Debug("matview: dropped retired view", "view", name)
	}()
}

// Wait blocks until all retired view drops have finished.
func (b *Builder) Wait() {
	b.drops.Wait()
}
