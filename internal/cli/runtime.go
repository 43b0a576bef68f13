package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/matview/pkg/engine"
	"github.com/malbeclabs/matview/pkg/entity"
	"github.com/malbeclabs/matview/pkg/logger"
	"github.com/malbeclabs/matview/pkg/matview"
	"github.com/malbeclabs/matview/pkg/postgres"
)

// runtime wires the engine for commands that talk to the database.
type runtime struct {
	log     *slog.Logger
	pool    *pgxpool.Pool
	models  *entity.Registry
	fields  *entity.CachedFieldProvider
	builder *matview.Builder
	engine  *engine.Engine
}

func newLoggerFromFlags(cmd *cobra.Command) (*slog.Logger, error) {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	return logger.New(verbose), nil
}

func loadModels(cmd *cobra.Command) (*entity.Registry, error) {
	path, err := cmd.Flags().GetString("models")
	if err != nil {
		return nil, fmt.Errorf("failed to get models flag: %w", err)
	}
	if path == "" {
		return entity.DefaultRegistry()
	}
	return entity.LoadRegistryFile(path)
}

func newRuntime(ctx context.Context, cmd *cobra.Command, opts engineOptions) (*runtime, error) {
	log, err := newLoggerFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	dsn, err := cmd.Flags().GetString("dsn")
	if err != nil {
		return nil, fmt.Errorf("failed to get dsn flag: %w", err)
	}
	orgs, err := cmd.Flags().GetStringSlice("orgs")
	if err != nil {
		return nil, fmt.Errorf("failed to get orgs flag: %w", err)
	}
	entityTable, err := cmd.Flags().GetString("entity-table")
	if err != nil {
		return nil, fmt.Errorf("failed to get entity-table flag: %w", err)
	}
	maxConns, err := cmd.Flags().GetInt32("max-conns")
	if err != nil {
		return nil, fmt.Errorf("failed to get max-conns flag: %w", err)
	}
	maxConcurrency, err := cmd.Flags().GetInt("max-concurrency")
	if err != nil {
		return nil, fmt.Errorf("failed to get max-concurrency flag: %w", err)
	}
	cacheTTL, err := cmd.Flags().GetDuration("cache-ttl")
	if err != nil {
		return nil, fmt.Errorf("failed to get cache-ttl flag: %w", err)
	}

	models, err := loadModels(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}

	pool, err := postgres.NewPool(ctx, log, postgres.Config{DSN: dsn, MaxConns: maxConns})
	if err != nil {
		return nil, err
	}

	entityCatalog, err := entity.NewPostgresCatalog(entity.PostgresCatalogConfig{
		Logger: log,
		DB:     pool,
		Table:  entityTable,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create entity catalog: %w", err)
	}
	fields, err := entity.NewCachedFieldProvider(entity.CachedFieldProviderConfig{
		Provider: entityCatalog,
		TTL:      cacheTTL,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create field cache: %w", err)
	}

	builder, err := matview.NewBuilder(matview.BuilderConfig{
		Logger: log,
		Pool:   pool,
		Models: models,
	})
	if err != nil {
		fields.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to create builder: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Logger:          log,
		Models:          models,
		Fields:          fields,
		Tenants:         entityCatalog,
		Builder:         builder,
		Catalog:         builder.Catalog(),
		Orgs:            orgs,
		MaxConcurrency:  maxConcurrency,
		RefreshInterval: opts.refreshInterval,
		VerifyBuilds:    opts.verifyBuilds,
	})
	if err != nil {
		fields.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return &runtime{
		log:     log,
		pool:    pool,
		models:  models,
		fields:  fields,
		builder: builder,
		engine:  eng,
	}, nil
}

type engineOptions struct {
	refreshInterval time.Duration
	verifyBuilds    bool
}

func (r *runtime) Close() {
	r.engine.Close()
	r.builder.Wait()
	r.fields.Close()
	r.pool.Close()
}
