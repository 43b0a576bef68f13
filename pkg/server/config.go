package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/malbeclabs/matview/pkg/engine"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
)

// Admin is the administrative surface exposed over HTTP.
type Admin interface {
	TriggerBuild(ctx context.Context, tenant string) (*engine.BuildReport, error)
	TriggerRefresh(ctx context.Context, tenant, model string) (*engine.RefreshAck, error)
	AuditAndReconcile(ctx context.Context) (*engine.ReconcileReport, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Logger   *slog.Logger
	Listener net.Listener
	Admin    Admin
	// DB, when set, is pinged by /readyz.
	DB Pinger

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Listener == nil {
		return errors.New("listener is required")
	}
	if cfg.Admin == nil {
		return errors.New("admin is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}
