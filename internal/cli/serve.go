package cli

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/matview/pkg/server"
)

type ServeCmd struct{}

func NewServeCmd() *ServeCmd {
	return &ServeCmd{}
}

func (c *ServeCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run refresh schedulers and the admin HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			listenAddr, err := cmd.Flags().GetString("listen-addr")
			if err != nil {
				return fmt.Errorf("failed to get listen-addr flag: %w", err)
			}
			refreshInterval, err := cmd.Flags().GetDuration("refresh-interval")
			if err != nil {
				return fmt.Errorf("failed to get refresh-interval flag: %w", err)
			}
			auditInterval, err := cmd.Flags().GetDuration("audit-interval")
			if err != nil {
				return fmt.Errorf("failed to get audit-interval flag: %w", err)
			}
			auditOnStart, err := cmd.Flags().GetBool("audit-on-start")
			if err != nil {
				return fmt.Errorf("failed to get audit-on-start flag: %w", err)
			}
			verifyBuilds, err := cmd.Flags().GetBool("verify-builds")
			if err != nil {
				return fmt.Errorf("failed to get verify-builds flag: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := newRuntime(ctx, cmd, engineOptions{refreshInterval: refreshInterval, verifyBuilds: verifyBuilds})
			if err != nil {
				return err
			}
			defer rt.Close()

			if auditOnStart {
				if _, err := rt.engine.AuditAndReconcile(ctx); err != nil {
					rt.log.Error("audit: initial reconcile failed", "error", err)
				}
			}
			if err := rt.engine.StartSchedulers(ctx); err != nil {
				return fmt.Errorf("failed to start schedulers: %w", err)
			}
			if auditInterval > 0 {
				go rt.engine.RunAuditLoop(ctx, auditInterval)
			}

			listener, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
			}
			srv, err := server.New(server.Config{
				Logger:   rt.log,
				Listener: listener,
				Admin:    rt.engine,
				DB:       rt.pool,
			})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().String("listen-addr", ":8080", "admin HTTP listen address (env MATVIEW_LISTEN_ADDR)")
	cmd.Flags().Duration("refresh-interval", 10*time.Minute, "period over which every view of a tenant is refreshed once (env MATVIEW_REFRESH_INTERVAL)")
	cmd.Flags().Duration("audit-interval", 0, "period between catalog audits; disabled when zero (env MATVIEW_AUDIT_INTERVAL)")
	cmd.Flags().Bool("audit-on-start", true, "build missing views before starting schedulers")
	cmd.Flags().Bool("verify-builds", false, "refresh each view once after building it")
	return cmd
}
