package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type AuditCmd struct{}

func NewAuditCmd() *AuditCmd {
	return &AuditCmd{}
}

func (c *AuditCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Find tenants missing views and build them",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return fmt.Errorf("failed to get dry-run flag: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := newRuntime(ctx, cmd, engineOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			if dryRun {
				res, err := rt.engine.Audit(ctx)
				if err != nil {
					return fmt.Errorf("failed to audit: %w", err)
				}
				if res.Fallback {
					rt.log.Warn("audit: comparison failed, every tenant would be rebuilt", "error", res.Cause)
				}
				renderAudit(os.Stdout, res)
				return nil
			}

			report, err := rt.engine.AuditAndReconcile(ctx)
			if err != nil {
				return fmt.Errorf("failed to reconcile: %w", err)
			}
			if report.Build != nil {
				renderBuildReport(os.Stdout, report.Build)
			} else {
				fmt.Println("All tenant views are present.")
			}
			if len(report.TenantsFailed) > 0 {
				return fmt.Errorf("build failed for tenants %v", report.TenantsFailed)
			}
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "only report tenants missing views")
	return cmd
}
