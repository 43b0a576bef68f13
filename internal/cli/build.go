package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type BuildCmd struct{}

func NewBuildCmd() *BuildCmd {
	return &BuildCmd{}
}

func (c *BuildCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build or rebuild the views of one tenant, or of every tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := cmd.Flags().GetString("tenant")
			if err != nil {
				return fmt.Errorf("failed to get tenant flag: %w", err)
			}
			verify, err := cmd.Flags().GetBool("verify")
			if err != nil {
				return fmt.Errorf("failed to get verify flag: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := newRuntime(ctx, cmd, engineOptions{verifyBuilds: verify})
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.engine.TriggerBuild(ctx, tenant)
			if err != nil {
				return fmt.Errorf("failed to build: %w", err)
			}
			renderBuildReport(os.Stdout, report)
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("build failed for tenants %v", failed)
			}
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "tenant code; all tenants when empty")
	cmd.Flags().Bool("verify", false, "refresh each view once after building it")
	return cmd
}
