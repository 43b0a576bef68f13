package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type RefreshCmd struct{}

func NewRefreshCmd() *RefreshCmd {
	return &RefreshCmd{}
}

func (c *RefreshCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh views concurrently, skipping those already refreshing",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := cmd.Flags().GetString("tenant")
			if err != nil {
				return fmt.Errorf("failed to get tenant flag: %w", err)
			}
			model, err := cmd.Flags().GetString("model")
			if err != nil {
				return fmt.Errorf("failed to get model flag: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := newRuntime(ctx, cmd, engineOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			ack, err := rt.engine.TriggerRefresh(ctx, tenant, model)
			if err != nil {
				return fmt.Errorf("failed to refresh: %w", err)
			}
			renderRefreshAck(os.Stdout, ack)
			rt.log.Info("refresh: waiting for refreshes", "count", len(ack.Issued))
			rt.engine.Wait()
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "tenant code; all tenants when empty")
	cmd.Flags().String("model", "", "model name; all models when empty")
	return cmd
}
