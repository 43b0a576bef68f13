package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/malbeclabs/matview/pkg/metrics"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// BuildInfo is set by the binary from linker flags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Environment variables consulted when the corresponding flag is not set.
var flagEnv = map[string]string{
	"dsn":              "POSTGRES_DSN",
	"models":           "MATVIEW_MODELS_FILE",
	"orgs":             "MATVIEW_ORGS",
	"entity-table":     "MATVIEW_ENTITY_TABLE",
	"max-concurrency":  "MATVIEW_MAX_CONCURRENCY",
	"listen-addr":      "MATVIEW_LISTEN_ADDR",
	"refresh-interval": "MATVIEW_REFRESH_INTERVAL",
	"audit-interval":   "MATVIEW_AUDIT_INTERVAL",
}

func Run(info BuildInfo) ExitCode {
	_ = godotenv.Load()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.Date).Set(1)

	rootCmd := &cobra.Command{
		Use:           "matview",
		Short:         "Builds and refreshes per-tenant searchable materialized views.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", info.Version, info.Commit, info.Date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return applyEnv(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "set debug logging level")
	flags.String("dsn", "", "PostgreSQL connection string (env POSTGRES_DSN)")
	flags.String("models", "", "path to a model registry YAML file; the built-in registry is used when empty (env MATVIEW_MODELS_FILE)")
	flags.StringSlice("orgs", nil, "organization codes whose filterable fields are included; all when empty (env MATVIEW_ORGS)")
	flags.String("entity-table", "entity_types", "table holding entity type metadata (env MATVIEW_ENTITY_TABLE)")
	flags.Int32("max-conns", 10, "maximum PostgreSQL connections")
	flags.Int("max-concurrency", 4, "maximum tenants built or refreshed concurrently (env MATVIEW_MAX_CONCURRENCY)")
	flags.Duration("cache-ttl", time.Minute, "how long filterable field lookups are cached")

	rootCmd.AddCommand(
		NewServeCmd().Command(),
		NewBuildCmd().Command(),
		NewRefreshCmd().Command(),
		NewAuditCmd().Command(),
		NewModelsCmd().Command(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCodeError
	}

	return exitCodeSuccess
}

// applyEnv fills unset flags from their environment variables.
func applyEnv(flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		env, ok := flagEnv[f.Name]
		if !ok || f.Changed {
			return
		}
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if err := flags.Set(f.Name, v); err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", env, err))
			}
		}
	})
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
