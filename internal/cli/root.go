package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"example.com/commlifecycle/internal/app"
	"example.com/commlifecycle/internal/config"
)

var (
	appVersion = "dev"

	configPath string
	v          = config.New()
)

// SetVersion sets the version injected via ldflags.
func SetVersion(version string) { appVersion = version }

var rootCmd = &cobra.Command{
	Use:   "lifecycle-api",
	Short: "Communication lifecycle tracking service",
	Long: `lifecycle-api tracks outbound communications through their status
lifecycle, records every transition, and publishes a status event for each
accepted change.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "lifecycle-api %s\n", appVersion)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to a YAML config file")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("store", "memory", "store driver (memory, sqlite, postgres)")
	pf.String("broker", "log", "event broker (log, amqp, kafka)")
	bindFlag(v, "log_level", rootCmd, "log-level")
	bindFlag(v, "store_driver", rootCmd, "store")
	bindFlag(v, "broker", rootCmd, "broker")

	rootCmd.AddCommand(versionCmd, serveCmd, workerCmd, consumeCmd, migrateCmd, seedCmd)
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, flag string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

// loadConfig resolves config and builds the process logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}
	return cfg, app.NewLogger(cfg.LogLevel), nil
}

// withRuntime opens the shared runtime for the duration of fn.
func withRuntime(ctx context.Context, fn func(*app.Runtime) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}
