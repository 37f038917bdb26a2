package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"example.com/commlifecycle/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and gRPC health server",
	Long: `serve seeds the type catalog if the store is empty, then serves the HTTP
API, Prometheus metrics and gRPC health. With event_delivery=outbox the
outbox dispatcher runs in the same process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *app.Runtime) error {
			return rt.RunAPI(cmd.Context())
		})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Publish pending outbox events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *app.Runtime) error {
			return rt.RunWorker(cmd.Context())
		})
	},
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume status events and log each one once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		return app.RunConsumer(cmd.Context(), cfg, logger)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *app.Runtime) error {
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the type catalog into an empty store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *app.Runtime) error {
			n, err := rt.Seed(cmd.Context())
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "catalog already present, nothing seeded")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d communication types\n", n)
			return nil
		})
	},
}
