package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dataexpect",
		Short: "Validate data batches against expectation suites",
		Long: `dataexpect checks a batch of data against a suite of expectations on an
in-memory, SQL or partitioned backend.

Settings come from the environment; a .env file in the working directory is
read first when present.`,
		SilenceUsage: true,
	}

	var envFile string
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		return nil
	}

	rootCmd.AddCommand(
		newValidateCmd(),
		newMetricCmd(),
		newInspectCmd(),
		newProvidersCmd(),
		newScheduleCmd(),
		newServeCmd(),
		newMigrateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
