package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/oshokin/appliance-updater/internal/config"
	"github.com/oshokin/appliance-updater/internal/logger"
	"github.com/oshokin/appliance-updater/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// envFile is an optional dotenv file loaded before the configuration.
	envFile string

	// rootCmd represents the base command of the updater.
	rootCmd = &cobra.Command{
		Use:   "appliance-updater",
		Short: "Update the appliance in place and roll back on failure.",
		Long: `Downloads a release of the appliance, backs up the current installation,
installs the release, restarts the managed services and verifies them.
Any failure after the backup restores it automatically.

Run "serve" to expose the HTTP API and the gRPC health service, or drive
a single update from the shell with "install".`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if envFile == "" {
				return nil
			}

			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}

			return nil
		},
	}
)

// Execute runs the appliance-updater CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	// Setup graceful shutdown handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

	err := rootCmd.ExecuteContext(ctx)

	stop()

	if err != nil {
		os.Exit(1)
	}
}

// loadSettings reads the configuration and applies its log settings.
func loadSettings() (*config.Config, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	logger.Configure(settings.Log.Level, settings.Log.Encoding)

	return settings, nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().
		StringVar(&envFile, "env-file", "", "dotenv file with APPLIANCE_UPDATER_* overrides")
}
