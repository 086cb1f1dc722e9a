package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/service/daemon"
	"github.com/oshokin/appliance-updater/internal/service/orchestrator"
)

// errRunFailed is returned when an update or rollback run ends in the failed state.
var errRunFailed = errors.New("run failed")

var installCmd = &cobra.Command{
	Use:   "install [version]",
	Short: "Install a release now and wait for the result.",
	Long: `Runs a complete update in this process: backup, download, verify, install,
restart and health verification, with automatic rollback on failure.
Without a version the latest release is installed when it is newer.
The run lock keeps this command and a running daemon from updating at the same time.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		components, err := daemon.Build(cmd.Context(), settings)
		if err != nil {
			return err
		}

		defer func() {
			_ = components.Close()
		}()

		target := ""
		if len(args) > 0 {
			target = args[0]
		} else {
			comparison, checkErr := components.Orchestrator.CheckForUpdate(cmd.Context())
			if checkErr != nil {
				return checkErr
			}

			if !comparison.UpdateAvailable {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Version %s is already installed.\n", comparison.Installed)

				return nil
			}

			target = comparison.Latest
		}

		return runLocally(cmd, components.Orchestrator, func(ctx context.Context) error {
			return components.Orchestrator.Start(ctx, target)
		})
	},
}

var (
	// rollbackPath selects the backup to restore.
	rollbackPath string

	rollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Restore a backup now and wait for the result.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			components, err := daemon.Build(cmd.Context(), settings)
			if err != nil {
				return err
			}

			defer func() {
				_ = components.Close()
			}()

			return runLocally(cmd, components.Orchestrator, func(ctx context.Context) error {
				_, rollbackErr := components.Orchestrator.Rollback(ctx, rollbackPath)

				return rollbackErr
			})
		},
	}
)

// runLocally starts a run, prints its progress and waits for its terminal state.
// Interrupting the command cancels the run, which then rolls back on its own.
func runLocally(cmd *cobra.Command, o *orchestrator.Orchestrator, start func(ctx context.Context) error) error {
	ctx := cmd.Context()

	snapshots, cancel := o.Subscribe()
	defer cancel()

	if err := start(ctx); err != nil {
		return err
	}

	printer := newProgressPrinter(cmd.OutOrStdout())

	for snapshot := range snapshots {
		if printer.print(&snapshot) {
			break
		}
	}

	if err := o.Wait(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	final := o.Status()
	if final.State == domain.StateFailed {
		return fmt.Errorf("%w: %s", errRunFailed, final.Message)
	}

	return nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rollbackCmd.Flags().StringVarP(&rollbackPath, "backup", "b", "", "backup archive to restore, the most recent one by default")
	rootCmd.AddCommand(installCmd, rollbackCmd)
}
