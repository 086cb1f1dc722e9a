package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oshokin/appliance-updater/internal/repository/history"
	"github.com/oshokin/appliance-updater/internal/service/backup"
	"github.com/oshokin/appliance-updater/internal/service/process"
	"github.com/oshokin/appliance-updater/internal/service/services"
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List backup archives, newest first.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		runner := process.NewExecRunner()
		controller := services.NewController(runner, settings.Services, settings.Health, settings.Paths.ProjectRoot)
		manager := backup.NewManager(settings.Paths, settings.Backup, runner, controller)

		records, err := manager.ListBackups(cmd.Context())
		if err != nil {
			return err
		}

		if len(records) == 0 {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No backups in %s\n", manager.Dir())

			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "CREATED\tSIZE\tPATH")

		for _, record := range records {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", record.CreatedAt.Local().Format(time.DateTime), record.Size, record.Path)
		}

		return w.Flush()
	},
}

var (
	// historyLimit caps the number of runs shown.
	historyLimit int

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show finished update and rollback runs.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			repo, err := history.Open(cmd.Context(), filepath.Join(settings.Paths.StateDir, history.DatabaseFilename))
			if err != nil {
				return err
			}

			defer func() {
				_ = repo.Close()
			}()

			runs, err := repo.List(cmd.Context(), historyLimit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "STARTED\tKIND\tVERSION\tSTATE\tDURATION\tMESSAGE")

			for _, run := range runs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					run.StartTime.Local().Format(time.DateTime),
					run.Kind,
					run.TargetVersion,
					run.State,
					run.EndTime.Sub(run.StartTime).Round(time.Second),
					run.Message,
				)
			}

			return w.Flush()
		},
	}
)

var (
	// logLines is the number of trailing log lines to show.
	logLines int

	logsCmd = &cobra.Command{
		Use:   "logs <service>",
		Short: "Print the last log lines of a managed service.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			controller := services.NewController(
				process.NewExecRunner(),
				settings.Services,
				settings.Health,
				settings.Paths.ProjectRoot,
			)

			logs, err := controller.Logs(cmd.Context(), args[0], logLines)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprint(cmd.OutOrStdout(), logs)

			return nil
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show")
	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 100, "number of log lines to show")
	rootCmd.AddCommand(backupsCmd, historyCmd, logsCmd)
}
