package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oshokin/appliance-updater/internal/repository/state"
	"github.com/oshokin/appliance-updater/internal/service/release"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the installed version with the latest release.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		client := release.NewClient(settings.Release, state.NewFileRepository(settings.Paths.VersionFile))

		comparison, err := client.CompareVersions(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "Installed: %s\nLatest:    %s\n", comparison.Installed, comparison.Latest)

		if !comparison.UpdateAvailable {
			_, _ = fmt.Fprintln(out, "The appliance is up to date.")

			return nil
		}

		_, _ = fmt.Fprintf(out, "Update available, run: appliance-updater install %s\n", comparison.Latest)

		if comparison.Release != nil && comparison.Release.ReleaseNotes != "" {
			_, _ = fmt.Fprintf(out, "\n%s\n", comparison.Release.ReleaseNotes)
		}

		return nil
	},
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.AddCommand(checkCmd)
}
