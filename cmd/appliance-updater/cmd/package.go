package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oshokin/appliance-updater/internal/service/packager"
)

var (
	// packageOutput receives the release assets.
	packageOutput string
	// packageName prefixes the asset names.
	packageName string

	packageCmd = &cobra.Command{
		Use:   "package <source-dir> <version>",
		Short: "Bundle an appliance tree into release assets.",
		Long: `Writes <name>-v<version>.tar.gz and a matching .sha256 file. Runtime state
preserved on appliances (peer configs, AdGuard work data, .env, backups) is left out.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := packager.Run(cmd.Context(), &packager.Options{
				Source:    args[0],
				Version:   args[1],
				OutputDir: packageOutput,
				Name:      packageName,
			})
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s  %s\n", result.Archive, result.Digest, result.ChecksumFile)

			return nil
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	packageCmd.Flags().StringVarP(&packageOutput, "output", "o", "dist", "directory receiving the release assets")
	packageCmd.Flags().StringVar(&packageName, "name", "", "asset name prefix, the source directory name by default")
	rootCmd.AddCommand(packageCmd)
}
