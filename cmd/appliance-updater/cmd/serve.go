package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/appliance-updater/internal/service/daemon"
)

var (
	// httpAddress overrides server.http_addr.
	httpAddress string
	// grpcAddress overrides server.grpc_addr.
	grpcAddress string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the updater daemon with the HTTP API and gRPC health service.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			return daemon.Run(cmd.Context(), &daemon.Options{
				Config:      settings,
				HTTPAddress: httpAddress,
				GRPCAddress: grpcAddress,
			})
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	serveCmd.Flags().StringVar(&httpAddress, "http", "", "HTTP listen address, overrides the configuration")
	serveCmd.Flags().StringVar(&grpcAddress, "grpc", "", "gRPC listen address, overrides the configuration")
	rootCmd.AddCommand(serveCmd)
}
