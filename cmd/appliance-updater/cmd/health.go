package cmd

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/appliance-updater/internal/api/grpc/health"
)

var errNotServing = errors.New("updater is not serving")

var (
	healthAddress string
	healthTimeout time.Duration
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the daemon gRPC health service.",
	Long: "Exits with an error when the daemon does not report SERVING, " +
		"for example after an update whose rollback failed.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		address := healthAddress
		if address == "" {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			address = probeAddress(settings.Server.GRPCAddress)
		}

		client, err := health.Dial(address, health.WithCallTimeout(healthTimeout))
		if err != nil {
			return err
		}

		defer func() {
			_ = client.Close()
		}()

		status, err := client.Check(cmd.Context())
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintln(cmd.OutOrStdout(), status.String())

		if status != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("%w: %s", errNotServing, status)
		}

		return nil
	},
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	healthCmd.Flags().StringVarP(&healthAddress, "grpc", "g", "", "daemon gRPC address, defaults to server.grpc_addr")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "health check timeout")

	rootCmd.AddCommand(healthCmd)
}

// probeAddress turns a wildcard listen address into a loopback dial target.
func probeAddress(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || (host != "" && host != "0.0.0.0" && host != "::") {
		return listen
	}

	return net.JoinHostPort("127.0.0.1", port)
}
