package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/version"
)

// errDaemonStatus is returned when the daemon answers with a non-200 status.
var errDaemonStatus = errors.New("unexpected daemon response")

var (
	// serverURL is the base URL of a running daemon.
	serverURL string
	// follow keeps streaming status changes.
	follow bool

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the update status of a running daemon.",
		Long: `Reads the current update run from a running daemon. With --follow the
status is streamed over a websocket until the run finishes or the command is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			printer := newProgressPrinter(cmd.OutOrStdout())

			if follow {
				return followStatus(cmd.Context(), serverURL, printer)
			}

			snapshot, err := fetchStatus(cmd.Context(), serverURL)
			if err != nil {
				return err
			}

			printer.print(snapshot)

			return nil
		},
	}
)

func fetchStatus(ctx context.Context, base string) (*domain.Snapshot, error) {
	endpoint := strings.TrimRight(base, "/") + "/api/update/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", version.UserAgent())

	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query daemon: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return nil, fmt.Errorf("%w %d: %s", errDaemonStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	snapshot := new(domain.Snapshot)
	if err = json.NewDecoder(resp.Body).Decode(snapshot); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}

	return snapshot, nil
}

// followStatus prints streamed snapshots until a run finishes, the daemon closes the stream or ctx ends.
func followStatus(ctx context.Context, base string, printer *progressPrinter) error {
	endpoint, err := streamURL(base)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return fmt.Errorf("open status stream: %w", err)
	}

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	// Unblock ReadJSON on interrupt.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	defer func() {
		_ = conn.Close()
	}()

	for {
		var snapshot domain.Snapshot
		if err = conn.ReadJSON(&snapshot); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}

			return fmt.Errorf("read status stream: %w", err)
		}

		if printer.print(&snapshot) {
			if snapshot.State == domain.StateFailed {
				return fmt.Errorf("%w: %s", errRunFailed, snapshot.Message)
			}

			return nil
		}
	}
}

func streamURL(base string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}

	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}

	parsed.Path += "/api/update/stream"

	return parsed.String(), nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	statusCmd.Flags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:8080", "base URL of the updater daemon")
	statusCmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream status changes until the run finishes")
	rootCmd.AddCommand(statusCmd)
}
