package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/appliance-updater/internal/config"
	domain "github.com/oshokin/appliance-updater/internal/domain/update"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Paths.ProjectRoot = t.TempDir()
	cfg.Paths.StateDir = filepath.Join(t.TempDir(), "state")
	cfg.Paths.TempDir = t.TempDir()
	cfg.Server.HTTPAddress = "127.0.0.1:0"
	cfg.Server.GRPCAddress = "127.0.0.1:0"
	require.NoError(t, config.Validate(cfg))

	return cfg
}

func TestResolveListenAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configAddr string
		override   string
		want       string
		wantErr    error
	}{
		{name: "config", configAddr: ":8080", want: ":8080"},
		{name: "override wins", configAddr: ":8080", override: "127.0.0.1:9090", want: "127.0.0.1:9090"},
		{name: "missing", wantErr: ErrNoListenAddress},
		{name: "malformed", configAddr: "localhost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := resolveListenAddress(tt.configAddr, tt.override)
			if tt.want == "" {
				require.Error(t, err)

				if tt.wantErr != nil {
					require.ErrorIs(t, err, tt.wantErr)
				}

				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	components, err := Build(t.Context(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, components.Close())
	})

	require.FileExists(t, filepath.Join(cfg.Paths.StateDir, "history.db"))
	require.Equal(t, filepath.Join(cfg.Paths.StateDir, "update.lock"), components.Lock.Path())
	require.Equal(t, "archive", components.Backups.Strategy())
	require.Equal(t, domain.StateIdle, components.Orchestrator.Status().State)

	_, err = components.Releases.InstalledVersion(t.Context())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRun_ServesUntilCanceled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Paths.VersionFile, []byte("1.4.0\n"), 0o600))

	ctx, cancel := context.WithCancel(t.Context())
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)

	go func() {
		done <- Run(ctx, &Options{
			Config: cfg,
			Ready: func(httpAddr, _ net.Addr) {
				ready <- httpAddr
			},
		})
	}()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not become ready")
	}

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, "http://"+addr.String()+"/health", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "1.4.0", payload["version"])
	require.Equal(t, "healthy", payload["status"])

	cancel()

	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
