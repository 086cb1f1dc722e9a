package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/appliance-updater/internal/config"
	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/repository/history"
	"github.com/oshokin/appliance-updater/internal/repository/state"
	"github.com/oshokin/appliance-updater/internal/service/backup"
	"github.com/oshokin/appliance-updater/internal/service/installer"
	"github.com/oshokin/appliance-updater/internal/service/orchestrator"
	"github.com/oshokin/appliance-updater/internal/service/packager"
	"github.com/oshokin/appliance-updater/internal/service/process/processtest"
	"github.com/oshokin/appliance-updater/internal/service/release"
	"github.com/oshokin/appliance-updater/internal/service/runlock"
	"github.com/oshokin/appliance-updater/internal/service/services"
)

const testRepository = "acme/appliance"

func noSleep(context.Context, time.Duration) error {
	return nil
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		target := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
		require.NoError(t, os.WriteFile(target, []byte(content), 0o644))
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return string(data)
}

// startReleaseHost bundles a release tree with the packager and serves it like a GitHub release.
func startReleaseHost(t *testing.T, version string, files map[string]string) *httptest.Server {
	t.Helper()

	source := filepath.Join(t.TempDir(), "appliance")
	writeTree(t, source, files)

	assets, err := packager.Run(t.Context(), &packager.Options{
		Source:    source,
		Version:   version,
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)

	archiveName := filepath.Base(assets.Archive)
	downloadPath := "/" + testRepository + "/releases/download/v" + version + "/"

	var srv *httptest.Server

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/"+testRepository+"/releases/latest", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tag_name":     "v" + version,
			"body":         "Integration release",
			"published_at": "2025-02-01T12:00:00Z",
			"assets": []map[string]string{
				{"name": archiveName, "browser_download_url": srv.URL + downloadPath + archiveName},
				{"name": archiveName + ".sha256", "browser_download_url": srv.URL + downloadPath + archiveName + ".sha256"},
			},
		})
	})
	mux.HandleFunc(downloadPath+archiveName, func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, assets.Archive)
	})
	mux.HandleFunc(downloadPath+archiveName+".sha256", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, assets.ChecksumFile)
	})

	srv = httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

type appliance struct {
	cfg          *config.Config
	runner       *processtest.Runner
	history      *history.SQLiteRepository
	backups      *backup.Manager
	orchestrator *orchestrator.Orchestrator
}

// newAppliance wires real components around a scripted container runtime.
func newAppliance(t *testing.T, srv *httptest.Server, psOutput string) *appliance {
	t.Helper()

	cfg := config.Default()
	cfg.Paths.ProjectRoot = t.TempDir()
	cfg.Paths.TempDir = t.TempDir()
	cfg.Paths.StateDir = t.TempDir()
	cfg.Release.APIURL = srv.URL
	cfg.Release.Repository = testRepository
	cfg.Release.AllowedHosts = []string{"127.0.0.1"}
	require.NoError(t, config.Validate(cfg))

	writeTree(t, cfg.Paths.ProjectRoot, map[string]string{
		"VERSION":                     "1.0.0\n",
		"docker-compose.yml":          "version: 1\n",
		"web-manager/server.js":       "v1\n",
		".env":                        "SECRET=keep\n",
		"wireguard/config/peer1.conf": "[Peer]\n",
	})

	runner := processtest.NewRunner().
		Output("docker compose", "").
		Output("docker ps -a", psOutput).
		Output("docker exec n-guard-adguard nslookup", "Name: google.com\nAddress: 142.250.74.46\n").
		Output("docker exec n-guard-wireguard wg show", "interface: wg0\n")

	ctx := t.Context()
	marker := state.NewFileRepository(cfg.Paths.VersionFile)
	controller := services.NewController(runner, cfg.Services, cfg.Health, cfg.Paths.ProjectRoot, services.WithSleep(noSleep))

	historyDB, err := history.Open(ctx, filepath.Join(cfg.Paths.StateDir, history.DatabaseFilename))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = historyDB.Close()
	})

	a := &appliance{
		cfg:     cfg,
		runner:  runner,
		history: historyDB,
		backups: backup.NewManager(cfg.Paths, cfg.Backup, runner, controller),
	}

	a.orchestrator = orchestrator.New(ctx, orchestrator.Dependencies{
		Backups:   a.backups,
		Releases:  release.NewClient(cfg.Release, marker, release.WithHTTPClient(srv.Client())),
		Services:  controller,
		Installer: installer.New(cfg.Paths, cfg.Update.InstallTimeout, runner, marker),
		History:   historyDB,
		Lock:      runlock.New(filepath.Join(cfg.Paths.StateDir, runlock.Filename)),
	}, cfg.Update, cfg.Paths,
		orchestrator.WithSleep(noSleep),
		orchestrator.WithFreeSpace(func(context.Context, string) (uint64, error) { return 1 << 40, nil }),
	)

	t.Cleanup(a.orchestrator.Close)

	return a
}

func (a *appliance) run(t *testing.T, version string) domain.Snapshot {
	t.Helper()

	require.NoError(t, a.orchestrator.Start(t.Context(), version))

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	require.NoError(t, a.orchestrator.Wait(ctx))

	return a.orchestrator.Status()
}

func (a *appliance) path(rel string) string {
	return filepath.Join(a.cfg.Paths.ProjectRoot, filepath.FromSlash(rel))
}

var releaseTree = map[string]string{
	"docker-compose.yml":    "version: 2\n",
	"web-manager/server.js": "v2\n",
	"scripts/README":        "release scripts\n",
	".env":                  "SECRET=release-default\n",
}

// TestUpdate_InstallsReleaseEndToEnd downloads, verifies and installs a packaged release.
func TestUpdate_InstallsReleaseEndToEnd(t *testing.T) {
	t.Parallel()

	srv := startReleaseHost(t, "1.1.0", releaseTree)
	a := newAppliance(t, srv, "n-guard-adguard\trunning\nn-guard-wireguard\trunning\n")

	final := a.run(t, "1.1.0")
	require.Equal(t, domain.StateSuccess, final.State, strings.Join(final.Logs, "\n"))
	require.Equal(t, 100, final.Progress)

	require.Equal(t, "version: 2\n", readFile(t, a.path("docker-compose.yml")))
	require.Equal(t, "v2\n", readFile(t, a.path("web-manager/server.js")))
	require.FileExists(t, a.path("scripts/README"))
	require.Equal(t, "SECRET=keep\n", readFile(t, a.path(".env")))
	require.Equal(t, "[Peer]\n", readFile(t, a.path("wireguard/config/peer1.conf")))
	require.Equal(t, "1.1.0", strings.TrimSpace(readFile(t, a.path("VERSION"))))

	records, err := a.backups.ListBackups(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Contains(t, records[0].Name, "pre-update-1.0.0-")

	runs, err := a.history.List(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, domain.StateSuccess, runs[0].State)
	require.Equal(t, "1.1.0", runs[0].TargetVersion)

	require.Positive(t, a.runner.Count("docker compose pull"))
	require.Positive(t, a.runner.Count("docker compose up -d"))
	require.NoFileExists(t, filepath.Join(a.cfg.Paths.StateDir, runlock.Filename))
}

// TestUpdate_RollsBackUnhealthyRelease restores the backup when services stay down.
func TestUpdate_RollsBackUnhealthyRelease(t *testing.T) {
	t.Parallel()

	srv := startReleaseHost(t, "1.1.0", releaseTree)
	a := newAppliance(t, srv, "n-guard-adguard\trunning\nn-guard-wireguard\texited\n")

	final := a.run(t, "1.1.0")
	require.Equal(t, domain.StateFailed, final.State)
	require.True(t, strings.HasPrefix(final.Message, "Update failed and was rolled back"), final.Message)
	require.NotNil(t, final.BackupPath)

	require.Equal(t, "version: 1\n", readFile(t, a.path("docker-compose.yml")))
	require.Equal(t, "v1\n", readFile(t, a.path("web-manager/server.js")))
	require.Equal(t, "1.0.0", strings.TrimSpace(readFile(t, a.path("VERSION"))))
	require.False(t, a.orchestrator.NeedsManualIntervention())

	runs, err := a.history.List(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, domain.StateFailed, runs[0].State)
}

// TestUpdate_RejectsVersionMismatch fails before touching the tree when the release moved on.
func TestUpdate_RejectsVersionMismatch(t *testing.T) {
	t.Parallel()

	srv := startReleaseHost(t, "1.2.0", releaseTree)
	a := newAppliance(t, srv, "n-guard-adguard\trunning\n")

	final := a.run(t, "1.1.0")
	require.Equal(t, domain.StateFailed, final.State)
	require.Equal(t, "version: 1\n", readFile(t, a.path("docker-compose.yml")))
	require.Equal(t, "1.0.0", strings.TrimSpace(readFile(t, a.path("VERSION"))))
}
