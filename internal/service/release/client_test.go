package release

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/appliance-updater/internal/config"
	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/repository/state"
)

const (
	testRepo    = "nyonnguyen/n-guard-vpn"
	archiveBody = "release archive bytes"
)

type fakeHost struct {
	server *httptest.Server

	mu      sync.Mutex
	release map[string]any
	status  int
	token   string
}

func (h *fakeHost) set(fn func(h *fakeHost)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fn(h)
}

func (h *fakeHost) lastToken() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.token
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()

	host := &fakeHost{status: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/"+testRepo+"/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		host.mu.Lock()
		defer host.mu.Unlock()

		host.token = r.Header.Get("Authorization")

		if host.status != http.StatusOK {
			w.WriteHeader(host.status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(host.release)
	})
	mux.HandleFunc("/"+testRepo+"/releases/download/v1.1.0/n-guard-vpn-1.1.0.tar.gz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(archiveBody))
	})
	mux.HandleFunc("/"+testRepo+"/releases/download/v1.1.0/n-guard-vpn-1.1.0.tar.gz.sha256", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintf(w, "ABCDEF0123  n-guard-vpn-1.1.0.tar.gz\n")
	})

	host.server = httptest.NewTLSServer(mux)
	t.Cleanup(host.server.Close)

	host.release = map[string]any{
		"tag_name":     "v1.1.0",
		"body":         "Bug fixes",
		"prerelease":   false,
		"published_at": "2025-02-01T12:00:00Z",
		"assets": []map[string]string{
			{"name": "n-guard-vpn-1.1.0.tar.gz.sha256", "browser_download_url": host.url("n-guard-vpn-1.1.0.tar.gz.sha256")},
			{"name": "n-guard-vpn-1.1.0.tar.gz", "browser_download_url": host.url("n-guard-vpn-1.1.0.tar.gz")},
			{"name": "n-guard-vpn-1.1.1.tar.gz", "browser_download_url": host.url("n-guard-vpn-1.1.1.tar.gz")},
		},
	}

	return host
}

func (h *fakeHost) url(asset string) string {
	return h.server.URL + "/" + testRepo + "/releases/download/v1.1.0/" + asset
}

func newTestClient(t *testing.T, host *fakeHost, installed string) *Client {
	t.Helper()

	marker := state.NewFileRepository(filepath.Join(t.TempDir(), "VERSION"))
	if installed != "" {
		require.NoError(t, marker.Save(context.Background(), installed))
	}

	cfg := config.ReleaseConfig{
		APIURL:       host.server.URL,
		Repository:   testRepo,
		Token:        "secret",
		AllowedHosts: []string{"127.0.0.1"},
		AllowedRepos: []string{testRepo},
		Timeout:      5 * time.Second,
	}

	return NewClient(cfg, marker, WithHTTPClient(host.server.Client()))
}

// TestLatestRelease picks the first archive and checksum assets.
func TestLatestRelease(t *testing.T) {
	t.Parallel()

	host := newFakeHost(t)
	client := newTestClient(t, host, "")

	release, err := client.LatestRelease(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.1.0", release.Version)
	require.Equal(t, "v1.1.0", release.TagName)
	require.Equal(t, host.url("n-guard-vpn-1.1.0.tar.gz"), release.DownloadURL)
	require.Equal(t, host.url("n-guard-vpn-1.1.0.tar.gz.sha256"), release.ChecksumURL)
	require.Equal(t, "Bug fixes", release.ReleaseNotes)
	require.Equal(t, "Bearer secret", host.lastToken())
}

// TestLatestRelease_Errors maps host answers to error kinds.
func TestLatestRelease_Errors(t *testing.T) {
	t.Parallel()

	host := newFakeHost(t)
	client := newTestClient(t, host, "")

	host.set(func(h *fakeHost) { h.status = http.StatusNotFound })
	_, err := client.LatestRelease(context.Background())
	require.ErrorIs(t, err, domain.ErrNoReleases)

	host.set(func(h *fakeHost) { h.status = http.StatusForbidden })
	_, err = client.LatestRelease(context.Background())
	require.ErrorIs(t, err, ErrUnexpectedStatus)

	host.set(func(h *fakeHost) {
		h.status = http.StatusOK
		h.release["tag_name"] = "nightly"
	})
	_, err = client.LatestRelease(context.Background())
	require.ErrorIs(t, err, domain.ErrInvalidVersion)

	host.server.Close()
	_, err = client.LatestRelease(context.Background())
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

// TestCompareVersions reports an available update by core version.
func TestCompareVersions(t *testing.T) {
	t.Parallel()

	host := newFakeHost(t)

	comparison, err := newTestClient(t, host, "1.0.0").CompareVersions(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.0.0", comparison.Installed)
	require.Equal(t, "1.1.0", comparison.Latest)
	require.True(t, comparison.UpdateAvailable)

	comparison, err = newTestClient(t, host, "1.1.0-rc.1").CompareVersions(context.Background())
	require.NoError(t, err)
	require.False(t, comparison.UpdateAvailable)

	_, err = newTestClient(t, host, "").CompareVersions(context.Background())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// TestCompareVersions_Untrusted rejects releases served from another repository.
func TestCompareVersions_Untrusted(t *testing.T) {
	t.Parallel()

	host := newFakeHost(t)
	host.set(func(h *fakeHost) {
		h.release["assets"] = []map[string]string{
			{"name": "x.tar.gz", "browser_download_url": h.server.URL + "/evil/fork/releases/download/v1.1.0/x.tar.gz"},
		}
	})

	_, err := newTestClient(t, host, "1.0.0").CompareVersions(context.Background())
	require.ErrorIs(t, err, domain.ErrUntrustedSource)
}

// TestDownloadAndChecksum fetches the artifact and its digest.
func TestDownloadAndChecksum(t *testing.T) {
	t.Parallel()

	host := newFakeHost(t)
	client := newTestClient(t, host, "")
	dst := filepath.Join(t.TempDir(), "dl", "release.tar.gz")

	written, err := client.Download(context.Background(), host.url("n-guard-vpn-1.1.0.tar.gz"), dst)
	require.NoError(t, err)
	require.EqualValues(t, len(archiveBody), written)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, archiveBody, string(data))
	require.NoFileExists(t, dst+".part")

	digest, err := client.FetchChecksum(context.Background(), host.url("n-guard-vpn-1.1.0.tar.gz.sha256"))
	require.NoError(t, err)
	require.Equal(t, "ABCDEF0123", digest)

	_, err = client.Download(context.Background(), host.url("missing.tar.gz"), dst)
	require.ErrorIs(t, err, domain.ErrDownloadFailed)
}

// TestTrustPolicy covers scheme, host and repository rules.
func TestTrustPolicy(t *testing.T) {
	t.Parallel()

	policy := NewTrustPolicy([]string{"github.com", "githubusercontent.com"}, []string{"nyonnguyen/n-guard-vpn"})

	tests := []struct {
		url     string
		trusted bool
	}{
		{url: "https://github.com/nyonnguyen/n-guard-vpn/releases/download/v1.1.0/a.tar.gz", trusted: true},
		{url: "https://objects.githubusercontent.com/nyonnguyen/N-Guard-VPN/a.tar.gz", trusted: true},
		{url: "http://github.com/nyonnguyen/n-guard-vpn/releases/download/v1.1.0/a.tar.gz", trusted: false},
		{url: "https://github.com.evil.io/nyonnguyen/n-guard-vpn/a.tar.gz", trusted: false},
		{url: "https://evilgithub.com/nyonnguyen/n-guard-vpn/a.tar.gz", trusted: false},
		{url: "https://github.com/someone/fork/releases/download/v1.1.0/a.tar.gz", trusted: false},
		{url: "https://github.com/a.tar.gz", trusted: false},
		{url: "::not a url", trusted: false},
	}

	for _, tt := range tests {
		err := policy.Check(tt.url)
		if tt.trusted {
			require.NoError(t, err, tt.url)
		} else {
			require.ErrorIs(t, err, domain.ErrUntrustedSource, tt.url)
		}
	}
}

// newSlowHost serves a release archive in flushed chunks and a release lookup that answers late.
func newSlowHost(t *testing.T, chunks int, pause time.Duration) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/"+testRepo+"/releases/download/v1.1.0/slow.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		for range chunks {
			_, _ = w.Write([]byte("chunk"))
			flusher.Flush()

			select {
			case <-r.Context().Done():
				return
			case <-time.After(pause):
			}
		}
	})
	mux.HandleFunc("/repos/"+testRepo+"/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
			w.WriteHeader(http.StatusOK)
		}
	})

	server := httptest.NewTLSServer(mux)
	t.Cleanup(server.Close)

	return server
}

func newShortTimeoutClient(t *testing.T, server *httptest.Server, timeout time.Duration) *Client {
	t.Helper()

	cfg := config.ReleaseConfig{
		APIURL:       server.URL,
		Repository:   testRepo,
		AllowedHosts: []string{"127.0.0.1"},
		AllowedRepos: []string{testRepo},
		Timeout:      timeout,
	}

	marker := state.NewFileRepository(filepath.Join(t.TempDir(), "VERSION"))

	return NewClient(cfg, marker, WithTransport(server.Client().Transport))
}

// TestDownload_OutlivesLookupTimeout streams an archive for longer than the lookup timeout.
func TestDownload_OutlivesLookupTimeout(t *testing.T) {
	t.Parallel()

	server := newSlowHost(t, 6, 100*time.Millisecond)
	client := newShortTimeoutClient(t, server, 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dst := filepath.Join(t.TempDir(), "release.tar.gz")

	written, err := client.Download(ctx, server.URL+"/"+testRepo+"/releases/download/v1.1.0/slow.tar.gz", dst)
	require.NoError(t, err)
	require.EqualValues(t, 6*len("chunk"), written)
	require.FileExists(t, dst)
}

// TestDownload_CallerDeadline stops a download when the caller's context expires.
func TestDownload_CallerDeadline(t *testing.T) {
	t.Parallel()

	server := newSlowHost(t, 50, 100*time.Millisecond)
	client := newShortTimeoutClient(t, server, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	dst := filepath.Join(t.TempDir(), "release.tar.gz")

	_, err := client.Download(ctx, server.URL+"/"+testRepo+"/releases/download/v1.1.0/slow.tar.gz", dst)
	require.ErrorIs(t, err, domain.ErrDownloadFailed)
	require.NoFileExists(t, dst)
	require.NoFileExists(t, dst+".part")
}

// TestLatestRelease_LookupTimeout bounds the release lookup by the configured timeout.
func TestLatestRelease_LookupTimeout(t *testing.T) {
	t.Parallel()

	server := newSlowHost(t, 1, 0)
	client := newShortTimeoutClient(t, server, 200*time.Millisecond)

	start := time.Now()

	_, err := client.LatestRelease(context.Background())
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	require.Less(t, time.Since(start), 4*time.Second)
}
