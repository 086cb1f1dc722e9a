package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oshokin/appliance-updater/internal/config"
	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/logger"
	"github.com/oshokin/appliance-updater/internal/repository/state"
	"github.com/oshokin/appliance-updater/internal/service/integrity"
	"github.com/oshokin/appliance-updater/internal/version"
)

// maxChecksumSize bounds checksum file downloads.
const maxChecksumSize = 64 * 1024

var (
	// ErrUnexpectedStatus is returned for release host answers other than 200 and 404.
	ErrUnexpectedStatus = errors.New("unexpected release host status")
	// ErrNoArchiveAsset is returned when the latest release carries no .tar.gz asset.
	ErrNoArchiveAsset = errors.New("no release archive found in latest release")
)

// githubRelease is the subset of the GitHub release payload the client uses.
type githubRelease struct {
	TagName     string    `json:"tag_name"`
	Body        string    `json:"body"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// Client reads the installed version and queries the release host.
type Client struct {
	cfg        config.ReleaseConfig
	marker     state.Repository
	httpClient *http.Client
	trust      *TrustPolicy
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTransport replaces the transport of the HTTP client.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = transport
	}
}

// NewClient creates a release client.
// The HTTP client has no overall timeout: release lookups are bounded by cfg.Timeout
// and downloads only by the caller's context.
func NewClient(cfg config.ReleaseConfig, marker state.Repository, options ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		marker:     marker,
		httpClient: &http.Client{},
		trust:      NewTrustPolicy(cfg.AllowedHosts, cfg.AllowedRepos),
	}

	for _, option := range options {
		option(c)
	}

	return c
}

// Trust returns the trust policy used for download URLs.
func (c *Client) Trust() *TrustPolicy {
	return c.trust
}

// InstalledVersion returns the version recorded on the appliance.
func (c *Client) InstalledVersion(ctx context.Context) (string, error) {
	return c.marker.Load(ctx)
}

// SetInstalledVersion atomically records the installed version.
func (c *Client) SetInstalledVersion(ctx context.Context, v string) error {
	return c.marker.Save(ctx, v)
}

// LatestRelease fetches the newest published release.
func (c *Client) LatestRelease(ctx context.Context) (*domain.ReleaseDescriptor, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/releases/latest", strings.TrimRight(c.cfg.APIURL, "/"), c.cfg.Repository)

	lookupCtx, cancel := c.lookupContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(lookupCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build release request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", version.UserAgent())

	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", c.cfg.Repository, domain.ErrNoReleases)
	default:
		return nil, fmt.Errorf("release host returned %d: %w", resp.StatusCode, ErrUnexpectedStatus)
	}

	var payload githubRelease
	if err = json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}

	return describe(&payload)
}

// CompareVersions compares the installed version with the latest release.
// Download URLs of the latest release must pass the trust policy.
func (c *Client) CompareVersions(ctx context.Context) (*domain.VersionComparison, error) {
	installed, err := c.InstalledVersion(ctx)
	if err != nil {
		return nil, err
	}

	latest, err := c.LatestRelease(ctx)
	if err != nil {
		return nil, err
	}

	if err = c.CheckRelease(latest); err != nil {
		return nil, err
	}

	available, err := domain.IsNewerVersion(latest.Version, installed)
	if err != nil {
		return nil, err
	}

	return &domain.VersionComparison{
		Installed:       installed,
		Latest:          latest.Version,
		UpdateAvailable: available,
		Release:         latest,
	}, nil
}

// CheckRelease applies the trust policy to every URL of the release.
func (c *Client) CheckRelease(release *domain.ReleaseDescriptor) error {
	if err := c.trust.Check(release.DownloadURL); err != nil {
		return err
	}

	if release.ChecksumURL != "" {
		return c.trust.Check(release.ChecksumURL)
	}

	return nil
}

// Download fetches rawURL into dst and returns the number of bytes written.
// The file appears at dst only when the transfer completed.
func (c *Client) Download(ctx context.Context, rawURL, dst string) (int64, error) {
	if err := c.trust.Check(rawURL); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}

	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.do(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: server returned %d", domain.ErrDownloadFailed, resp.StatusCode)
	}

	if err = os.MkdirAll(filepath.Dir(dst), config.DefaultDirPermissions); err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}

	partial := dst + ".part"

	file, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, config.DefaultFilePermissions)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}

	written, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()

	if err = errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(partial)
		return 0, fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}

	if err = os.Rename(partial, dst); err != nil {
		_ = os.Remove(partial)
		return 0, fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}

	logger.DebugKV(ctx, "Downloaded release file", "url", rawURL, "bytes", written)

	return written, nil
}

// FetchChecksum downloads a sha256sum-style file and returns the digest.
func (c *Client) FetchChecksum(ctx context.Context, rawURL string) (string, error) {
	if err := c.trust.Check(rawURL); err != nil {
		return "", err
	}

	lookupCtx, cancel := c.lookupContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(lookupCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build checksum request: %w", err)
	}

	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("checksum host returned %d: %w", resp.StatusCode, ErrUnexpectedStatus)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChecksumSize))
	if err != nil {
		return "", fmt.Errorf("read checksum: %w", err)
	}

	return integrity.ParseChecksum(string(body))
}

// lookupContext bounds a metadata request, which unlike a download is small.
func (c *Client) lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// do sends the request and classifies transport failures as upstream unavailability.
// Only cancellation of ctx, the caller's context, is reported as a context error.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err == nil {
		return resp, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Host, ctxErr)
	}

	return nil, fmt.Errorf("%s: %w: %w", req.URL.Host, domain.ErrUpstreamUnavailable, err)
}

func describe(payload *githubRelease) (*domain.ReleaseDescriptor, error) {
	v := domain.NormalizeTag(payload.TagName)
	if !domain.ValidateVersion(v) {
		return nil, fmt.Errorf("release tag %q: %w", payload.TagName, domain.ErrInvalidVersion)
	}

	descriptor := &domain.ReleaseDescriptor{
		Version:      v,
		TagName:      payload.TagName,
		ReleaseNotes: payload.Body,
		Prerelease:   payload.Prerelease,
		PublishedAt:  payload.PublishedAt,
	}

	if descriptor.ReleaseNotes == "" {
		descriptor.ReleaseNotes = "No release notes available"
	}

	for _, asset := range payload.Assets {
		switch {
		case strings.Contains(asset.Name, ".sha256"):
			if descriptor.ChecksumURL == "" {
				descriptor.ChecksumURL = asset.BrowserDownloadURL
			}
		case strings.Contains(asset.Name, ".tar.gz"):
			if descriptor.DownloadURL == "" {
				descriptor.DownloadURL = asset.BrowserDownloadURL
			}
		}
	}

	if descriptor.DownloadURL == "" {
		return nil, fmt.Errorf("%s: %w", payload.TagName, ErrNoArchiveAsset)
	}

	return descriptor, nil
}
