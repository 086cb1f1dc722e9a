package orchestrator

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/service/services"
)

type fakeBackups struct {
	mu         sync.Mutex
	createErr  error
	restoreErr error
	created    []string
	restored   []string
	latest     string
	keep       []int
	// lookup, when set, blocks MostRecent until it is closed.
	lookup chan struct{}
	// lookupStarted receives a value when MostRecent begins waiting on lookup.
	lookupStarted chan struct{}
}

func (f *fakeBackups) CreateBackup(_ context.Context, label string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return "", f.createErr
	}

	path := fmt.Sprintf("/opt/n-guard-vpn/backups/pre-update-%s-%d.tar.gz", label, len(f.created))
	f.created = append(f.created, path)

	return path, nil
}

func (f *fakeBackups) RestoreBackup(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.restored = append(f.restored, path)

	return f.restoreErr
}

func (f *fakeBackups) MostRecent(ctx context.Context) (string, error) {
	if f.lookup != nil {
		if f.lookupStarted != nil {
			f.lookupStarted <- struct{}{}
		}

		select {
		case <-f.lookup:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.latest == "" {
		return "", domain.ErrNoBackupAvailable
	}

	return f.latest, nil
}

func (f *fakeBackups) Contains(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return path == f.latest || slices.Contains(f.created, path)
}

func (f *fakeBackups) CleanupOldBackups(_ context.Context, keep int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.keep = append(f.keep, keep)

	return 0, nil
}

func (f *fakeBackups) restoredPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.restored)
}

type fakeReleases struct {
	installed    string
	installedErr error
	release      *domain.ReleaseDescriptor
	latestErr    error
	trustErr     error
	content      []byte
	checksum     string
}

func (f *fakeReleases) InstalledVersion(context.Context) (string, error) {
	return f.installed, f.installedErr
}

func (f *fakeReleases) LatestRelease(context.Context) (*domain.ReleaseDescriptor, error) {
	return f.release, f.latestErr
}

func (f *fakeReleases) CompareVersions(context.Context) (*domain.VersionComparison, error) {
	return &domain.VersionComparison{
		Installed:       f.installed,
		Latest:          f.release.Version,
		UpdateAvailable: f.installed != f.release.Version,
		Release:         f.release,
	}, nil
}

func (f *fakeReleases) CheckRelease(*domain.ReleaseDescriptor) error {
	return f.trustErr
}

func (f *fakeReleases) Download(_ context.Context, _, dst string) (int64, error) {
	if err := os.WriteFile(dst, f.content, 0o600); err != nil {
		return 0, err
	}

	return int64(len(f.content)), nil
}

func (f *fakeReleases) FetchChecksum(context.Context, string) (string, error) {
	return f.checksum, nil
}

type fakeServices struct {
	block     chan struct{}
	healthErr error
	verifyOK  bool
	dnsErr    error
	tunnelErr error
	pullErr   error

	mu       sync.Mutex
	restarts int
}

func (f *fakeServices) CheckHealth(ctx context.Context) (*services.HealthReport, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.healthErr != nil {
		return nil, f.healthErr
	}

	return &services.HealthReport{
		Healthy:  true,
		Services: []services.ServiceStatus{{Name: "n-guard-adguard", State: "running", Running: true}},
	}, nil
}

func (f *fakeServices) PullImages(context.Context) error {
	return f.pullErr
}

func (f *fakeServices) RestartServices(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.restarts++

	return nil
}

func (f *fakeServices) VerifyServices(context.Context, int, time.Duration) bool {
	return f.verifyOK
}

func (f *fakeServices) TestConnectivityProbe(context.Context) error {
	return f.dnsErr
}

func (f *fakeServices) TestTunnelProbe(context.Context) error {
	return f.tunnelErr
}

type fakeInstaller struct {
	marker interface {
		Save(ctx context.Context, version string) error
	}
	err error
}

func (f *fakeInstaller) Install(ctx context.Context, _, version string) error {
	if f.err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInstallFailed, f.err)
	}

	return f.marker.Save(ctx, version)
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []*domain.HistoryEntry
}

func (f *fakeHistory) Record(_ context.Context, entry *domain.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = append(f.entries, entry)

	return nil
}

func (f *fakeHistory) all() []*domain.HistoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.entries)
}

type fakeLock struct {
	// block, when set, holds Acquire until it is closed.
	block chan struct{}
	// waiting receives a value when Acquire begins waiting on block.
	waiting chan struct{}

	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (f *fakeLock) Acquire(ctx context.Context) error {
	if f.block != nil {
		if f.waiting != nil {
			f.waiting <- struct{}{}
		}

		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.acquired++

	return nil
}

func (f *fakeLock) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.released++

	return nil
}

func (f *fakeLock) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.acquired, f.released
}
