package orchestrator

import (
	"context"
	"time"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/service/services"
)

// Backups creates and restores appliance backups.
type Backups interface {
	CreateBackup(ctx context.Context, label string) (string, error)
	RestoreBackup(ctx context.Context, path string) error
	MostRecent(ctx context.Context) (string, error)
	Contains(path string) bool
	CleanupOldBackups(ctx context.Context, keep int) (int, error)
}

// Releases reads the installed version and fetches releases.
type Releases interface {
	InstalledVersion(ctx context.Context) (string, error)
	LatestRelease(ctx context.Context) (*domain.ReleaseDescriptor, error)
	CompareVersions(ctx context.Context) (*domain.VersionComparison, error)
	CheckRelease(release *domain.ReleaseDescriptor) error
	Download(ctx context.Context, rawURL, dst string) (int64, error)
	FetchChecksum(ctx context.Context, rawURL string) (string, error)
}

// Services controls the managed services.
type Services interface {
	CheckHealth(ctx context.Context) (*services.HealthReport, error)
	PullImages(ctx context.Context) error
	RestartServices(ctx context.Context) error
	VerifyServices(ctx context.Context, maxRetries int, retryDelay time.Duration) bool
	TestConnectivityProbe(ctx context.Context) error
	TestTunnelProbe(ctx context.Context) error
}

// Installer applies a downloaded release and records the installed version.
type Installer interface {
	Install(ctx context.Context, artifact, version string) error
}

// History stores finished runs.
type History interface {
	Record(ctx context.Context, entry *domain.HistoryEntry) error
}

// RunLock guards the appliance against concurrent updater processes.
type RunLock interface {
	Acquire(ctx context.Context) error
	Release() error
}

// FreeSpaceFunc returns the free bytes of the filesystem holding path.
type FreeSpaceFunc func(ctx context.Context, path string) (uint64, error)

// Dependencies are the collaborators of an Orchestrator. History and Lock are optional.
type Dependencies struct {
	Backups   Backups
	Releases  Releases
	Services  Services
	Installer Installer
	History   History
	Lock      RunLock
}
