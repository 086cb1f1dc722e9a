package update

import "errors"

// Run lifecycle errors.
var (
	ErrInvalidVersion   = errors.New("update: invalid version format")
	ErrAlreadyRunning   = errors.New("update: already in progress")
	ErrValidationFailed = errors.New("update: environment validation failed")
	ErrVersionMismatch  = errors.New("update: version mismatch")
)

// Phase errors.
var (
	ErrInsufficientDiskSpace = errors.New("update: insufficient disk space")
	ErrBackupFailed          = errors.New("update: backup failed")
	ErrDownloadFailed        = errors.New("update: download failed")
	ErrChecksumMismatch      = errors.New("update: checksum mismatch")
	ErrInstallFailed         = errors.New("update: install failed")
	ErrServiceUpdateFailed   = errors.New("update: service update failed")
	ErrHealthCheckFailed     = errors.New("update: health check failed")
	ErrRollbackFailed        = errors.New("update: rollback failed")
	ErrNoBackupAvailable     = errors.New("update: no backup available")
)

// Release source errors.
var (
	ErrNotFound            = errors.New("release: not found")
	ErrInvalidFormat       = errors.New("release: invalid version marker format")
	ErrNoReleases          = errors.New("release: no releases found for repository")
	ErrUntrustedSource     = errors.New("release: untrusted download source")
	ErrUpstreamUnavailable = errors.New("release: upstream unavailable")
)
