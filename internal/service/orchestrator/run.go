package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oshokin/appliance-updater/internal/config"
	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/logger"
	"github.com/oshokin/appliance-updater/internal/service/integrity"
)

// unknownVersionLabel labels backups taken when no version marker exists.
const unknownVersionLabel = "unknown"

func (o *Orchestrator) executeUpdate(ctx context.Context, version string) {
	defer o.wg.Done()

	err := o.runPhases(ctx, version)
	if err == nil {
		o.cleanupBackups(ctx)
		o.markManualIntervention(false)
		o.finish(ctx, domain.StateSuccess, fmt.Sprintf("Update to version %s completed successfully", version))
		o.recordHistory(ctx, domain.RunKindUpdate, version)

		return
	}

	o.logFailure(ctx, "Update run failed", err)

	o.fail(ctx, err)
	o.recordHistory(ctx, domain.RunKindUpdate, version)
}

// runPhases walks the update phases and stops at the first failure.
func (o *Orchestrator) runPhases(ctx context.Context, version string) error {
	if err := o.validate(ctx); err != nil {
		return err
	}

	if err := o.backup(ctx); err != nil {
		return err
	}

	artifact, checksum, err := o.download(ctx, version)
	if artifact != "" {
		defer func() {
			_ = os.Remove(artifact)
		}()
	}

	if err != nil {
		return err
	}

	if err = o.verify(ctx, artifact, checksum); err != nil {
		return err
	}

	o.transition(ctx, domain.StateInstalling, fmt.Sprintf("Installing version %s", version))

	if err = o.deps.Installer.Install(ctx, artifact, version); err != nil {
		return err
	}

	o.log(ctx, fmt.Sprintf("Installed version %s", version))
	o.transition(ctx, domain.StateUpdatingServices, "Pulling service images")

	if err = o.deps.Services.PullImages(ctx); err != nil {
		return err
	}

	o.transition(ctx, domain.StateRestarting, "Restarting services")

	if err = o.deps.Services.RestartServices(ctx); err != nil {
		return err
	}

	o.log(ctx, "Waiting for services to stabilize")

	if err = o.sleep(ctx, o.update.SettleDelay); err != nil {
		return err
	}

	return o.verifyHealth(ctx)
}

func (o *Orchestrator) validate(ctx context.Context) error {
	o.transition(ctx, domain.StateValidating, "Validating environment")

	free, err := o.freeSpace(ctx, o.paths.ProjectRoot)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidationFailed, err)
	}

	if free < o.update.MinFreeSpace {
		return fmt.Errorf("%w: %d bytes free, %d required", domain.ErrInsufficientDiskSpace, free, o.update.MinFreeSpace)
	}

	o.log(ctx, fmt.Sprintf("Disk space OK: %d MB free", free/(1024*1024)))

	report, err := o.deps.Services.CheckHealth(ctx)
	if err != nil {
		return fmt.Errorf("%w: services unreachable: %w", domain.ErrValidationFailed, err)
	}

	if !report.Healthy {
		o.log(ctx, "Warning: some services are not running before the update")
		logger.WarnKV(ctx, "Services are not healthy before the update", "services", report.Services)
	}

	return nil
}

func (o *Orchestrator) backup(ctx context.Context) error {
	o.transition(ctx, domain.StateBackingUp, "Creating backup")

	label, err := o.deps.Releases.InstalledVersion(ctx)

	switch {
	case err == nil:
	case isNotFound(err):
		label = unknownVersionLabel
		o.log(ctx, "Warning: installed version is unknown, labelling backup as unknown")
	default:
		return err
	}

	path, err := o.deps.Backups.CreateBackup(ctx, label)
	if err != nil {
		return err
	}

	o.setBackupPath(path)
	o.log(ctx, "Backup created: "+path)

	return nil
}

func (o *Orchestrator) download(ctx context.Context, version string) (string, string, error) {
	o.transition(ctx, domain.StateDownloading, fmt.Sprintf("Downloading version %s", version))

	release, err := o.deps.Releases.LatestRelease(ctx)
	if err != nil {
		return "", "", err
	}

	if release.Version != version {
		return "", "", fmt.Errorf("%w: requested %s, latest release is %s", domain.ErrVersionMismatch, version, release.Version)
	}

	if err = o.deps.Releases.CheckRelease(release); err != nil {
		return "", "", err
	}

	if err = os.MkdirAll(o.paths.TempDir, config.DefaultDirPermissions); err != nil {
		return "", "", fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}

	o.mu.Lock()
	artifact := filepath.Join(o.paths.TempDir, fmt.Sprintf("update-%s-%s.tar.gz", version, o.runID))
	o.mu.Unlock()

	downloadCtx, cancel := withTimeout(ctx, o.update.DownloadTimeout)
	defer cancel()

	o.log(ctx, "Downloading from: "+release.DownloadURL)

	written, err := o.deps.Releases.Download(downloadCtx, release.DownloadURL, artifact)
	if err != nil {
		return artifact, "", err
	}

	o.log(ctx, fmt.Sprintf("Downloaded %d bytes", written))

	if release.ChecksumURL == "" {
		return artifact, "", nil
	}

	checksumCtx, cancelChecksum := withTimeout(ctx, o.update.ChecksumTimeout)
	defer cancelChecksum()

	checksum, err := o.deps.Releases.FetchChecksum(checksumCtx, release.ChecksumURL)
	if err != nil {
		return artifact, "", fmt.Errorf("%w: checksum: %w", domain.ErrDownloadFailed, err)
	}

	return artifact, checksum, nil
}

func (o *Orchestrator) verify(ctx context.Context, artifact, checksum string) error {
	o.transition(ctx, domain.StateVerifying, "Verifying download")

	if checksum == "" {
		o.log(ctx, "Warning: no checksum available, skipping verification")
	}

	size, err := integrity.VerifyDownload(artifact, checksum)
	if err != nil {
		if errors.Is(err, integrity.ErrEmptyArtifact) {
			return fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
		}

		return err
	}

	if checksum != "" {
		o.log(ctx, "Checksum verified")
	}

	o.log(ctx, fmt.Sprintf("Artifact size: %d bytes", size))

	return nil
}

func (o *Orchestrator) verifyHealth(ctx context.Context) error {
	o.transition(ctx, domain.StateVerifyingHealth, "Verifying service health")

	if !o.deps.Services.VerifyServices(ctx, o.update.HealthRetries, o.update.HealthRetryDelay) {
		return fmt.Errorf("%w: services are not running", domain.ErrHealthCheckFailed)
	}

	o.log(ctx, "All services are running")

	if err := o.deps.Services.TestConnectivityProbe(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrHealthCheckFailed, err)
	}

	o.log(ctx, "DNS resolution OK")

	if err := o.deps.Services.TestTunnelProbe(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrHealthCheckFailed, err)
	}

	o.log(ctx, "VPN tunnel OK")

	return nil
}

// fail finishes a failed run, restoring the backup when one was taken.
// The restore ignores cancellation of ctx so a shutdown cannot leave a half-updated tree.
func (o *Orchestrator) fail(ctx context.Context, cause error) {
	backupPath, ok := o.hasBackup()
	if !ok {
		o.finish(ctx, domain.StateFailed, "Update failed: "+cause.Error())
		return
	}

	o.transition(ctx, domain.StateRollingBack, "Rolling back: "+cause.Error())

	restoreCtx := context.WithoutCancel(ctx)

	if err := o.deps.Backups.RestoreBackup(restoreCtx, backupPath); err != nil {
		o.logFailure(ctx, "Rollback failed", err, "backup", backupPath)
		o.markManualIntervention(true)
		o.finish(ctx, domain.StateFailed,
			"Update and rollback both failed - manual intervention required: "+cause.Error())

		return
	}

	o.log(ctx, "Restored backup "+backupPath)
	o.finish(ctx, domain.StateFailed, "Update failed and was rolled back: "+cause.Error())
}

func (o *Orchestrator) executeRollback(ctx context.Context, backupPath string) {
	defer o.wg.Done()

	err := o.deps.Backups.RestoreBackup(context.WithoutCancel(ctx), backupPath)
	if err != nil {
		o.logFailure(ctx, "Manual rollback failed", err, "backup", backupPath)
		o.markManualIntervention(true)
		o.finish(ctx, domain.StateFailed, "Rollback failed - manual intervention required: "+err.Error())
	} else {
		o.markManualIntervention(false)
		o.finish(ctx, domain.StateSuccess, "Rollback completed")
	}

	o.recordHistory(ctx, domain.RunKindRollback, "")
}

// logFailure records err with the phase it happened in, to the run log and to the process log.
func (o *Orchestrator) logFailure(ctx context.Context, message string, err error, kvs ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	phase := o.run.State
	o.appendLocked(ctx, fmt.Sprintf("ERROR in %s: %v", phase, err))

	logger.ErrorKV(ctx, message, append([]any{"phase", phase, "error", err}, kvs...)...)
}

// finish releases the run lock and moves the run to a terminal state.
func (o *Orchestrator) finish(ctx context.Context, state domain.State, message string) {
	o.releaseLock(ctx)
	o.transition(ctx, state, message)
}

func (o *Orchestrator) cleanupBackups(ctx context.Context) {
	deleted, err := o.deps.Backups.CleanupOldBackups(ctx, o.update.KeepBackups)
	if err != nil {
		logger.WarnKV(ctx, "Failed to clean up old backups", "error", err)
		return
	}

	if deleted > 0 {
		o.log(ctx, fmt.Sprintf("Removed %d old backups", deleted))
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, timeout)
}
