package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/oshokin/appliance-updater/internal/logger"
	"github.com/oshokin/appliance-updater/internal/service/archive"
	"github.com/oshokin/appliance-updater/internal/service/process"
)

// errScriptProducedNothing is returned when backup.sh left no archive behind.
var errScriptProducedNothing = errors.New("backup script produced no archive")

// ArchiveStrategy archives the project tree in process.
type ArchiveStrategy struct {
	root           string
	exclude        *archive.Matcher
	services       ServiceSwitch
	timeout        time.Duration
	restoreTimeout time.Duration
}

// Name implements Strategy.
func (s *ArchiveStrategy) Name() string {
	return "archive"
}

// Create implements Strategy.
func (s *ArchiveStrategy) Create(ctx context.Context, dst string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	return archive.Create(ctx, s.root, dst, s.exclude)
}

// Restore stops the services, extracts the archive over the tree and starts them again.
// Services are started even when extraction fails so the appliance keeps serving.
func (s *ArchiveStrategy) Restore(ctx context.Context, src string) error {
	ctx, cancel := withTimeout(ctx, s.restoreTimeout)
	defer cancel()

	if s.services != nil {
		if err := s.services.Stop(ctx); err != nil {
			logger.WarnKV(ctx, "Failed to stop services before restore", "error", err)
		}
	}

	files, extractErr := archive.Extract(ctx, src, s.root)
	if extractErr == nil {
		logger.InfoKV(ctx, "Backup extracted", "files", files, "root", s.root)
	}

	var startErr error
	if s.services != nil {
		startErr = s.services.Start(ctx)
	}

	return errors.Join(extractErr, startErr)
}

// ScriptStrategy delegates to the backup and rollback scripts shipped with the appliance.
type ScriptStrategy struct {
	backupScript   string
	rollbackScript string
	backupDir      string
	root           string
	runner         process.Runner
	timeout        time.Duration
	restoreTimeout time.Duration
	fallback       Strategy
}

// Name implements Strategy.
func (s *ScriptStrategy) Name() string {
	return "script"
}

// Create runs backup.sh, then renames the newest backup-*.tar.gz it produced to dst.
func (s *ScriptStrategy) Create(ctx context.Context, dst string) error {
	err := s.runBackupScript(ctx, dst)
	if err == nil {
		return nil
	}

	logger.WarnKV(ctx, "Backup script failed, creating archive backup", "error", err)

	return s.fallback.Create(ctx, dst)
}

func (s *ScriptStrategy) runBackupScript(ctx context.Context, dst string) error {
	if _, err := s.runner.Run(ctx, process.Command{
		Name:    "bash",
		Args:    []string{s.backupScript},
		Dir:     s.root,
		Timeout: s.timeout,
	}); err != nil {
		return err
	}

	produced, err := newestScriptArchive(s.backupDir)
	if err != nil {
		return err
	}

	if err = os.Rename(produced, dst); err != nil {
		return fmt.Errorf("rename script backup: %w", err)
	}

	return nil
}

// Restore runs rollback.sh with the backup path and falls back to the archive strategy.
func (s *ScriptStrategy) Restore(ctx context.Context, src string) error {
	if fileExists(s.rollbackScript) {
		_, err := s.runner.Run(ctx, process.Command{
			Name:    "bash",
			Args:    []string{s.rollbackScript, src},
			Dir:     s.root,
			Timeout: s.restoreTimeout,
		})
		if err == nil {
			return nil
		}

		logger.WarnKV(ctx, "Rollback script failed, restoring archive", "error", err)
	}

	return s.fallback.Restore(ctx, src)
}

// newestScriptArchive finds the newest backup-*.tar.gz in the backup directory.
func newestScriptArchive(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "backup-*"+archiveExtension))
	if err != nil {
		return "", err
	}

	if len(matches) == 0 {
		return "", errScriptProducedNothing
	}

	slices.SortFunc(matches, func(a, b string) int {
		return strings.Compare(filepath.Base(b), filepath.Base(a))
	})

	return matches[0], nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, timeout)
}
