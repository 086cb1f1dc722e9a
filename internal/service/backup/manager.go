package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/oshokin/appliance-updater/internal/config"
	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/logger"
	"github.com/oshokin/appliance-updater/internal/service/archive"
	"github.com/oshokin/appliance-updater/internal/service/process"
)

const (
	// archiveExtension is the suffix of every backup file.
	archiveExtension = ".tar.gz"
	// namePrefix starts the name of backups taken before an update.
	namePrefix = "pre-update-"
	// timestampLayout is filesystem safe and sorts chronologically.
	timestampLayout = "2006-01-02T15-04-05.000Z"

	backupScript   = "backup.sh"
	rollbackScript = "rollback.sh"
)

// volatilePatterns never end up in archive backups.
var volatilePatterns = []string{
	"backups/",
	"web-manager/node_modules/",
	"adguard/work/data/sessions.db",
	"wireguard/config/peer*/*.png",
}

// secretPatterns are left out of archive backups unless secrets are included.
var secretPatterns = []string{
	".env",
	"*.key",
	"*.pem",
}

// ServiceSwitch stops and starts the managed services around a restore.
type ServiceSwitch interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// Strategy creates and restores backups.
type Strategy interface {
	Name() string
	Create(ctx context.Context, dst string) error
	Restore(ctx context.Context, src string) error
}

// Manager owns the backup directory of the appliance.
type Manager struct {
	dir      string
	strategy Strategy
	now      func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the clock used to name backups.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithStrategy replaces the strategy chosen at construction.
func WithStrategy(strategy Strategy) Option {
	return func(m *Manager) {
		m.strategy = strategy
	}
}

// NewManager creates a manager and selects its strategy once.
func NewManager(
	paths config.PathsConfig,
	cfg config.BackupConfig,
	runner process.Runner,
	services ServiceSwitch,
	options ...Option,
) *Manager {
	patterns := slices.Clone(volatilePatterns)
	if !cfg.IncludeSecrets {
		patterns = append(patterns, secretPatterns...)
	}

	patterns = append(patterns, cfg.Exclude...)

	if rel, err := filepath.Rel(paths.ProjectRoot, paths.BackupDir); err == nil && !strings.HasPrefix(rel, "..") && rel != "." {
		patterns = append(patterns, filepath.ToSlash(rel)+"/")
	}

	var strategy Strategy = &ArchiveStrategy{
		root:           paths.ProjectRoot,
		exclude:        archive.NewMatcher(patterns...),
		services:       services,
		timeout:        cfg.Timeout,
		restoreTimeout: cfg.RestoreTimeout,
	}

	scriptsDir := paths.ScriptsDir
	if fileExists(filepath.Join(scriptsDir, backupScript)) {
		strategy = &ScriptStrategy{
			backupScript:   filepath.Join(scriptsDir, backupScript),
			rollbackScript: filepath.Join(scriptsDir, rollbackScript),
			backupDir:      paths.BackupDir,
			root:           paths.ProjectRoot,
			runner:         runner,
			timeout:        cfg.Timeout,
			restoreTimeout: cfg.RestoreTimeout,
			fallback:       strategy,
		}
	}

	m := &Manager{
		dir:      paths.BackupDir,
		strategy: strategy,
		now:      time.Now,
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// Dir returns the backup directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Strategy returns the name of the selected strategy.
func (m *Manager) Strategy() string {
	return m.strategy.Name()
}

// CreateBackup snapshots the appliance into pre-update-<label>-<timestamp>.tar.gz.
func (m *Manager) CreateBackup(ctx context.Context, label string) (string, error) {
	if err := os.MkdirAll(m.dir, config.DefaultDirPermissions); err != nil {
		return "", fmt.Errorf("create backup directory: %w: %w", domain.ErrBackupFailed, err)
	}

	timestamp := strings.ReplaceAll(m.now().UTC().Format(timestampLayout), ".", "-")
	dst := filepath.Join(m.dir, namePrefix+sanitizeLabel(label)+"-"+timestamp+archiveExtension)

	if err := m.strategy.Create(ctx, dst); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("%w: %w", domain.ErrBackupFailed, err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrBackupFailed, err)
	}

	if info.Size() == 0 {
		_ = os.Remove(dst)
		return "", fmt.Errorf("%w: backup file is empty", domain.ErrBackupFailed)
	}

	logger.InfoKV(ctx, "Backup created", "path", dst, "size", info.Size(), "strategy", m.strategy.Name())

	return dst, nil
}

// RestoreBackup brings the appliance back to the state captured in path.
func (m *Manager) RestoreBackup(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fmt.Errorf("backup %s: %w", path, domain.ErrNotFound)
	}

	if err = m.strategy.Restore(ctx, path); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrRollbackFailed, filepath.Base(path), err)
	}

	logger.InfoKV(ctx, "Backup restored", "path", path, "strategy", m.strategy.Name())

	return nil
}

// ListBackups returns the backups newest first. A missing directory means no backups.
func (m *Manager) ListBackups(_ context.Context) ([]*domain.BackupRecord, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*domain.BackupRecord{}, nil
		}

		return nil, fmt.Errorf("list backups: %w", err)
	}

	records := make([]*domain.BackupRecord, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), archiveExtension) {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		records = append(records, &domain.BackupRecord{
			Name:      entry.Name(),
			Path:      filepath.Join(m.dir, entry.Name()),
			Size:      info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
	}

	slices.SortStableFunc(records, func(a, b *domain.BackupRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(b.Name, a.Name)
	})

	return records, nil
}

// MostRecent returns the path of the newest backup.
func (m *Manager) MostRecent(ctx context.Context) (string, error) {
	records, err := m.ListBackups(ctx)
	if err != nil {
		return "", err
	}

	if len(records) == 0 {
		return "", domain.ErrNoBackupAvailable
	}

	return records[0].Path, nil
}

// Contains reports whether path is a backup file inside the backup directory.
func (m *Manager) Contains(path string) bool {
	rel, err := filepath.Rel(filepath.Clean(m.dir), filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return false
	}

	return fileExists(path)
}

// CleanupOldBackups deletes all but the keep newest backups and returns how many were deleted.
// Files that cannot be removed are logged and skipped.
func (m *Manager) CleanupOldBackups(ctx context.Context, keep int) (int, error) {
	records, err := m.ListBackups(ctx)
	if err != nil {
		return 0, err
	}

	if keep < 0 {
		keep = 0
	}

	if len(records) <= keep {
		return 0, nil
	}

	deleted := 0

	for _, record := range slices.Backward(records[keep:]) {
		if err = os.Remove(record.Path); err != nil {
			logger.WarnKV(ctx, "Failed to delete old backup", "name", record.Name, "error", err)
			continue
		}

		deleted++

		logger.InfoKV(ctx, "Deleted old backup", "name", record.Name)
	}

	return deleted, nil
}

func sanitizeLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "unknown"
	}

	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '+', r == '_':
			return r
		default:
			return '_'
		}
	}, label)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}
