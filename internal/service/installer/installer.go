package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/oshokin/appliance-updater/internal/config"
	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/logger"
	"github.com/oshokin/appliance-updater/internal/service/archive"
	"github.com/oshokin/appliance-updater/internal/service/process"
)

const updateScript = "update.sh"

// preservedPatterns hold user and runtime state that releases never overwrite.
var preservedPatterns = []string{
	"wireguard/config/",
	"adguard/work/",
	"adguard/conf/AdGuardHome.yaml",
	".env",
	"backups/",
	"web-manager/node_modules/",
}

// PreservedPatterns returns the appliance paths a release never overwrites.
func PreservedPatterns() []string {
	return slices.Clone(preservedPatterns)
}

// VersionWriter records the installed version.
type VersionWriter interface {
	Save(ctx context.Context, version string) error
}

// Strategy puts the release files in place.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, artifact, version string) error
}

// Installer applies releases with the strategy chosen at construction.
type Installer struct {
	strategy Strategy
	marker   VersionWriter
	timeout  time.Duration
}

// New creates an installer. The update script is used when the appliance ships one.
func New(paths config.PathsConfig, timeout time.Duration, runner process.Runner, marker VersionWriter) *Installer {
	var strategy Strategy = &ArchiveStrategy{
		root:    paths.ProjectRoot,
		tempDir: paths.TempDir,
		exclude: archive.NewMatcher(preservedPatterns...),
	}

	script := filepath.Join(paths.ScriptsDir, updateScript)
	if info, err := os.Stat(script); err == nil && !info.IsDir() {
		strategy = &ScriptStrategy{
			script: script,
			root:   paths.ProjectRoot,
			runner: runner,
		}
	}

	return NewWithStrategy(strategy, timeout, marker)
}

// NewWithStrategy creates an installer around an explicit strategy.
func NewWithStrategy(strategy Strategy, timeout time.Duration, marker VersionWriter) *Installer {
	return &Installer{
		strategy: strategy,
		marker:   marker,
		timeout:  timeout,
	}
}

// Strategy returns the name of the selected strategy.
func (i *Installer) Strategy() string {
	return i.strategy.Name()
}

// Install applies the artifact and records version as installed.
func (i *Installer) Install(ctx context.Context, artifact, version string) error {
	if i.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	if err := i.strategy.Apply(ctx, artifact, version); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrInstallFailed, i.strategy.Name(), err)
	}

	if err := i.marker.Save(ctx, version); err != nil {
		return fmt.Errorf("%w: record version: %w", domain.ErrInstallFailed, err)
	}

	logger.InfoKV(ctx, "Release installed", "version", version, "strategy", i.strategy.Name())

	return nil
}

// ScriptStrategy runs the appliance's update.sh with the version and artifact path.
type ScriptStrategy struct {
	script string
	root   string
	runner process.Runner
}

// Name implements Strategy.
func (s *ScriptStrategy) Name() string {
	return "script"
}

// Apply implements Strategy.
func (s *ScriptStrategy) Apply(ctx context.Context, artifact, version string) error {
	result, err := s.runner.Run(ctx, process.Command{
		Name: "bash",
		Args: []string{s.script, version, artifact},
		Dir:  s.root,
	})
	if err != nil {
		return err
	}

	logger.DebugKV(ctx, "Update script finished", "output", result.Output(), "duration", result.Duration)

	return nil
}

// ArchiveStrategy extracts the release and copies it over the tree, leaving user state alone.
type ArchiveStrategy struct {
	root    string
	tempDir string
	exclude *archive.Matcher
}

// Name implements Strategy.
func (s *ArchiveStrategy) Name() string {
	return "archive"
}

// Apply implements Strategy.
func (s *ArchiveStrategy) Apply(ctx context.Context, artifact, version string) error {
	if err := os.MkdirAll(s.tempDir, config.DefaultDirPermissions); err != nil {
		return fmt.Errorf("create temp directory: %w", err)
	}

	workDir, err := os.MkdirTemp(s.tempDir, "update-"+version+"-")
	if err != nil {
		return fmt.Errorf("create extraction directory: %w", err)
	}

	defer func() {
		_ = os.RemoveAll(workDir)
	}()

	extracted, err := archive.Extract(ctx, artifact, workDir)
	if err != nil {
		return err
	}

	if extracted == 0 {
		return archive.ErrEmptyArchive
	}

	releaseRoot, err := archive.SingleRoot(workDir)
	if err != nil {
		return err
	}

	copied, err := archive.CopyTree(ctx, releaseRoot, s.root, s.exclude)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Release files copied", "files", copied, "root", s.root)

	return nil
}
