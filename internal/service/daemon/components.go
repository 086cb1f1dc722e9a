package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oshokin/appliance-updater/internal/config"
	"github.com/oshokin/appliance-updater/internal/logger"
	"github.com/oshokin/appliance-updater/internal/repository/history"
	"github.com/oshokin/appliance-updater/internal/repository/state"
	"github.com/oshokin/appliance-updater/internal/service/backup"
	"github.com/oshokin/appliance-updater/internal/service/installer"
	"github.com/oshokin/appliance-updater/internal/service/orchestrator"
	"github.com/oshokin/appliance-updater/internal/service/process"
	"github.com/oshokin/appliance-updater/internal/service/release"
	"github.com/oshokin/appliance-updater/internal/service/runlock"
	"github.com/oshokin/appliance-updater/internal/service/services"
)

// Components is the fully wired updater.
type Components struct {
	Config       *config.Config
	Marker       *state.FileRepository
	Releases     *release.Client
	Backups      *backup.Manager
	Services     *services.Controller
	Installer    *installer.Installer
	History      *history.SQLiteRepository
	Lock         *runlock.Lock
	Orchestrator *orchestrator.Orchestrator
}

// Build creates every component from cfg. Background runs started later are bound to ctx.
func Build(ctx context.Context, cfg *config.Config) (*Components, error) {
	if err := os.MkdirAll(cfg.Paths.StateDir, config.DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	runner := process.NewExecRunner()

	c := &Components{
		Config: cfg,
		Marker: state.NewFileRepository(cfg.Paths.VersionFile),
		Lock:   runlock.New(filepath.Join(cfg.Paths.StateDir, runlock.Filename)),
	}

	c.Releases = release.NewClient(cfg.Release, c.Marker)
	c.Services = services.NewController(runner, cfg.Services, cfg.Health, cfg.Paths.ProjectRoot)
	c.Backups = backup.NewManager(cfg.Paths, cfg.Backup, runner, c.Services)
	c.Installer = installer.New(cfg.Paths, cfg.Update.InstallTimeout, runner, c.Marker)

	historyDB, err := history.Open(ctx, filepath.Join(cfg.Paths.StateDir, history.DatabaseFilename))
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}

	c.History = historyDB

	c.Orchestrator = orchestrator.New(ctx, orchestrator.Dependencies{
		Backups:   c.Backups,
		Releases:  c.Releases,
		Services:  c.Services,
		Installer: c.Installer,
		History:   c.History,
		Lock:      c.Lock,
	}, cfg.Update, cfg.Paths)

	logger.DebugKV(ctx, "Components ready",
		"project_root", cfg.Paths.ProjectRoot,
		"backup_strategy", c.Backups.Strategy(),
		"install_strategy", c.Installer.Strategy(),
		"state_dir", cfg.Paths.StateDir,
	)

	return c, nil
}

// Close drops status subscribers and closes the history store.
func (c *Components) Close() error {
	var errs []error

	if c.Orchestrator != nil {
		c.Orchestrator.Close()
	}

	if c.History != nil {
		if err := c.History.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close run history: %w", err))
		}
	}

	return errors.Join(errs...)
}
