package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/version"
)

const (
	defaultHistoryLimit = 20
	defaultLogLines     = 100
	unknownVersion      = "unknown"
)

type installRequest struct {
	Version string `json:"version"`
}

type rollbackRequest struct {
	BackupPath string `json:"backupPath"`
}

type backupView struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Created   string `json:"created"`
}

func (s *Server) install(c *fiber.Ctx) error {
	var req installRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	err := s.deps.Updater.Start(c.UserContext(), req.Version)

	switch {
	case errors.Is(err, domain.ErrInvalidVersion):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid version format",
		})
	case errors.Is(err, domain.ErrAlreadyRunning):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":  "Update already in progress",
			"status": s.deps.Updater.Status(),
		})
	case err != nil:
		return err
	}

	return c.JSON(fiber.Map{
		"status":  "started",
		"message": "Update process initiated",
		"version": req.Version,
	})
}

func (s *Server) status(c *fiber.Ctx) error {
	return c.JSON(s.deps.Updater.Status())
}

func (s *Server) rollback(c *fiber.Ctx) error {
	var req rollbackRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
	}

	path, err := s.deps.Updater.Rollback(c.UserContext(), req.BackupPath)

	switch {
	case errors.Is(err, domain.ErrNoBackupAvailable):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No backup found",
		})
	case errors.Is(err, domain.ErrAlreadyRunning):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":  "Update already in progress",
			"status": s.deps.Updater.Status(),
		})
	case err != nil:
		return err
	}

	return c.JSON(fiber.Map{
		"status":  "started",
		"message": "Rollback initiated",
		"backup":  path,
	})
}

func (s *Server) history(c *fiber.Ctx) error {
	if s.deps.History == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "Run history is disabled")
	}

	runs, err := s.deps.History.List(c.UserContext(), c.QueryInt("limit", defaultHistoryLimit))
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"count":     len(runs),
		"runs":      runs,
		"timestamp": s.timestamp(),
	})
}

func (s *Server) currentVersion(c *fiber.Ctx) error {
	installed, err := s.deps.Releases.InstalledVersion(c.UserContext())
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"version":   installed,
		"timestamp": s.timestamp(),
	})
}

func (s *Server) latestVersion(c *fiber.Ctx) error {
	release, err := s.deps.Releases.LatestRelease(c.UserContext())
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"version":       release.Version,
		"release_date":  release.PublishedAt,
		"release_notes": release.ReleaseNotes,
		"prerelease":    release.Prerelease,
		"timestamp":     s.timestamp(),
	})
}

func (s *Server) checkVersion(c *fiber.Ctx) error {
	comparison, err := s.deps.Updater.CheckForUpdate(c.UserContext())
	if err != nil {
		return err
	}

	body := fiber.Map{
		"current_version":  comparison.Installed,
		"latest_version":   comparison.Latest,
		"update_available": comparison.UpdateAvailable,
		"timestamp":        s.timestamp(),
	}

	if release := comparison.Release; release != nil {
		body["release_date"] = release.PublishedAt
		body["release_notes"] = release.ReleaseNotes
		body["download_url"] = release.DownloadURL
		body["sha256_url"] = release.ChecksumURL
		body["prerelease"] = release.Prerelease
	}

	return c.JSON(body)
}

func (s *Server) backups(c *fiber.Ctx) error {
	records, err := s.deps.Backups.ListBackups(c.UserContext())
	if err != nil {
		return err
	}

	views := make([]backupView, 0, len(records))
	for _, record := range records {
		views = append(views, backupView{
			Name:      record.Name,
			Path:      record.Path,
			SizeBytes: record.Size,
			Created:   record.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	return c.JSON(fiber.Map{
		"count":     len(views),
		"backups":   views,
		"timestamp": s.timestamp(),
	})
}

func (s *Server) servicesHealth(c *fiber.Ctx) error {
	report, err := s.deps.Services.CheckHealth(c.UserContext())
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"healthy":   report.Healthy,
		"services":  report.Services,
		"timestamp": s.timestamp(),
	})
}

func (s *Server) serviceLogs(c *fiber.Ctx) error {
	name := c.Params("name")
	lines := c.QueryInt("lines", defaultLogLines)

	logs, err := s.deps.Services.Logs(c.UserContext(), name, lines)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"container": name,
		"lines":     lines,
		"logs":      logs,
		"timestamp": s.timestamp(),
	})
}

// health answers liveness probes. It reports degraded while a failed rollback awaits an operator.
func (s *Server) health(c *fiber.Ctx) error {
	installed, err := s.deps.Releases.InstalledVersion(c.UserContext())
	if err != nil {
		installed = unknownVersion
	}

	status := "healthy"
	if s.deps.Updater.NeedsManualIntervention() {
		status = "degraded"
	}

	return c.JSON(fiber.Map{
		"status":    status,
		"service":   version.Name,
		"version":   installed,
		"updater":   version.Short(),
		"timestamp": s.timestamp(),
	})
}
