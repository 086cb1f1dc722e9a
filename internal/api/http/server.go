package http

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"github.com/oshokin/appliance-updater/internal/config"
	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/logger"
	"github.com/oshokin/appliance-updater/internal/service/services"
)

// RequestIDHeader carries the request id echoed in responses and logs.
const RequestIDHeader = "X-Request-ID"

// Updater is the orchestrator surface the API drives.
type Updater interface {
	Start(ctx context.Context, version string) error
	Rollback(ctx context.Context, backupPath string) (string, error)
	CheckForUpdate(ctx context.Context) (*domain.VersionComparison, error)
	Status() domain.Snapshot
	Subscribe() (<-chan domain.Snapshot, func())
	NeedsManualIntervention() bool
}

// Releases reads version information.
type Releases interface {
	InstalledVersion(ctx context.Context) (string, error)
	LatestRelease(ctx context.Context) (*domain.ReleaseDescriptor, error)
}

// Backups lists backup archives.
type Backups interface {
	ListBackups(ctx context.Context) ([]*domain.BackupRecord, error)
}

// History lists finished runs.
type History interface {
	List(ctx context.Context, limit int) ([]*domain.HistoryEntry, error)
}

// Services reports managed service health and logs.
type Services interface {
	CheckHealth(ctx context.Context) (*services.HealthReport, error)
	Logs(ctx context.Context, name string, lines int) (string, error)
}

// Dependencies are the collaborators of a Server. History is optional.
type Dependencies struct {
	Updater  Updater
	Releases Releases
	Backups  Backups
	History  History
	Services Services
}

// Server is the HTTP front of the updater daemon.
type Server struct {
	app  *fiber.App
	deps Dependencies
	// baseCtx carries the daemon logger and ends open streams on shutdown.
	baseCtx context.Context
	now     func() time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithClock replaces the clock used for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer builds the fiber application and registers every route.
func NewServer(ctx context.Context, deps Dependencies, cfg config.ServerConfig, options ...Option) *Server {
	s := &Server{
		deps:    deps,
		baseCtx: logger.WithName(ctx, "http"),
		now:     time.Now,
	}

	for _, option := range options {
		option(s)
	}

	s.app = fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          s.handleError,
		DisableStartupMessage: true,
	})

	s.app.Use(recover.New())
	s.app.Use(s.requestContext)

	s.routes()

	return s
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	logger.InfoKV(s.baseCtx, "HTTP API listening", "address", ln.Addr().String())

	return s.app.Listener(ln)
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) routes() {
	s.app.Get("/health", s.health)

	api := s.app.Group("/api")

	update := api.Group("/update")
	update.Post("/install", s.install)
	update.Get("/status", s.status)
	update.Post("/rollback", s.rollback)
	update.Get("/history", s.history)
	update.Use("/stream", requireUpgrade)
	update.Get("/stream", websocket.New(s.stream))

	versions := api.Group("/version")
	versions.Get("/current", s.currentVersion)
	versions.Get("/latest", s.latestVersion)
	versions.Get("/check", s.checkVersion)

	api.Get("/backups", s.backups)
	api.Get("/services/health", s.servicesHealth)
	api.Get("/services/:name/logs", s.serviceLogs)
}

// requestContext tags the request with an id and a scoped logger, then logs the access.
func (s *Server) requestContext(c *fiber.Ctx) error {
	requestID := c.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	c.Set(RequestIDHeader, requestID)

	ctx := logger.WithKV(s.baseCtx, "request_id", requestID)
	c.SetUserContext(ctx)

	start := s.now()
	err := c.Next()

	logger.DebugKV(ctx, "HTTP request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"latency_ms", s.now().Sub(start).Milliseconds(),
		"client_ip", c.IP(),
	)

	return err
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}

	return fiber.ErrUpgradeRequired
}

// handleError renders errors as {"error": "..."} with a status derived from the error kind.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusOf(err)

	ctx := c.UserContext()
	if code >= fiber.StatusInternalServerError {
		logger.ErrorKV(ctx, "Request failed", "method", c.Method(), "path", c.Path(), "status", code, "error", err)
	} else {
		logger.WarnKV(ctx, "Request rejected", "method", c.Method(), "path", c.Path(), "status", code, "error", err)
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func statusOf(err error) int {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code
	}

	switch {
	case errors.Is(err, domain.ErrInvalidVersion), errors.Is(err, services.ErrInvalidServiceName):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyRunning):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrNoBackupAvailable),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrNoReleases):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUntrustedSource):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}
