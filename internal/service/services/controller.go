package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oshokin/appliance-updater/internal/config"
	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/logger"
	"github.com/oshokin/appliance-updater/internal/service/process"
)

const (
	// runningState is the docker state of a running container.
	runningState = "running"
	// dnsProbeMarker must appear in a successful nslookup answer.
	dnsProbeMarker = "Address:"

	defaultLogLines = 100
	maxLogLines     = 5000
)

var (
	// ErrInvalidServiceName is returned for names that are not plain container names.
	ErrInvalidServiceName = errors.New("invalid service name")
	// ErrProbeFailed is returned when a functional probe does not pass.
	ErrProbeFailed = errors.New("probe failed")

	serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
)

// ServiceStatus is the state of one managed container.
type ServiceStatus struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Running bool   `json:"running"`
}

// HealthReport summarises the managed service set.
type HealthReport struct {
	// Healthy is true when at least one managed service exists and all of them run.
	Healthy  bool            `json:"healthy"`
	Services []ServiceStatus `json:"services"`
}

// TunnelLookup checks that a WireGuard interface is configured on the host.
type TunnelLookup func(ctx context.Context, name string) error

// Controller drives docker and compose for the managed services.
type Controller struct {
	runner      process.Runner
	cfg         config.ServicesConfig
	health      config.HealthConfig
	projectRoot string

	tunnelLookup TunnelLookup
	sleep        func(ctx context.Context, d time.Duration) error
}

// Option customises a Controller.
type Option func(*Controller)

// WithTunnelLookup replaces the WireGuard device lookup.
func WithTunnelLookup(lookup TunnelLookup) Option {
	return func(c *Controller) {
		c.tunnelLookup = lookup
	}
}

// WithSleep replaces the pause used between retries and restart steps.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.sleep = sleep
	}
}

// NewController creates a controller for the services under projectRoot.
func NewController(
	runner process.Runner,
	cfg config.ServicesConfig,
	health config.HealthConfig,
	projectRoot string,
	options ...Option,
) *Controller {
	c := &Controller{
		runner:       runner,
		cfg:          cfg,
		health:       health,
		projectRoot:  projectRoot,
		tunnelLookup: LookupWireGuardDevice,
		sleep:        Sleep,
	}

	for _, option := range options {
		option(c)
	}

	return c
}

// CheckHealth lists the managed containers and reports whether all of them run.
// An error means the container runtime could not be queried.
func (c *Controller) CheckHealth(ctx context.Context) (*HealthReport, error) {
	result, err := c.runner.Run(ctx, process.Command{
		Name: c.cfg.DockerCommand,
		Args: []string{
			"ps", "-a",
			"--filter", "name=" + c.cfg.Prefix,
			"--format", "{{.Names}}\t{{.State}}",
		},
		Timeout: c.cfg.StatusTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}

	report := &HealthReport{
		Services: parseServiceList(result.Stdout),
	}

	report.Healthy = len(report.Services) > 0
	for _, service := range report.Services {
		if !service.Running {
			report.Healthy = false
		}
	}

	return report, nil
}

// PullImages fetches the images referenced by the compose project.
func (c *Controller) PullImages(ctx context.Context) error {
	if _, err := c.runner.Run(ctx, c.compose(c.cfg.PullTimeout, "pull")); err != nil {
		return fmt.Errorf("pull images: %w: %w", domain.ErrServiceUpdateFailed, err)
	}

	return nil
}

// RestartServices stops the compose project, pauses and starts it again.
func (c *Controller) RestartServices(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}

	if err := c.sleep(ctx, c.cfg.RestartPause); err != nil {
		return fmt.Errorf("restart services: %w", err)
	}

	return c.Start(ctx)
}

// Stop brings the compose project down.
func (c *Controller) Stop(ctx context.Context) error {
	if _, err := c.runner.Run(ctx, c.compose(c.cfg.StopTimeout, "down")); err != nil {
		return fmt.Errorf("stop services: %w: %w", domain.ErrServiceUpdateFailed, err)
	}

	return nil
}

// Start brings the compose project up in the background.
func (c *Controller) Start(ctx context.Context) error {
	if _, err := c.runner.Run(ctx, c.compose(c.cfg.StartTimeout, "up", "-d")); err != nil {
		return fmt.Errorf("start services: %w: %w", domain.ErrServiceUpdateFailed, err)
	}

	return nil
}

// VerifyServices polls CheckHealth up to maxRetries times, pausing retryDelay between attempts.
func (c *Controller) VerifyServices(ctx context.Context, maxRetries int, retryDelay time.Duration) bool {
	if maxRetries <= 0 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		report, err := c.CheckHealth(ctx)

		switch {
		case err != nil:
			logger.WarnKV(ctx, "Service health check failed", "attempt", attempt, "error", err)
		case report.Healthy:
			logger.InfoKV(ctx, "All services are running", "attempt", attempt, "services", len(report.Services))
			return true
		default:
			logger.InfoKV(ctx, "Services are not running yet", "attempt", attempt, "max_retries", maxRetries)
		}

		if attempt == maxRetries {
			break
		}

		if err = c.sleep(ctx, retryDelay); err != nil {
			return false
		}
	}

	return false
}

// TestConnectivityProbe resolves a host through the DNS service inside its container.
func (c *Controller) TestConnectivityProbe(ctx context.Context) error {
	result, err := c.runner.Run(ctx, process.Command{
		Name: c.cfg.DockerCommand,
		Args: []string{
			"exec", c.containerName(c.health.DNSService),
			"nslookup", c.health.DNSLookupHost, "127.0.0.1",
		},
		Timeout: c.health.ProbeTimeout,
	})
	if err != nil {
		return fmt.Errorf("dns probe: %w: %w", ErrProbeFailed, err)
	}

	if !strings.Contains(result.Stdout, dnsProbeMarker) {
		return fmt.Errorf("dns probe: %w: no address in answer", ErrProbeFailed)
	}

	return nil
}

// TestTunnelProbe checks the VPN tunnel. A configured host interface is looked up
// directly, otherwise the tunnel container is asked for its status.
func (c *Controller) TestTunnelProbe(ctx context.Context) error {
	if name := c.health.TunnelInterface; name != "" {
		probeCtx, cancel := context.WithTimeout(ctx, c.health.ProbeTimeout)
		defer cancel()

		if err := c.tunnelLookup(probeCtx, name); err != nil {
			return fmt.Errorf("tunnel probe: %w: %w", ErrProbeFailed, err)
		}

		return nil
	}

	_, err := c.runner.Run(ctx, process.Command{
		Name:    c.cfg.DockerCommand,
		Args:    []string{"exec", c.containerName(c.health.TunnelService), "wg", "show"},
		Timeout: c.health.ProbeTimeout,
	})
	if err != nil {
		return fmt.Errorf("tunnel probe: %w: %w", ErrProbeFailed, err)
	}

	return nil
}

// Logs returns the last lines of a managed container's log.
// Names without the managed prefix get it prepended.
func (c *Controller) Logs(ctx context.Context, name string, lines int) (string, error) {
	if !serviceNamePattern.MatchString(name) {
		return "", fmt.Errorf("%q: %w", name, ErrInvalidServiceName)
	}

	if lines <= 0 {
		lines = defaultLogLines
	}

	lines = min(lines, maxLogLines)

	result, err := c.runner.Run(ctx, process.Command{
		Name:    c.cfg.DockerCommand,
		Args:    []string{"logs", "--tail", strconv.Itoa(lines), c.containerName(name)},
		Timeout: c.cfg.StatusTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("read service logs: %w", err)
	}

	return result.Output(), nil
}

func (c *Controller) containerName(service string) string {
	if strings.HasPrefix(service, c.cfg.Prefix) {
		return service
	}

	return c.cfg.Prefix + service
}

func (c *Controller) compose(timeout time.Duration, args ...string) process.Command {
	name, base := "docker", []string{"compose"}
	if len(c.cfg.ComposeCommand) > 0 {
		name, base = c.cfg.ComposeCommand[0], c.cfg.ComposeCommand[1:]
	}

	return process.Command{
		Name:    name,
		Args:    append(append([]string{}, base...), args...),
		Dir:     c.projectRoot,
		Timeout: timeout,
	}
}

func parseServiceList(output string) []ServiceStatus {
	result := make([]ServiceStatus, 0)

	for line := range strings.SplitSeq(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		name, state, _ := strings.Cut(line, "\t")
		state = strings.ToLower(strings.TrimSpace(state))

		result = append(result, ServiceStatus{
			Name:    strings.TrimSpace(name),
			State:   state,
			Running: state == runningState,
		})
	}

	return result
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
