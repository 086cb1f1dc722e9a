package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the appliance updater.
type Config struct {
	// Log configures the zap logger.
	Log LogConfig `yaml:"log" mapstructure:"log"`
	// Server configures the request layer listeners.
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	// Paths locates the appliance tree and the updater working files.
	Paths PathsConfig `yaml:"paths" mapstructure:"paths"`
	// Release configures the release source and its trust policy.
	Release ReleaseConfig `yaml:"release" mapstructure:"release"`
	// Update tunes the orchestrator phases.
	Update UpdateConfig `yaml:"update" mapstructure:"update"`
	// Backup tunes the backup manager.
	Backup BackupConfig `yaml:"backup" mapstructure:"backup"`
	// Services configures the managed service set.
	Services ServicesConfig `yaml:"services" mapstructure:"services"`
	// Health configures the functional probes.
	Health HealthConfig `yaml:"health" mapstructure:"health"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level    string `yaml:"level" mapstructure:"level"`
	Encoding string `yaml:"encoding" mapstructure:"encoding"`
}

// ServerConfig holds listener settings of the daemon.
type ServerConfig struct {
	// HTTPAddress is the listen address of the HTTP API.
	HTTPAddress string `yaml:"http_addr" mapstructure:"http_addr"`
	// GRPCAddress is the listen address of the gRPC health service, empty disables it.
	GRPCAddress string `yaml:"grpc_addr" mapstructure:"grpc_addr"`
	// ReadTimeout bounds reading a request.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	// WriteTimeout bounds writing a response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// PathsConfig locates files on the appliance.
type PathsConfig struct {
	ProjectRoot string `yaml:"project_root" mapstructure:"project_root"`
	VersionFile string `yaml:"version_file" mapstructure:"version_file"`
	BackupDir   string `yaml:"backup_dir" mapstructure:"backup_dir"`
	TempDir     string `yaml:"temp_dir" mapstructure:"temp_dir"`
	ScriptsDir  string `yaml:"scripts_dir" mapstructure:"scripts_dir"`
	// StateDir holds the run lock and the history database.
	StateDir string `yaml:"state_dir" mapstructure:"state_dir"`
}

// ReleaseConfig describes where releases come from and which sources are trusted.
type ReleaseConfig struct {
	APIURL       string        `yaml:"api_url" mapstructure:"api_url"`
	Repository   string        `yaml:"repository" mapstructure:"repository"`
	Token        string        `yaml:"token" mapstructure:"token"`
	AllowedHosts []string      `yaml:"allowed_hosts" mapstructure:"allowed_hosts"`
	AllowedRepos []string      `yaml:"allowed_repos" mapstructure:"allowed_repos"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// UpdateConfig tunes the update run.
type UpdateConfig struct {
	MinFreeSpace     uint64        `yaml:"min_free_space_bytes" mapstructure:"min_free_space_bytes"`
	DownloadTimeout  time.Duration `yaml:"download_timeout" mapstructure:"download_timeout"`
	ChecksumTimeout  time.Duration `yaml:"checksum_timeout" mapstructure:"checksum_timeout"`
	InstallTimeout   time.Duration `yaml:"install_timeout" mapstructure:"install_timeout"`
	SettleDelay      time.Duration `yaml:"settle_delay" mapstructure:"settle_delay"`
	HealthRetries    int           `yaml:"health_retries" mapstructure:"health_retries"`
	HealthRetryDelay time.Duration `yaml:"health_retry_delay" mapstructure:"health_retry_delay"`
	KeepBackups      int           `yaml:"keep_backups" mapstructure:"keep_backups"`
}

// BackupConfig tunes backup creation and restore.
type BackupConfig struct {
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RestoreTimeout time.Duration `yaml:"restore_timeout" mapstructure:"restore_timeout"`
	// IncludeSecrets keeps .env and key files in archive backups.
	IncludeSecrets bool `yaml:"include_secrets" mapstructure:"include_secrets"`
	// Exclude lists extra slash-separated glob patterns relative to the project root.
	Exclude []string `yaml:"exclude" mapstructure:"exclude"`
}

// ServicesConfig describes the managed service set.
type ServicesConfig struct {
	Prefix         string        `yaml:"prefix" mapstructure:"prefix"`
	DockerCommand  string        `yaml:"docker_command" mapstructure:"docker_command"`
	ComposeCommand []string      `yaml:"compose_command" mapstructure:"compose_command"`
	PullTimeout    time.Duration `yaml:"pull_timeout" mapstructure:"pull_timeout"`
	StopTimeout    time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout"`
	StartTimeout   time.Duration `yaml:"start_timeout" mapstructure:"start_timeout"`
	RestartPause   time.Duration `yaml:"restart_pause" mapstructure:"restart_pause"`
	StatusTimeout  time.Duration `yaml:"status_timeout" mapstructure:"status_timeout"`
}

// HealthConfig configures functional probes.
type HealthConfig struct {
	ProbeTimeout    time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	DNSService      string        `yaml:"dns_service" mapstructure:"dns_service"`
	DNSLookupHost   string        `yaml:"dns_lookup_host" mapstructure:"dns_lookup_host"`
	TunnelService   string        `yaml:"tunnel_service" mapstructure:"tunnel_service"`
	TunnelInterface string        `yaml:"tunnel_interface" mapstructure:"tunnel_interface"`
}

const (
	// DefaultConfigFilename is the default settings file name.
	DefaultConfigFilename = "appliance-updater.yaml"

	// EnvPrefix prefixes environment overrides, e.g. APPLIANCE_UPDATER_RELEASE_TOKEN.
	EnvPrefix = "APPLIANCE_UPDATER"

	// DefaultFilePermissions is the permission used for files the updater writes.
	DefaultFilePermissions = 0o600

	// DefaultDirPermissions is the permission used for directories the updater creates.
	DefaultDirPermissions = 0o755
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errProjectRootRequired is returned when the appliance root is missing.
	errProjectRootRequired = errors.New("paths.project_root must be provided")
	// errPrefixRequired is returned when the managed service prefix is missing.
	errPrefixRequired = errors.New("services.prefix must be provided")
	// errInvalidRepository is returned for repositories not in owner/name form.
	errInvalidRepository = errors.New("release.repository must look like owner/name")
	// errInvalidKeep is returned for a non-positive retention.
	errInvalidKeep = errors.New("update.keep_backups must be positive")

	repositoryPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+/[a-zA-Z0-9_.-]+$`)
)

// Default returns the settings of a stock appliance installation.
// Paths derived from the project root and the trusted repositories are filled by Validate.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
		Server: ServerConfig{
			HTTPAddress:  ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Paths: PathsConfig{
			ProjectRoot: "/opt/n-guard-vpn",
			TempDir:     os.TempDir(),
			StateDir:    "/var/lib/appliance-updater",
		},
		Release: ReleaseConfig{
			APIURL:       "https://api.github.com",
			Repository:   "nyonnguyen/n-guard-vpn",
			AllowedHosts: []string{"github.com", "githubusercontent.com"},
			Timeout:      30 * time.Second,
		},
		Update: UpdateConfig{
			MinFreeSpace:     500 * 1024 * 1024,
			DownloadTimeout:  5 * time.Minute,
			ChecksumTimeout:  30 * time.Second,
			InstallTimeout:   3 * time.Minute,
			SettleDelay:      5 * time.Second,
			HealthRetries:    5,
			HealthRetryDelay: 3 * time.Second,
			KeepBackups:      5,
		},
		Backup: BackupConfig{
			Timeout:        2 * time.Minute,
			RestoreTimeout: 3 * time.Minute,
		},
		Services: ServicesConfig{
			Prefix:         "n-guard-",
			DockerCommand:  "docker",
			ComposeCommand: []string{"docker", "compose"},
			PullTimeout:    5 * time.Minute,
			StopTimeout:    time.Minute,
			StartTimeout:   2 * time.Minute,
			RestartPause:   2 * time.Second,
			StatusTimeout:  15 * time.Second,
		},
		Health: HealthConfig{
			ProbeTimeout:  10 * time.Second,
			DNSService:    "adguard",
			DNSLookupHost: "google.com",
			TunnelService: "wireguard",
		},
	}
}

// Load reads settings from the provided path, applies environment overrides and validates them.
// A missing file at the default location yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	_, statErr := os.Stat(path)

	switch {
	case statErr == nil:
		v.SetConfigFile(filepath.Clean(path))

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	case errors.Is(statErr, os.ErrNotExist) && path == DefaultConfigFilename:
		// Defaults plus environment.
	default:
		return nil, fmt.Errorf("read settings: %w", statErr)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions, the file may carry a release token.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks required fields and fills zero values with defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	fillDefaults(cfg, Default())

	if cfg.Paths.ProjectRoot == "" {
		return errProjectRootRequired
	}

	if strings.TrimSpace(cfg.Services.Prefix) == "" {
		return errPrefixRequired
	}

	if !repositoryPattern.MatchString(cfg.Release.Repository) {
		return fmt.Errorf("%q: %w", cfg.Release.Repository, errInvalidRepository)
	}

	if cfg.Update.KeepBackups <= 0 {
		return errInvalidKeep
	}

	if _, err := url.ParseRequestURI(cfg.Release.APIURL); err != nil {
		return fmt.Errorf("invalid release API URL: %w", err)
	}

	return nil
}

// setDefaults registers every default so environment overrides apply to all keys.
func setDefaults(v *viper.Viper, defaults *Config) error {
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}

	var tree map[string]any
	if err = yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("unmarshal defaults: %w", err)
	}

	for section, values := range tree {
		nested, ok := values.(map[string]any)
		if !ok {
			v.SetDefault(section, values)
			continue
		}

		for key, value := range nested {
			v.SetDefault(section+"."+key, value)
		}
	}

	return nil
}

// fillDefaults replaces zero values of cfg with the corresponding defaults.
//
//nolint:cyclop,gocognit // Flat list of field defaults.
func fillDefaults(cfg, d *Config) {
	setString := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}

	setDuration := func(dst *time.Duration, def time.Duration) {
		if *dst <= 0 {
			*dst = def
		}
	}

	setString(&cfg.Log.Level, d.Log.Level)
	setString(&cfg.Log.Encoding, d.Log.Encoding)
	setString(&cfg.Server.HTTPAddress, d.Server.HTTPAddress)
	setDuration(&cfg.Server.ReadTimeout, d.Server.ReadTimeout)
	setDuration(&cfg.Server.WriteTimeout, d.Server.WriteTimeout)

	setString(&cfg.Paths.TempDir, d.Paths.TempDir)

	if cfg.Paths.ProjectRoot != "" {
		setString(&cfg.Paths.VersionFile, filepath.Join(cfg.Paths.ProjectRoot, "VERSION"))
		setString(&cfg.Paths.BackupDir, filepath.Join(cfg.Paths.ProjectRoot, "backups"))
		setString(&cfg.Paths.ScriptsDir, filepath.Join(cfg.Paths.ProjectRoot, "scripts"))
	}

	setString(&cfg.Paths.StateDir, d.Paths.StateDir)

	setString(&cfg.Release.APIURL, d.Release.APIURL)
	setString(&cfg.Release.Repository, d.Release.Repository)
	setDuration(&cfg.Release.Timeout, d.Release.Timeout)

	if len(cfg.Release.AllowedHosts) == 0 {
		cfg.Release.AllowedHosts = d.Release.AllowedHosts
	}

	if len(cfg.Release.AllowedRepos) == 0 {
		cfg.Release.AllowedRepos = []string{cfg.Release.Repository}
	}

	if cfg.Update.MinFreeSpace == 0 {
		cfg.Update.MinFreeSpace = d.Update.MinFreeSpace
	}

	setDuration(&cfg.Update.DownloadTimeout, d.Update.DownloadTimeout)
	setDuration(&cfg.Update.ChecksumTimeout, d.Update.ChecksumTimeout)
	setDuration(&cfg.Update.InstallTimeout, d.Update.InstallTimeout)
	setDuration(&cfg.Update.SettleDelay, d.Update.SettleDelay)
	setDuration(&cfg.Update.HealthRetryDelay, d.Update.HealthRetryDelay)

	if cfg.Update.HealthRetries <= 0 {
		cfg.Update.HealthRetries = d.Update.HealthRetries
	}

	if cfg.Update.KeepBackups == 0 {
		cfg.Update.KeepBackups = d.Update.KeepBackups
	}

	setDuration(&cfg.Backup.Timeout, d.Backup.Timeout)
	setDuration(&cfg.Backup.RestoreTimeout, d.Backup.RestoreTimeout)

	setString(&cfg.Services.Prefix, d.Services.Prefix)
	setString(&cfg.Services.DockerCommand, d.Services.DockerCommand)

	if len(cfg.Services.ComposeCommand) == 0 {
		cfg.Services.ComposeCommand = d.Services.ComposeCommand
	}

	setDuration(&cfg.Services.PullTimeout, d.Services.PullTimeout)
	setDuration(&cfg.Services.StopTimeout, d.Services.StopTimeout)
	setDuration(&cfg.Services.StartTimeout, d.Services.StartTimeout)
	setDuration(&cfg.Services.RestartPause, d.Services.RestartPause)
	setDuration(&cfg.Services.StatusTimeout, d.Services.StatusTimeout)

	setDuration(&cfg.Health.ProbeTimeout, d.Health.ProbeTimeout)
	setString(&cfg.Health.DNSService, d.Health.DNSService)
	setString(&cfg.Health.DNSLookupHost, d.Health.DNSLookupHost)
	setString(&cfg.Health.TunnelService, d.Health.TunnelService)
}
