// Package config provides configuration loading from environment variables
// and an optional YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"osfleet/internal/apperrors"
)

// Migration modes.
const (
	MigrationCold = "cold"
	MigrationLive = "live"
)

// Policies for volumes found in an error state before backup.
const (
	ErrorVolumeSkip  = "skip"
	ErrorVolumeBlock = "block"
)

// Auth holds control-plane credentials.
type Auth struct {
	URL               string `yaml:"url" validate:"required,url"`
	Username          string `yaml:"username" validate:"required"`
	Password          string `yaml:"-" validate:"required"`
	PasswordFile      string `yaml:"password_file"`
	ProjectName       string `yaml:"project_name" validate:"required"`
	UserDomainName    string `yaml:"user_domain_name"`
	ProjectDomainName string `yaml:"project_domain_name"`
	Region            string `yaml:"region"`
}

// Config holds configuration for one osfleet invocation.
type Config struct {
	Auth Auth `yaml:"auth"`

	BackupRoot   string `yaml:"backup_root" validate:"required"`
	BackupPrefix string `yaml:"backup_prefix" validate:"required"`
	SelectPrefix string `yaml:"select_prefix" validate:"required"`

	PoolSize      int           `yaml:"pool_size" validate:"gte=1"`
	PollInterval  time.Duration `yaml:"poll_interval" validate:"gt=0"`
	UploadCycles  int           `yaml:"upload_cycles" validate:"gte=1"`
	RestoreCycles int           `yaml:"restore_cycles" validate:"gte=1"`

	MigrationPollInterval time.Duration `yaml:"migration_poll_interval" validate:"gt=0"`
	MigrationCycles       int           `yaml:"migration_cycles" validate:"gte=1"`
	MigrationMode         string        `yaml:"migration_mode" validate:"oneof=cold live"`
	BlockMigration        bool          `yaml:"block_migration"`
	FinalWait             time.Duration `yaml:"final_wait" validate:"gte=0"`
	StopWait              time.Duration `yaml:"stop_wait" validate:"gte=0"`

	ErrorVolumePolicy   string `yaml:"error_volume_policy" validate:"oneof=skip block"`
	InitialPassword     string `yaml:"-"`
	InitialPasswordFile string `yaml:"initial_password_file"`

	APIRate  float64 `yaml:"api_rate" validate:"gt=0"`
	APIBurst int     `yaml:"api_burst" validate:"gte=1"`

	MetricsPort    string `yaml:"metrics_port"`
	StatusToken    string `yaml:"-"`
	NotifyURL      string `yaml:"notify_url" validate:"omitempty,url"`
	NotifyKey      string `yaml:"-"`
	NotifyKeyFile  string `yaml:"notify_key_file"`
	TracesExporter string `yaml:"traces_exporter" validate:"oneof=none stdout"`
	LogFile        string `yaml:"log_file"`
	LogFormat      string `yaml:"log_format" validate:"oneof=json text"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Auth: Auth{
			UserDomainName:    "Default",
			ProjectDomainName: "Default",
		},
		BackupRoot:            "/var/openstack_backup",
		BackupPrefix:          "os_bkp",
		SelectPrefix:          "backupme",
		PoolSize:              runtime.NumCPU(),
		PollInterval:          3 * time.Second,
		UploadCycles:          900,
		RestoreCycles:         600,
		MigrationPollInterval: 10 * time.Second,
		MigrationCycles:       18,
		MigrationMode:         MigrationCold,
		FinalWait:             300 * time.Second,
		StopWait:              30 * time.Second,
		ErrorVolumePolicy:     ErrorVolumeSkip,
		APIRate:               20,
		APIBurst:              40,
		TracesExporter:        "none",
		LogFormat:             "json",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment variables. Secrets are read from their files last.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		path = os.Getenv("OSFLEET_CONFIG")
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.readSecrets()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Setup("config.read", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file decodes as io.EOF and means no overrides.
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Setup("config.parse "+path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	a := &c.Auth
	a.URL = GetEnv("OS_AUTH_URL", a.URL)
	a.Username = GetEnv("OS_USERNAME", a.Username)
	a.Password = GetEnv("OS_PASSWORD", a.Password)
	a.PasswordFile = GetEnv("OS_PASSWORD_FILE", a.PasswordFile)
	a.ProjectName = GetEnv("OS_PROJECT_NAME", GetEnv("OS_TENANT_NAME", a.ProjectName))
	a.UserDomainName = GetEnv("OS_USER_DOMAIN_NAME", a.UserDomainName)
	a.ProjectDomainName = GetEnv("OS_PROJECT_DOMAIN_NAME", a.ProjectDomainName)
	a.Region = GetEnv("OS_REGION_NAME", a.Region)

	c.BackupRoot = GetEnv("BACKUP_ROOT", c.BackupRoot)
	c.BackupPrefix = GetEnv("BACKUP_PREFIX", c.BackupPrefix)
	c.SelectPrefix = GetEnv("SELECT_PREFIX", c.SelectPrefix)
	c.PoolSize = GetIntEnv("POOL_SIZE", c.PoolSize)
	c.PollInterval = GetDurationEnv("POLL_INTERVAL", c.PollInterval)
	c.UploadCycles = GetIntEnv("UPLOAD_CYCLES", c.UploadCycles)
	c.RestoreCycles = GetIntEnv("RESTORE_CYCLES", c.RestoreCycles)
	c.MigrationPollInterval = GetDurationEnv("MIGRATION_POLL_INTERVAL", c.MigrationPollInterval)
	c.MigrationCycles = GetIntEnv("MIGRATION_CYCLES", c.MigrationCycles)
	c.MigrationMode = strings.ToLower(GetEnv("MIGRATION_MODE", c.MigrationMode))
	c.BlockMigration = GetBoolEnv("BLOCK_MIGRATION", c.BlockMigration)
	c.FinalWait = GetDurationEnv("FINAL_WAIT", c.FinalWait)
	c.StopWait = GetDurationEnv("STOP_WAIT", c.StopWait)
	c.ErrorVolumePolicy = strings.ToLower(GetEnv("ERROR_VOLUME_POLICY", c.ErrorVolumePolicy))
	c.InitialPasswordFile = GetEnv("INITIAL_PASSWORD_FILE", c.InitialPasswordFile)
	c.APIRate = GetFloatEnv("API_RATE", c.APIRate)
	c.APIBurst = GetIntEnv("API_BURST", c.APIBurst)
	c.MetricsPort = GetEnv("METRICS_PORT", c.MetricsPort)
	c.StatusToken = GetEnv("STATUS_TOKEN", c.StatusToken)
	c.NotifyURL = GetEnv("NOTIFY_URL", c.NotifyURL)
	c.NotifyKeyFile = GetEnv("NOTIFY_KEY_FILE", c.NotifyKeyFile)
	c.TracesExporter = strings.ToLower(GetEnv("TRACES_EXPORTER", c.TracesExporter))
	c.LogFile = GetEnv("LOG_FILE", c.LogFile)
	c.LogFormat = strings.ToLower(GetEnv("LOG_FORMAT", c.LogFormat))
}

func (c *Config) readSecrets() {
	if c.Auth.Password == "" {
		c.Auth.Password = GetSecretFile(c.Auth.PasswordFile)
	}
	if c.InitialPassword == "" {
		c.InitialPassword = GetSecretFile(c.InitialPasswordFile)
	}
	if c.NotifyKey == "" {
		c.NotifyKey = GetSecretFile(c.NotifyKeyFile)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration. Failures are setup errors.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperrors.Validation(fe.Namespace(),
			fmt.Sprintf("config: %s fails %q", fe.Namespace(), fe.Tag()))
	}
	return apperrors.Setup("config.validate", err)
}
