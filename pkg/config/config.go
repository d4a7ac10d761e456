package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/deployer/pkg/telemetry"
)

// DefaultFile is the configuration file name looked up in the working
// directory when no path is given.
const DefaultFile = "deployer.yaml"

// Environment variables that override file values.
const (
	EnvDataDir  = "DEPLOYER_DATA_DIR"
	EnvTool     = "DEPLOYER_TOOL"
	EnvLogLevel = "LOG_LEVEL"
)

// Config is the application configuration of the deployer.
type Config struct {
	// DataDir holds the database, session work dirs and project repositories.
	DataDir string `yaml:"data_dir" validate:"required"`

	Database  DatabaseConfig    `yaml:"database"`
	Session   SessionConfig     `yaml:"session"`
	Runner    RunnerConfig      `yaml:"runner"`
	Policy    PolicyConfig      `yaml:"policy"`
	Catalog   CatalogConfig     `yaml:"catalog"`
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path of the database file. Relative paths resolve against DataDir;
	// empty means <data_dir>/deployer.db.
	Path string `yaml:"path"`

	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// SessionConfig configures session lifetime and size.
type SessionConfig struct {
	// DefaultTTL applies when a session is started without an explicit ttl.
	DefaultTTL time.Duration `yaml:"default_ttl" validate:"gt=0"`

	// MaxResources caps the resources a session may declare.
	MaxResources int `yaml:"max_resources" validate:"gte=1,lte=1000"`

	// ReapInterval is how often `serve` expires idle sessions; zero disables it.
	ReapInterval time.Duration `yaml:"reap_interval" validate:"gte=0"`
}

// RunnerConfig configures the provisioning tool.
type RunnerConfig struct {
	// Binary is terraform, tofu or a path to either.
	Binary        string        `yaml:"binary" validate:"required"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxConcurrent int           `yaml:"max_concurrent" validate:"gte=1"`
	PlanFile      string        `yaml:"plan_file" validate:"required"`
}

// PolicyConfig configures rego policy loading.
type PolicyConfig struct {
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Watch reloads policies when files under Paths change.
	Watch bool `yaml:"watch"`
}

// CatalogConfig configures resource presets.
type CatalogConfig struct {
	// PresetDir holds additional *.star presets; empty means built-ins only.
	PresetDir     string        `yaml:"preset_dir"`
	PresetTimeout time.Duration `yaml:"preset_timeout" validate:"gt=0"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: ".deployer",
		Database: DatabaseConfig{
			MaxOpenConns: 8,
			BusyTimeout:  5 * time.Second,
		},
		Session: SessionConfig{
			DefaultTTL:   24 * time.Hour,
			MaxResources: 50,
			ReapInterval: time.Minute,
		},
		Runner: RunnerConfig{
			Binary:        "terraform",
			Timeout:       30 * time.Minute,
			MaxConcurrent: 4,
			PlanFile:      "tfplan",
		},
		Catalog: CatalogConfig{
			PresetTimeout: 5 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads the configuration at path over the defaults and applies
// environment overrides. An empty path yields the defaults; a path that
// does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if cfg.Telemetry == nil {
			cfg.Telemetry = telemetry.DefaultConfig()
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads DefaultFile from the working directory when it exists
// and falls back to the defaults otherwise.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat(DefaultFile); errors.Is(err, fs.ErrNotExist) {
		return Load("")
	}
	return Load(DefaultFile)
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvTool); v != "" {
		c.Runner.Binary = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// Write saves the configuration as YAML, creating parent directories.
func (c *Config) Write(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// DatabasePath returns the resolved SQLite file path.
func (c *Config) DatabasePath() string {
	switch {
	case c.Database.Path == "":
		return filepath.Join(c.DataDir, "deployer.db")
	case c.Database.Path == ":memory:" || filepath.IsAbs(c.Database.Path):
		return c.Database.Path
	default:
		return filepath.Join(c.DataDir, c.Database.Path)
	}
}

// SessionsDir is the root of per-session working directories.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// RepositoriesDir is the root of per-project git repositories.
func (c *Config) RepositoriesDir() string {
	return filepath.Join(c.DataDir, "projects")
}
