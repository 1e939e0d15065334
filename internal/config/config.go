// Package config provides configuration management for the DroneHub server.
//
// Values resolve in three layers: built-in defaults, then the optional YAML
// config file, then environment variables. The environment always wins.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the DroneHub server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7777").
	ServerAddr string

	// DataDir is the directory for persistent data (snapshot, SQLite DB).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// SnapshotPath is the full path to the registry snapshot file.
	SnapshotPath string

	// DvmBin is the container engine CLI binary.
	DvmBin string

	// ContainerPrefix is prepended to drone names to form container names.
	ContainerPrefix string

	// AgentCommand is the coding agent launched in each drone's agent session.
	AgentCommand string

	// DroneRepoDir is the working-copy path inside drone containers.
	DroneRepoDir string

	// DroneChatsDir is the chats directory inside drone containers.
	DroneChatsDir string

	// DroneAttachDir is where prompt attachments land inside drones.
	DroneAttachDir string

	// DefaultContainerPort is the preferred internal preview port.
	DefaultContainerPort int

	// Deadlines for blocking operations.
	ExecTimeout          time.Duration
	SeedTimeout          time.Duration
	BaseImageTimeout     time.Duration
	SnapshotFlushTimeout time.Duration

	// GCSchedule is the cron spec for the orphaned-drone sweep.
	GCSchedule string
	// GCErrorTTL is how long an errored drone without a container survives.
	GCErrorTTL time.Duration

	// GitHubToken is the personal access token for PR operations.
	GitHubToken string

	// Slack notifications (optional).
	SlackBotToken string
	SlackChannel  string

	// LLM key for name drafting (optional).
	AnthropicAPIKey string
	OpenAIAPIKey    string

	// LogJSON selects the JSON slog handler.
	LogJSON bool
}

// fileConfig mirrors Config for the YAML file; durations are strings there.
type fileConfig struct {
	ServerAddr           string `yaml:"server_addr"`
	DataDir              string `yaml:"data_dir"`
	DvmBin               string `yaml:"dvm_bin"`
	ContainerPrefix      string `yaml:"container_prefix"`
	AgentCommand         string `yaml:"agent_command"`
	DroneRepoDir         string `yaml:"drone_repo_dir"`
	DroneChatsDir        string `yaml:"drone_chats_dir"`
	DroneAttachDir       string `yaml:"drone_attach_dir"`
	DefaultContainerPort int    `yaml:"default_container_port"`
	ExecTimeout          string `yaml:"exec_timeout"`
	SeedTimeout          string `yaml:"seed_timeout"`
	BaseImageTimeout     string `yaml:"base_image_timeout"`
	GCSchedule           string `yaml:"gc_schedule"`
	GCErrorTTL           string `yaml:"gc_error_ttl"`
	SlackChannel         string `yaml:"slack_channel"`
	LogJSON              *bool  `yaml:"log_json"`
}

// Load builds a Config from defaults, the optional YAML file, and the
// environment, then creates the data directory.
func Load() (*Config, error) {
	cfg := &Config{
		ServerAddr:           ":7777",
		DvmBin:               "dvm",
		ContainerPrefix:      "drone-",
		AgentCommand:         "drone-agent",
		DroneRepoDir:         "/workspace/repo",
		DroneChatsDir:        "/workspace/.dronehub/chats",
		DroneAttachDir:       "/workspace/.dronehub/attachments",
		DefaultContainerPort: 7777,
		ExecTimeout:          30 * time.Second,
		SeedTimeout:          10 * time.Minute,
		BaseImageTimeout:     10 * time.Minute,
		SnapshotFlushTimeout: 15 * time.Second,
		GCSchedule:           "@every 30m",
		GCErrorTTL:           24 * time.Hour,
		LogJSON:              true,
	}

	if err := applyFile(cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "dronehub.db")
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = filepath.Join(cfg.DataDir, "registry.json")
	}
	return cfg, nil
}

func applyFile(cfg *Config) error {
	path := os.Getenv("DRONEHUB_CONFIG")
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".dronehub", "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if explicit {
			return fmt.Errorf("reading config file: %w", err)
		}
		return nil
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	setStr(&cfg.ServerAddr, fc.ServerAddr)
	setStr(&cfg.DataDir, fc.DataDir)
	setStr(&cfg.DvmBin, fc.DvmBin)
	setStr(&cfg.ContainerPrefix, fc.ContainerPrefix)
	setStr(&cfg.AgentCommand, fc.AgentCommand)
	setStr(&cfg.DroneRepoDir, fc.DroneRepoDir)
	setStr(&cfg.DroneChatsDir, fc.DroneChatsDir)
	setStr(&cfg.DroneAttachDir, fc.DroneAttachDir)
	setStr(&cfg.GCSchedule, fc.GCSchedule)
	setStr(&cfg.SlackChannel, fc.SlackChannel)
	if fc.DefaultContainerPort != 0 {
		cfg.DefaultContainerPort = fc.DefaultContainerPort
	}
	setDur(&cfg.ExecTimeout, fc.ExecTimeout)
	setDur(&cfg.SeedTimeout, fc.SeedTimeout)
	setDur(&cfg.BaseImageTimeout, fc.BaseImageTimeout)
	setDur(&cfg.GCErrorTTL, fc.GCErrorTTL)
	if fc.LogJSON != nil {
		cfg.LogJSON = *fc.LogJSON
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ServerAddr = envStr("DRONEHUB_ADDR", cfg.ServerAddr)
	cfg.DataDir = envStr("DRONEHUB_DATA_DIR", cfg.DataDir)
	cfg.DvmBin = envStr("DRONEHUB_DVM_BIN", cfg.DvmBin)
	cfg.ContainerPrefix = envStr("DRONEHUB_CONTAINER_PREFIX", cfg.ContainerPrefix)
	cfg.AgentCommand = envStr("DRONEHUB_AGENT_CMD", cfg.AgentCommand)
	cfg.DroneRepoDir = envStr("DRONEHUB_REPO_DIR", cfg.DroneRepoDir)
	cfg.DroneChatsDir = envStr("DRONEHUB_CHATS_DIR", cfg.DroneChatsDir)
	cfg.DroneAttachDir = envStr("DRONEHUB_ATTACH_DIR", cfg.DroneAttachDir)
	cfg.DefaultContainerPort = envInt("DRONEHUB_CONTAINER_PORT", cfg.DefaultContainerPort)
	cfg.ExecTimeout = envDuration("DRONEHUB_EXEC_TIMEOUT", cfg.ExecTimeout)
	cfg.SeedTimeout = envDuration("DRONEHUB_SEED_TIMEOUT", cfg.SeedTimeout)
	cfg.BaseImageTimeout = envDuration("DRONEHUB_BASE_IMAGE_TIMEOUT", cfg.BaseImageTimeout)
	cfg.SnapshotFlushTimeout = envDuration("DRONEHUB_SNAPSHOT_FLUSH_TIMEOUT", cfg.SnapshotFlushTimeout)
	cfg.GCSchedule = envStr("DRONEHUB_GC_SCHEDULE", cfg.GCSchedule)
	cfg.GCErrorTTL = envDuration("DRONEHUB_GC_ERROR_TTL", cfg.GCErrorTTL)
	cfg.GitHubToken = envStr("GITHUB_TOKEN", cfg.GitHubToken)
	cfg.SlackBotToken = envStr("SLACK_BOT_TOKEN", cfg.SlackBotToken)
	cfg.SlackChannel = envStr("DRONEHUB_SLACK_CHANNEL", cfg.SlackChannel)
	cfg.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.OpenAIAPIKey = envStr("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.LogJSON = envBool("DRONEHUB_LOG_JSON", cfg.LogJSON)
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerAddr == "" {
		errs = append(errs, errors.New("DRONEHUB_ADDR must not be empty"))
	}
	if c.DvmBin == "" {
		errs = append(errs, errors.New("DRONEHUB_DVM_BIN must not be empty"))
	}
	if c.DefaultContainerPort < 1 || c.DefaultContainerPort > 65535 {
		errs = append(errs, fmt.Errorf("DRONEHUB_CONTAINER_PORT must be 1-65535, got %d", c.DefaultContainerPort))
	}
	for name, d := range map[string]time.Duration{
		"DRONEHUB_EXEC_TIMEOUT":       c.ExecTimeout,
		"DRONEHUB_SEED_TIMEOUT":       c.SeedTimeout,
		"DRONEHUB_BASE_IMAGE_TIMEOUT": c.BaseImageTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", name, d))
		}
	}
	if c.GCSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.GCSchedule); err != nil {
			errs = append(errs, fmt.Errorf("DRONEHUB_GC_SCHEDULE is not a valid cron spec: %w", err))
		}
	}
	if c.SlackBotToken != "" && c.SlackChannel == "" {
		errs = append(errs, errors.New("DRONEHUB_SLACK_CHANNEL is required when SLACK_BOT_TOKEN is set"))
	}
	return errors.Join(errs...)
}

// SlackEnabled reports whether lifecycle notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDur(dst *time.Duration, v string) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dronehub"
	}
	return filepath.Join(home, ".dronehub")
}
