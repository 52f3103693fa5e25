package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default" yaml:"default"`
	Feed    ConfigFeed    `toml:"feed" yaml:"feed"`
}

// ConfigDefault holds backend, account and sync settings.
type ConfigDefault struct {
	BackendURL      string  `toml:"backend_url" yaml:"backend_url"`
	Username        string  `toml:"username" yaml:"username"`
	UserID          string  `toml:"user_id" yaml:"user_id"`
	DataDir         string  `toml:"data_dir" yaml:"data_dir"`
	PollInterval    string  `toml:"poll_interval" yaml:"poll_interval"`
	RefreshInterval string  `toml:"refresh_interval" yaml:"refresh_interval"`
	SeenCapacity    int     `toml:"seen_capacity" yaml:"seen_capacity"`
	SendRate        float64 `toml:"send_rate" yaml:"send_rate"`
	LogLevel        string  `toml:"log_level" yaml:"log_level"`
}

// ConfigFeed holds the live feed server settings used by `run`.
type ConfigFeed struct {
	Listen  string `toml:"listen" yaml:"listen"`
	Metrics bool   `toml:"metrics" yaml:"metrics"`
}

const defaultFeedListen = "127.0.0.1:7878"

// ============================================================================
// Config helpers
// ============================================================================

// configFile is set by the --config flag.
var configFile string

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	if v := os.Getenv("CHATSYNC_HOME"); v != "" {
		return v, os.MkdirAll(v, 0o700)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// loadConfig reads and parses the config file, then applies CHATSYNC_*
// environment overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	// .env in the working directory is optional
	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, nil
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk. Environment overrides
// are not persisted.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	var data []byte
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// loadStoredConfig reads the config file without environment overrides,
// for commands that rewrite it.
func loadStoredConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return readConfig(path)
}

// envOverrides maps CHATSYNC_* variables onto the config keys they replace.
var envOverrides = []struct {
	key   string
	env   string
	field func(*Config) *string
}{
	{"default.backend_url", "CHATSYNC_BACKEND_URL", func(c *Config) *string { return &c.Default.BackendURL }},
	{"default.username", "CHATSYNC_USERNAME", func(c *Config) *string { return &c.Default.Username }},
	{"default.user_id", "CHATSYNC_USER_ID", func(c *Config) *string { return &c.Default.UserID }},
	{"default.data_dir", "CHATSYNC_DATA_DIR", func(c *Config) *string { return &c.Default.DataDir }},
	{"default.poll_interval", "CHATSYNC_POLL_INTERVAL", func(c *Config) *string { return &c.Default.PollInterval }},
	{"default.refresh_interval", "CHATSYNC_REFRESH_INTERVAL", func(c *Config) *string { return &c.Default.RefreshInterval }},
	{"default.log_level", "CHATSYNC_LOG_LEVEL", func(c *Config) *string { return &c.Default.LogLevel }},
	{"feed.listen", "CHATSYNC_FEED_LISTEN", func(c *Config) *string { return &c.Feed.Listen }},
}

func applyEnv(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.env); v != "" {
			*o.field(cfg) = v
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.backend_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.backend_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "backend_url":
			cfg.Default.BackendURL = value
		case "username":
			cfg.Default.Username = value
		case "user_id":
			cfg.Default.UserID = value
		case "data_dir":
			cfg.Default.DataDir = value
		case "poll_interval", "refresh_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration %q: %w", value, err)
			}
			if field == "poll_interval" {
				cfg.Default.PollInterval = value
			} else {
				cfg.Default.RefreshInterval = value
			}
		case "seen_capacity":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("seen_capacity must be a non-negative integer")
			}
			cfg.Default.SeenCapacity = n
		case "send_rate":
			r, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("send_rate must be a number: %w", err)
			}
			cfg.Default.SendRate = r
		case "log_level":
			if _, err := zerolog.ParseLevel(value); err != nil {
				return fmt.Errorf("invalid log level %q", value)
			}
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "feed":
		switch field {
		case "listen":
			cfg.Feed.Listen = value
		case "metrics":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("metrics must be true or false")
			}
			cfg.Feed.Metrics = b
		default:
			return fmt.Errorf("unknown field %q in section [feed]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, feed)", section)
	}
	return nil
}

// durationOr parses s, falling back to def when s is empty or invalid.
func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "chatsync CLI",
	Long: "Command-line client for a shared append/poll chat backend.\n" +
		"Keeps conversations, reactions, requests and read state locally and syncs them by polling.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.chatsync/config.toml; .yaml/.yml read as YAML)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
