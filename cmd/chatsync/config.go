package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View the effective chatsync configuration or modify the file stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every setting chatsync will use, and whether it comes from the config file, a CHATSYNC_* environment variable or the built-in default.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		stored, err := readConfig(path)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("Config file: %s (not created yet, run 'chatsync init <backend-url>')\n", path)
		} else {
			fmt.Printf("Config file: %s\n", path)
		}
		// .env in the working directory is optional
		_ = godotenv.Load()

		fmt.Println()
		for _, s := range effectiveSettings(stored) {
			fmt.Printf("  %-26s %-36s %s\n", s.Key, s.Value, s.Source)
		}
		return nil
	},
}

// setting is one resolved config value and where it came from.
type setting struct {
	Key    string
	Value  string
	Source string
}

// effectiveSettings resolves stored against the environment the way
// loadConfig does, keeping track of which layer won for each key.
func effectiveSettings(stored *Config) []setting {
	d, f := stored.Default, stored.Feed
	metrics := ""
	if f.Metrics {
		metrics = "true"
	}
	settings := []setting{
		{"default.backend_url", d.BackendURL, ""},
		{"default.username", d.Username, ""},
		{"default.user_id", d.UserID, ""},
		{"default.data_dir", d.DataDir, ""},
		{"default.poll_interval", d.PollInterval, ""},
		{"default.refresh_interval", d.RefreshInterval, ""},
		{"default.seen_capacity", countOrEmpty(d.SeenCapacity), ""},
		{"default.send_rate", rateOrEmpty(d.SendRate), ""},
		{"default.log_level", d.LogLevel, ""},
		{"feed.listen", f.Listen, ""},
		{"feed.metrics", metrics, ""},
	}
	for i := range settings {
		s := &settings[i]
		for _, o := range envOverrides {
			if o.key != s.Key {
				continue
			}
			if v := os.Getenv(o.env); v != "" {
				s.Value, s.Source = v, "env "+o.env
			}
		}
		if s.Source != "" {
			continue
		}
		if s.Value != "" {
			s.Source = "file"
			continue
		}
		s.Source = "default"
		switch s.Key {
		case "feed.listen":
			s.Value = defaultFeedListen
		case "feed.metrics":
			s.Value = "false"
		default:
			s.Value = "-"
		}
	}
	return settings
}

func countOrEmpty(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func rateOrEmpty(r float64) string {
	if r == 0 {
		return ""
	}
	return strconv.FormatFloat(r, 'g', -1, 64)
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.poll_interval 2s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadStoredConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
