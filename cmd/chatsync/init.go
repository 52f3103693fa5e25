package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initDataDir string

func init() {
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "", "Directory for local state (default ~/.chatsync/data)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <backend-url>",
	Short: "Store the backend URL in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the backend endpoint in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadStoredConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BackendURL = args[0]
		if initDataDir != "" {
			cfg.Default.DataDir = initDataDir
		}
		if cfg.Default.PollInterval == "" {
			cfg.Default.PollInterval = "1s"
		}
		if cfg.Default.RefreshInterval == "" {
			cfg.Default.RefreshInterval = "5s"
		}
		if cfg.Feed.Listen == "" {
			cfg.Feed.Listen = defaultFeedListen
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Backend URL saved to %s\n", path)
		return nil
	},
}
