package main

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and local state",
	Long:  "Display the current configuration, the signed-in account and a summary of the locally synced conversations.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Backend URL: %s\n", valueOrDefault(cfg.Default.BackendURL, "(not set)"))
		fmt.Printf("  Poll:        %s\n", valueOrDefault(cfg.Default.PollInterval, "(default)"))
		fmt.Printf("  Refresh:     %s\n", valueOrDefault(cfg.Default.RefreshInterval, "(default)"))
		fmt.Printf("  Feed:        %s\n", valueOrDefault(cfg.Feed.Listen, defaultFeedListen))

		dir, err := dataDir(cfg)
		if err == nil {
			fmt.Printf("  Data dir:    %s (%s)\n", dir, humanize.Bytes(dirSize(dir)))
		}

		fmt.Println()
		fmt.Println("Account:")
		if cfg.Default.Username == "" {
			fmt.Println("  Username:    (not signed in)")
			return nil
		}
		fmt.Printf("  Username:    %s\n", cfg.Default.Username)
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(none)"))

		s, err := openSession()
		if err != nil {
			fmt.Printf("\nLocal state unavailable: %v\n", err)
			return nil
		}
		defer s.Close()

		chats := s.client.Chats()
		unread, lastActive := 0, ""
		for _, c := range chats {
			unread += c.UnreadCount
		}
		if len(chats) > 0 && !chats[0].LastActivity.IsZero() {
			lastActive = humanize.Time(chats[0].LastActivity)
		}

		fmt.Println()
		fmt.Println("Local state:")
		fmt.Printf("  Chats:       %d\n", len(chats))
		fmt.Printf("  Unread:      %d\n", unread)
		fmt.Printf("  Requests:    %d\n", len(s.client.Requests()))
		fmt.Printf("  Contacts:    %d\n", len(s.client.Contacts()))
		fmt.Printf("  Blocked:     %d\n", len(s.client.Blocked()))
		fmt.Printf("  Privacy:     %s\n", s.client.Privacy().WhoCanMessage)
		if lastActive != "" {
			fmt.Printf("  Last active: %s\n", lastActive)
		}
		return nil
	},
}

func dirSize(dir string) uint64 {
	var total uint64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
