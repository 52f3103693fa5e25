package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sheetchat/chatsync"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chats
	chatsJSON bool

	// read
	readLimit  int
	readNoMark bool
	readJSON   bool

	// search
	searchLimit int

	// export
	exportYAML bool
)

func init() {
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output as JSON")

	readCmd.Flags().IntVarP(&readLimit, "limit", "n", 20, "Number of most recent messages to show (0 = all)")
	readCmd.Flags().BoolVar(&readNoMark, "no-mark", false, "Do not mark the chat read")
	readCmd.Flags().BoolVar(&readJSON, "json", false, "Output as JSON")

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "Maximum number of results (0 = all)")

	exportCmd.Flags().BoolVar(&exportYAML, "yaml", false, "Export as YAML instead of JSON")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(replyCmd)
	rootCmd.AddCommand(forwardCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(exportCmd)
}

// ============================================================================
// send / reply / forward / react
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat> <message>",
	Short: "Send a message to a chat",
	Long: "Send a message to a chat. Use \"Global Chat\" for the group chat and a\n" +
		"username for a direct chat; a new direct chat is started when needed.",
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		chatID := args[0]
		if err := ensureChat(s.client, chatID); err != nil {
			return err
		}

		ctx, cancel := timeoutContext()
		defer cancel()
		msg, err := s.client.Send(ctx, chatID, strings.Join(args[1:], " "))
		if err != nil {
			return describe(err)
		}
		printSent(chatID, msg)
		return nil
	},
}

var replyCmd = &cobra.Command{
	Use:   "reply <message-id> <text>",
	Short: "Reply to a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		_, chatID, ok := s.client.Message(args[0])
		if !ok {
			return describe(fmt.Errorf("%s: %w", args[0], chatsync.ErrMessageNotFound))
		}

		ctx, cancel := timeoutContext()
		defer cancel()
		msg, err := s.client.Reply(ctx, chatID, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return describe(err)
		}
		printSent(chatID, msg)
		return nil
	},
}

var forwardCmd = &cobra.Command{
	Use:   "forward <message-id> <chat>",
	Short: "Forward a message to another chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := ensureChat(s.client, args[1]); err != nil {
			return err
		}

		ctx, cancel := timeoutContext()
		defer cancel()
		msg, err := s.client.Forward(ctx, args[0], args[1])
		if err != nil {
			return describe(err)
		}
		printSent(args[1], msg)
		return nil
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <message-id> <emoji>",
	Short: "Toggle your reaction on a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := timeoutContext()
		defer cancel()
		action, err := s.client.React(ctx, args[0], args[1])
		if err != nil {
			return describe(err)
		}
		if action == chatsync.ReactionAdd {
			fmt.Printf("Added %s\n", args[1])
		} else {
			fmt.Printf("Removed %s\n", args[1])
		}
		return nil
	},
}

// ensureChat starts a temporary direct chat with a user that has none yet.
func ensureChat(c *chatsync.Client, chatID string) error {
	if _, ok := c.Chat(chatID); ok || chatID == chatsync.GroupChatID {
		return nil
	}
	_, err := c.ChatWithoutAdding(chatID)
	return describe(err)
}

func printSent(chatID string, msg chatsync.Message) {
	fmt.Printf("Message sent to %s\n", chatID)
	fmt.Printf("  Message ID: %s\n", msg.LocalID)
	if msg.SharedID != "" {
		fmt.Printf("  Shared ID:  %s\n", msg.SharedID)
	}
	fmt.Printf("  Content:    %s\n", msg.DisplayText())
}

// ============================================================================
// chats / read
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		chats := s.client.Chats()
		if chatsJSON {
			return printJSON(chats)
		}
		if len(chats) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}

		fmt.Printf("%-24s %-10s %-7s %-16s %s\n", "CHAT", "TYPE", "UNREAD", "ACTIVE", "LAST MESSAGE")
		for _, c := range chats {
			active := "-"
			if !c.LastActivity.IsZero() {
				active = humanize.Time(c.LastActivity)
			}
			last := ""
			if m := c.LastMessage(); m != nil {
				last = truncate(m.Sender+": "+m.DisplayText(), 48)
			}
			fmt.Printf("%-24s %-10s %-7d %-16s %s\n", truncate(c.ID, 24), c.Kind, c.UnreadCount, active, last)
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <chat>",
	Short: "Show the messages of a chat and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		chat, ok := s.client.Chat(args[0])
		if !ok {
			return describe(fmt.Errorf("%s: %w", args[0], chatsync.ErrUnknownChat))
		}
		msgs := chat.Messages
		if readLimit > 0 && len(msgs) > readLimit {
			msgs = msgs[len(msgs)-readLimit:]
		}

		if readJSON {
			if err := printJSON(msgs); err != nil {
				return err
			}
		} else {
			if len(msgs) == 0 {
				fmt.Println("No messages found.")
			}
			for _, m := range msgs {
				printMessage(m)
			}
		}

		if readNoMark || chat.IsRequest() {
			return nil
		}
		return describe(s.client.MarkRead(chat.ID))
	},
}

func printMessage(m *chatsync.Message) {
	fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("2006-01-02 15:04:05"), m.Sender, m.DisplayText())
	if m.IsReply && m.ReplyTo != nil {
		fmt.Printf("    ↳ reply to %s: %s\n", m.ReplyTo.Sender, truncate(m.ReplyTo.Text, 40))
	}
	if len(m.Reactions) > 0 {
		emojis := make([]string, 0, len(m.Reactions))
		for e := range m.Reactions {
			emojis = append(emojis, e)
		}
		sort.Strings(emojis)
		parts := make([]string, 0, len(emojis))
		for _, e := range emojis {
			parts = append(parts, fmt.Sprintf("%s %d", e, m.Reactions[e].Count))
		}
		fmt.Printf("    %s\n", strings.Join(parts, "  "))
	}
	fmt.Printf("    id: %s\n", m.LocalID)
}

// ============================================================================
// search / export
// ============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search local message history",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		hits := s.client.Search(strings.Join(args, " "), searchLimit)
		if len(hits) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, h := range hits {
			fmt.Printf("%-24s ", truncate(h.ChatID, 24))
			printMessage(h.Message)
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the whole local state to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		snap := s.client.Snapshot()
		if exportYAML {
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(snap); err != nil {
				return fmt.Errorf("failed to encode snapshot: %w", err)
			}
			return enc.Close()
		}
		return printJSON(snap)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
