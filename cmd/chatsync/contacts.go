package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sheetchat/chatsync"
	"github.com/spf13/cobra"
)

var usersJSON bool

func init() {
	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsAcceptCmd)
	requestsCmd.AddCommand(requestsDeclineCmd)
	requestsCmd.AddCommand(requestsBlockCmd)

	contactsCmd.AddCommand(contactsListCmd)
	contactsCmd.AddCommand(contactsAddCmd)
	contactsCmd.AddCommand(contactsRemoveCmd)

	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(requestsCmd)
	rootCmd.AddCommand(contactsCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(privacyCmd)
	rootCmd.AddCommand(usersCmd)
}

// withSession opens a session, runs fn and persists the result.
func withSession(fn func(c *chatsync.Client) error) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return describe(fn(s.client))
}

// ============================================================================
// requests
// ============================================================================

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Manage message requests from strangers",
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending message requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *chatsync.Client) error {
			reqs := c.Requests()
			if len(reqs) == 0 {
				fmt.Println("No pending requests.")
				return nil
			}
			for _, r := range reqs {
				preview := ""
				if m := r.LastMessage(); m != nil {
					preview = truncate(m.DisplayText(), 48)
				}
				fmt.Printf("  %-20s %d message(s), %s  %s\n", r.Sender, len(r.Messages), humanize.Time(r.CreatedAt), preview)
			}
			return nil
		})
	},
}

var requestsAcceptCmd = &cobra.Command{
	Use:   "accept <user>",
	Short: "Accept a request and add the sender as a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *chatsync.Client) error {
			chat, err := c.AcceptRequest(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Accepted %s; %d message(s) moved to chat %q\n", args[0], len(chat.Messages), chat.ID)
			return nil
		})
	},
}

var requestsDeclineCmd = &cobra.Command{
	Use:   "decline <user>",
	Short: "Discard a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *chatsync.Client) error {
			if err := c.DeclineRequest(args[0]); err != nil {
				return err
			}
			fmt.Printf("Declined request from %s\n", args[0])
			return nil
		})
	},
}

var requestsBlockCmd = &cobra.Command{
	Use:   "block <user>",
	Short: "Discard a request and block the sender",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *chatsync.Client) error {
			if err := c.BlockRequest(args[0]); err != nil {
				return err
			}
			fmt.Printf("Blocked %s\n", args[0])
			return nil
		})
	},
}

// ============================================================================
// contacts / block / unblock
// ============================================================================

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage contacts",
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts and blocked users",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *chatsync.Client) error {
			contacts := c.Contacts()
			if len(contacts) == 0 {
				fmt.Println("No contacts.")
			}
			for _, u := range contacts {
				fmt.Printf("  %s\n", u)
			}
			if blocked := c.Blocked(); len(blocked) > 0 {
				fmt.Println("Blocked:")
				for _, u := range blocked {
					fmt.Printf("  %s\n", u)
				}
			}
			return nil
		})
	},
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <user>",
	Short: "Add a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *chatsync.Client) error {
			if _, err := c.AddContact(args[0]); err != nil {
				return err
			}
			fmt.Printf("Added %s\n", args[0])
			return nil
		})
	},
}

var contactsRemoveCmd = &cobra.Command{
	Use:   "remove <user>",
	Short: "Remove a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *chatsync.Client) error {
			if err := c.RemoveContact(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		})
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <user>",
	Short: "Block a user and discard their chats",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *chatsync.Client) error {
			if err := c.Block(args[0]); err != nil {
				return err
			}
			fmt.Printf("Blocked %s\n", args[0])
			return nil
		})
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <user>",
	Short: "Unblock a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *chatsync.Client) error {
			if err := c.Unblock(args[0]); err != nil {
				return err
			}
			fmt.Printf("Unblocked %s\n", args[0])
			return nil
		})
	},
}

// ============================================================================
// privacy
// ============================================================================

var privacyCmd = &cobra.Command{
	Use:       "privacy [everyone|contacts|nobody]",
	Short:     "Show or set who can message you",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{string(chatsync.AllowEveryone), string(chatsync.AllowContacts), string(chatsync.AllowNobody)},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *chatsync.Client) error {
			p := c.Privacy()
			if len(args) == 0 {
				fmt.Printf("Who can message: %s\n", p.WhoCanMessage)
				fmt.Printf("Read receipts:   %t\n", p.ReadReceipts)
				fmt.Printf("Last seen:       %s\n", p.LastSeen)
				return nil
			}
			switch w := chatsync.WhoCanMessage(args[0]); w {
			case chatsync.AllowEveryone, chatsync.AllowContacts, chatsync.AllowNobody:
				p.WhoCanMessage = w
			default:
				return fmt.Errorf("invalid setting %q (valid: everyone, contacts, nobody)", args[0])
			}
			if err := c.SetPrivacy(p); err != nil {
				return err
			}
			fmt.Printf("Who can message: %s\n", p.WhoCanMessage)
			return nil
		})
	},
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users [search]",
	Short: "Search the backend user directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		return withSession(func(c *chatsync.Client) error {
			ctx, cancel := timeoutContext()
			defer cancel()
			users, err := c.SearchUsers(ctx, query)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if usersJSON {
				return printJSON(users)
			}
			if len(users) == 0 {
				fmt.Println("No users found.")
				return nil
			}
			for _, u := range users {
				fmt.Printf("  %-20s %-20s %s\n", u.Username, valueOrDefault(u.DisplayName, "-"), string(c.State(u.Username)))
			}
			return nil
		})
	},
}
