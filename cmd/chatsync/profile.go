package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sheetchat/chatsync"
	"github.com/spf13/cobra"
)

var (
	profileStatus    string
	membersRebuild   bool
	subscriptionFile string
)

func init() {
	profileCmd.Flags().StringVar(&profileStatus, "status", "", "Status line to set along with the name")
	membersCmd.Flags().BoolVar(&membersRebuild, "rebuild", false, "Rebuild the member list from the chat history first")
	pushCmd.Flags().StringVarP(&subscriptionFile, "file", "f", "", "Read the subscription JSON from a file instead of stdin")

	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(membersCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(readAllCmd)
	rootCmd.AddCommand(pushCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile [display-name]",
	Short: "Show or update your profile",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *chatsync.Client) error {
			p, _ := c.Profile()
			if len(args) == 0 && profileStatus == "" {
				fmt.Printf("Name:    %s\n", valueOrDefault(p.Name, "(not set)"))
				fmt.Printf("Status:  %s\n", valueOrDefault(p.Status, "(not set)"))
				if !p.CreatedAt.IsZero() {
					fmt.Printf("Created: %s\n", humanize.Time(p.CreatedAt))
				}
				return nil
			}

			name, status := p.Name, p.Status
			if len(args) == 1 {
				name = args[0]
			}
			if profileStatus != "" {
				status = profileStatus
			}
			ctx, cancel := timeoutContext()
			defer cancel()
			if err := c.UpdateProfile(ctx, name, status); err != nil {
				return fmt.Errorf("profile update failed: %w", err)
			}
			fmt.Println("Profile updated.")
			return nil
		})
	},
}

var membersCmd = &cobra.Command{
	Use:   "members [group]",
	Short: "List the observed members of a group chat",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		group := chatsync.GroupChatID
		if len(args) == 1 {
			group = args[0]
		}
		return withSession(func(c *chatsync.Client) error {
			if membersRebuild {
				if err := c.PopulateGroupMembers(); err != nil {
					return err
				}
			}
			members := c.GroupMembers(group)
			if len(members) == 0 {
				fmt.Println("No members seen yet.")
				return nil
			}
			fmt.Printf("%s (%d members)\n", group, len(members))
			for _, m := range members {
				fmt.Printf("  %s\n", m)
			}
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear <chat>",
	Short: "Delete the local history of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *chatsync.Client) error {
			if err := c.ClearChat(args[0]); err != nil {
				return err
			}
			fmt.Printf("Cleared %s\n", args[0])
			return nil
		})
	},
}

var readAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every chat read",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *chatsync.Client) error {
			if err := c.MarkAllRead(); err != nil {
				return err
			}
			fmt.Println("All chats marked read.")
			return nil
		})
	},
}

var pushCmd = &cobra.Command{
	Use:   "push-subscription",
	Short: "Store a push subscription and register it with the backend",
	Long:  "Read an opaque push subscription JSON blob from stdin (or --file), persist it and hand it to the backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if subscriptionFile != "" {
			data, err = os.ReadFile(subscriptionFile)
		} else {
			data, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("cannot read subscription: %w", err)
		}
		return withSession(func(c *chatsync.Client) error {
			ctx, cancel := timeoutContext()
			defer cancel()
			if err := c.SavePushSubscription(ctx, chatsync.PushSubscription(data)); err != nil {
				return fmt.Errorf("saving subscription failed: %w", err)
			}
			fmt.Printf("Push subscription saved (%s).\n", humanize.Bytes(uint64(len(data))))
			return nil
		})
	},
}
