package main

import (
	"fmt"

	"github.com/sheetchat/chatsync"
	"github.com/spf13/cobra"
)

var accountPhone string

func init() {
	registerCmd.Flags().StringVar(&accountPhone, "phone", "", "Phone number for the account")
	loginCmd.Flags().StringVar(&accountPhone, "phone", "", "Phone number for the account")
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account on the backend",
	Long:  "Register a new account with the backend and store it as the signed-in user.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signIn(args[0], true)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in to an existing account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signIn(args[0], false)
	},
}

func signIn(username string, create bool) error {
	cfg, err := loadStoredConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	effective, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	backend, err := newBackend(effective)
	if err != nil {
		return err
	}
	kv, err := openKV(effective)
	if err != nil {
		return err
	}
	defer kv.Close()

	ctx, cancel := timeoutContext()
	defer cancel()

	var user *chatsync.User
	if create {
		user, err = chatsync.Register(ctx, backend, kv, username, accountPhone)
	} else {
		user, err = chatsync.Login(ctx, backend, kv, username, accountPhone)
	}
	if err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}

	cfg.Default.Username = user.Username
	cfg.Default.UserID = user.UserID
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	if create {
		fmt.Println("Registration successful!")
	} else {
		fmt.Println("Signed in.")
	}
	fmt.Printf("  User ID:  %s\n", user.UserID)
	fmt.Printf("  Username: %s\n", user.Username)
	if user.DisplayName != "" {
		fmt.Printf("  Name:     %s\n", user.DisplayName)
	}
	return nil
}
