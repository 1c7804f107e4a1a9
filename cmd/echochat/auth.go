package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var authPassword string

func init() {
	for _, c := range []*cobra.Command{registerCmd, loginCmd} {
		c.Flags().StringVarP(&authPassword, "password", "p", "", "Account password (defaults to $ECHOCHAT_PASSWORD)")
	}
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
}

func password() (string, error) {
	if authPassword != "" {
		return authPassword, nil
	}
	if p := os.Getenv("ECHOCHAT_PASSWORD"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("a password is required (--password or $ECHOCHAT_PASSWORD)")
}

var registerCmd = &cobra.Command{
	Use:   "register <name> <email>",
	Short: "Create an account and log in",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := password()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := newClient(cfg).Auth.Register(ctx, args[0], args[1], pw)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		storeSession(cfg, s)
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Registration successful!")
		fmt.Printf("  User ID: %s\n", s.UserID)
		fmt.Printf("  Email:   %s\n", s.Email)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and store the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := password()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := newClient(cfg).Auth.Login(ctx, args[0], pw)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		storeSession(cfg, s)
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		logger.Debug("logged in")

		fmt.Printf("Logged in as %s (%s)\n", valueOrDefault(s.Email, s.UserID), s.UserID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Store:       %s\n", valueOrDefault(cfg.Store.Backend, "bolt"))
		fmt.Printf("  Reply mode:  %s\n", valueOrDefault(cfg.Reply.Mode, "none"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID == "" {
			fmt.Println("  User:        (not logged in)")
			return nil
		}
		fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
		fmt.Printf("  Email:       %s\n", valueOrDefault(cfg.Auth.Email, "(unknown)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = "present " + maskToken(cfg.Auth.Token)
			if cfg.Auth.Expires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.Expires)
				switch {
				case err != nil:
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.Expires)
				case time.Now().Before(expires):
					tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
				default:
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
				}
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)
		return nil
	},
}
