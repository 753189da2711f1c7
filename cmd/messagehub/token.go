package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/4xmen/messagehub/internal/relay"
	"github.com/4xmen/messagehub/pkg/config"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token <email>",
	Short: "Register a user on the relay and print a session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToken(cfg, cmd.OutOrStdout(), args[0])
	},
}

// runToken prints env lines a chat session can be started with.
func runToken(cfg *config.Config, out io.Writer, email string) error {
	store, err := relay.OpenStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	user, err := store.EnsureUser(email)
	if err != nil {
		return err
	}
	token, err := relay.NewAuth(store, cfg.JWTSecret, tokenTTL).GenerateToken(user.ID, user.Email)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	fmt.Fprintf(out, "USER_ID=%s\n", user.ID)
	fmt.Fprintf(out, "AUTH_TOKEN=%s\n", token)
	return nil
}
