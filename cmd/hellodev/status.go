package main

import (
	"context"
	"fmt"
	"time"

	hellodev "github.com/Merge-Pray/HelloDev-sub000"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration and check the stored session against the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		fmt.Println("Configuration:")
		fmt.Printf("  Environment:  %s\n", valueOrDefault(s.cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:     %s\n", s.client.BaseURL())
		fmt.Printf("  Grace period: %s\n", valueOrDefault(s.cfg.Session.GracePeriod, hellodev.DefaultGracePeriod.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := s.client.Validate(ctx)
		if err != nil {
			return fmt.Errorf("session check failed: %w", err)
		}

		fmt.Println()
		fmt.Println("Session:")
		switch res.Reason {
		case hellodev.ReasonNoStoredIdentity:
			fmt.Println("  Not logged in.")
			return nil
		case hellodev.ReasonServerConfirmed:
			fmt.Println("  Status:       valid (confirmed by server)")
		case hellodev.ReasonCachedFallback:
			fmt.Printf("  Status:       valid (server unreachable, using cached session: %v)\n", res.Err)
		case hellodev.ReasonServerRejected:
			fmt.Printf("  Status:       rejected (%v)\n", res.Err)
		case hellodev.ReasonNetworkError:
			fmt.Printf("  Status:       invalid (server unreachable and cached session too old: %v)\n", res.Err)
		}
		if res.Identity != nil {
			fmt.Printf("  Handle:       %s\n", res.Identity.Handle)
			fmt.Printf("  Display Name: %s\n", valueOrDefault(res.Identity.DisplayName, "(none)"))
			fmt.Printf("  User ID:      %s\n", res.Identity.ID)
			if at := s.client.Session().EstablishedAt(); !at.IsZero() {
				fmt.Printf("  Confirmed:    %s\n", at.Format(time.RFC3339))
			}
		}
		return nil
	},
}
