package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	unreadWatch   bool
	unreadVerbose bool
)

func init() {
	rootCmd.AddCommand(unreadCmd)
	unreadCmd.Flags().BoolVarP(&unreadWatch, "watch", "w", false, "Keep the realtime channel open and print every change")
	unreadCmd.Flags().BoolVarP(&unreadVerbose, "verbose", "v", false, "Show per-chat counts")
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the number of unread messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, stop := signalContext()
		defer stop()

		if _, err := s.requireLogin(ctx); err != nil {
			return err
		}

		ledger := s.client.Unread()
		if !unreadWatch {
			reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			if err := s.client.Chats.SyncUnread(reqCtx); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			printUnread(ledger.Total())
			if unreadVerbose {
				for _, e := range ledger.Entries() {
					fmt.Printf("  %s: %d\n", e.ConversationID, e.Count)
				}
			}
			return nil
		}

		ch := s.client.Channel()
		ch.Start(ctx)
		defer ch.Stop()

		reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = s.client.Chats.SyncUnread(reqCtx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Initial unread sync failed, waiting for updates")
		}
		printUnread(ledger.Total())

		sub := ledger.OnChange(printUnread)
		defer sub.Release()

		<-ctx.Done()
		return nil
	},
}

func printUnread(total int) {
	if total == 0 {
		fmt.Println("No unread messages.")
		return
	}
	fmt.Printf("%d unread\n", total)
}
