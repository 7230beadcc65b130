package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	hellodev "github.com/Merge-Pray/HelloDev-sub000"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatsListJSON bool
	chatsOpenPeer string
	chatsOpenWait time.Duration
)

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List and open chats",
}

// ============================================================================
// chats list
// ============================================================================

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats with their unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		self, err := s.requireLogin(ctx)
		if err != nil {
			return err
		}

		chats, err := s.client.Chats.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatsListJSON {
			out, err := json.MarshalIndent(chats, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode chats: %w", err)
			}
			fmt.Println(string(out))
			return nil
		}

		if len(chats) == 0 {
			fmt.Println("No chats found.")
			return nil
		}

		for i := range chats {
			c := &chats[i]
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			last := ""
			if c.LastMessage != nil {
				last = ": " + truncate(c.LastMessage.Body, 40)
			}
			fmt.Printf("  %s  %s%s%s\n", c.ID, displayName(c.Peer(self.ID)), unread, last)
		}
		return nil
	},
}

// ============================================================================
// chats open
// ============================================================================

var chatsOpenCmd = &cobra.Command{
	Use:   "open [chat-id]",
	Short: "Open a chat, stream messages and send lines from stdin",
	Long:  "Open a chat by id, or with a user via --peer. History is printed first, then live\nmessages and typing notices. Every line typed on stdin is sent. Ctrl-D or Ctrl-C leaves.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (len(args) == 0) == (chatsOpenPeer == "") {
			return fmt.Errorf("give exactly one of <chat-id> or --peer")
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, stop := signalContext()
		defer stop()

		self, err := s.requireLogin(ctx)
		if err != nil {
			return err
		}

		ch := s.client.Channel()
		ch.Start(ctx)
		defer ch.Stop()
		if err := waitConnected(ctx, ch, chatsOpenWait); err != nil {
			s.logger.Warn().Err(err).Msg("Continuing without realtime channel, it will join once connected")
		}

		var conv *hellodev.Conversation
		if chatsOpenPeer != "" {
			conv, err = s.client.Chats.OpenWith(ctx, chatsOpenPeer)
		} else {
			conv, err = s.client.Chats.Open(ctx, args[0])
		}
		if err != nil {
			return fmt.Errorf("cannot open chat: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = conv.Close(closeCtx)
		}()

		names := participantNames(conv.Participants(), self.ID)
		fmt.Printf("Chat %s with %s\n", conv.ID(), names[conv.PeerID()])
		for _, m := range conv.Messages() {
			printMessage(m, names)
		}
		if conv.ReadOnly() {
			fmt.Println("-- read-only: you can only message friends --")
		}

		sub := conv.Subscribe(func(u hellodev.ConversationUpdate) {
			switch u.Kind {
			case hellodev.UpdateMessage:
				if u.Message != nil {
					printMessage(*u.Message, names)
				}
			case hellodev.UpdateTyping:
				if len(u.TypingPeers) > 0 {
					typing := make([]string, 0, len(u.TypingPeers))
					for _, id := range u.TypingPeers {
						typing = append(typing, names[id])
					}
					fmt.Printf("-- %s typing --\n", strings.Join(typing, ", "))
				}
			case hellodev.UpdateReadOnly:
				if u.ReadOnly {
					fmt.Printf("-- read-only: %v --\n", u.Err)
				} else {
					fmt.Println("-- you can send messages again --")
				}
			case hellodev.UpdateError:
				fmt.Printf("-- error: %v --\n", u.Err)
			}
		})
		defer sub.Release()

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				select {
				case lines <- scanner.Text():
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if err := conv.Send(ctx, line); err != nil {
					switch {
					case errors.Is(err, hellodev.ErrReadOnly):
						fmt.Println("-- not sent: conversation is read-only --")
					case errors.Is(err, hellodev.ErrNotConnected):
						fmt.Println("-- not sent: offline, waiting for reconnect --")
					default:
						return fmt.Errorf("send failed: %w", err)
					}
				}
			}
		}
	},
}

// participantNames maps participant ids to printable names, with "you" for self.
func participantNames(ps []hellodev.Participant, self string) map[string]string {
	names := make(map[string]string, len(ps)+1)
	for i := range ps {
		names[ps[i].ID] = displayName(&ps[i])
	}
	names[self] = "you"
	return names
}

func printMessage(m hellodev.Message, names map[string]string) {
	who, ok := names[m.SenderID]
	if !ok {
		who = m.SenderID
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, m.Body)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	rootCmd.AddCommand(chatsCmd)
	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsOpenCmd)

	chatsListCmd.Flags().BoolVar(&chatsListJSON, "json", false, "Output JSON")

	chatsOpenCmd.Flags().StringVar(&chatsOpenPeer, "peer", "", "Open (or create) the chat with this user id")
	chatsOpenCmd.Flags().DurationVar(&chatsOpenWait, "connect-timeout", 10*time.Second, "How long to wait for the realtime channel before opening")
}
