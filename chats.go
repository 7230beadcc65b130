package hellodev

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// transport is the part of the push channel the chat synchronizer needs.
type transport interface {
	Emit(ctx context.Context, eventType string, payload any) error
	Events() *EventBus
}

// ChatsClient is the chat REST API plus the synchronizer that keeps open Conversations and
// the unread ledger in step with the push channel.
type ChatsClient struct {
	c      *Client
	tr     transport
	logger zerolog.Logger

	mu         sync.Mutex
	open       map[string]*Conversation
	notFriends map[string]bool
	lastSend   string

	syncMu sync.Mutex
	subs   Scope
}

func newChatsClient(c *Client, tr transport) *ChatsClient {
	ch := &ChatsClient{
		c:          c,
		tr:         tr,
		logger:     c.logger.With().Str("component", "chats").Logger(),
		open:       make(map[string]*Conversation),
		notFriends: make(map[string]bool),
	}
	bus := tr.Events()
	ch.subs.Add(bus.OnMessage(ch.onMessage))
	ch.subs.Add(bus.OnUnreadCount(ch.onUnreadCount))
	ch.subs.Add(bus.OnConnect(func() { go ch.resync() }))
	return ch
}

// ============================================================================
// REST
// ============================================================================

// List returns the user's chats with per-chat unread counts.
func (ch *ChatsClient) List(ctx context.Context) ([]ChatSummary, error) {
	var raw json.RawMessage
	if err := ch.c.Call(ctx, http.MethodGet, "/chats", nil, &raw); err != nil {
		return nil, err
	}
	return parseChatList(raw), nil
}

// CreateOrGet returns the one-to-one chat with peerID, creating it if needed.
func (ch *ChatsClient) CreateOrGet(ctx context.Context, peerID string) (*ChatSummary, error) {
	var raw json.RawMessage
	body := map[string]string{"participantId": peerID}
	if err := ch.c.Call(ctx, http.MethodPost, "/chats/createGet", body, &raw); err != nil {
		return nil, err
	}
	s := parseChatSummary(raw)
	if s.ID == "" {
		return nil, &RequestError{Status: http.StatusOK, Code: "NO_CHAT", Message: "createGet returned no chat"}
	}
	return &s, nil
}

// Get fetches a chat with its message history, oldest first.
func (ch *ChatsClient) Get(ctx context.Context, chatID string) (*ChatHistory, error) {
	var raw json.RawMessage
	if err := ch.c.Call(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID), nil, &raw); err != nil {
		return nil, err
	}
	h := parseChatHistory(raw)
	if h.ID == "" {
		h.ID = chatID
	}
	return h, nil
}

// UnreadCount returns the server's total unread count.
func (ch *ChatsClient) UnreadCount(ctx context.Context) (int, error) {
	var raw json.RawMessage
	if err := ch.c.Call(ctx, http.MethodGet, "/chats/unread-count", nil, &raw); err != nil {
		return 0, err
	}
	return parseUnreadTotal(raw), nil
}

// MarkRead marks chatID read on the server and, once acknowledged, zeroes its ledger entry.
func (ch *ChatsClient) MarkRead(ctx context.Context, chatID string) error {
	var raw json.RawMessage
	if err := ch.c.Call(ctx, http.MethodPatch, "/chats/"+url.PathEscape(chatID)+"/mark-read", nil, &raw); err != nil {
		return err
	}
	at := parseTime(first(gjson.ParseBytes(raw), "readAt", "at"))
	if at.IsZero() {
		// The local clock is not comparable with server stamps; fall back to the
		// newest message the read is known to cover.
		at = ch.latestMessageAt(chatID)
	}
	ch.c.unread.MarkRead(chatID, at)
	return nil
}

// latestMessageAt is the server time of the newest message in the open conversation
// chatID, or zero.
func (ch *ChatsClient) latestMessageAt(chatID string) time.Time {
	conv := ch.Conversation(chatID)
	if conv == nil {
		return time.Time{}
	}
	var latest time.Time
	for _, m := range conv.Messages() {
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}
	return latest
}

// SyncUnread replaces the ledger with the per-chat counts from GET /chats.
func (ch *ChatsClient) SyncUnread(ctx context.Context) error {
	ch.syncMu.Lock()
	defer ch.syncMu.Unlock()

	at := ch.c.clock.Now()
	list, err := ch.List(ctx)
	if err != nil {
		return err
	}
	totals := make(map[string]int, len(list))
	for _, s := range list {
		totals[s.ID] = s.UnreadCount
	}
	ch.c.unread.OnSnapshot(totals, at)
	ch.logger.Debug().Int("chats", len(list)).Int("total", ch.c.unread.Total()).Msg("Unread ledger resynced")
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

// Open opens chatID: it joins the channel room, loads the history, replays push events that
// arrived while loading, and makes the conversation the active one. Opening an already open
// chat returns the existing Conversation.
func (ch *ChatsClient) Open(ctx context.Context, chatID string) (*Conversation, error) {
	self := ch.c.session.Identity()
	if self == nil {
		return nil, ErrNotAuthenticated
	}

	ch.mu.Lock()
	if conv, ok := ch.open[chatID]; ok {
		ch.mu.Unlock()
		ch.c.unread.SetActive(chatID)
		return conv, nil
	}
	conv := newConversation(ch, chatID, self.ID)
	ch.open[chatID] = conv
	ch.mu.Unlock()

	if err := ch.tr.Emit(ctx, CmdJoinChat, ChatRef{ChatID: chatID}); err != nil {
		if !errors.Is(err, ErrNotConnected) {
			ch.discard(conv)
			return nil, fmt.Errorf("failed to join chat: %w", err)
		}
		ch.logger.Debug().Str("chat_id", chatID).Msg("Channel down, room joined on connect")
	}

	fetchStart := ch.c.clock.Now()
	h, err := ch.Get(ctx, chatID)
	if err != nil {
		ch.discard(conv)
		return nil, err
	}
	conv.load(h, fetchStart)

	ch.c.unread.SetActive(chatID)
	if err := ch.MarkRead(ctx, chatID); err != nil {
		if IsAuthError(err) {
			ch.discard(conv)
			return nil, err
		}
		ch.logger.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to mark chat read")
	}
	ch.logger.Info().Str("chat_id", chatID).Int("messages", len(h.Messages)).Msg("Conversation opened")
	return conv, nil
}

// OpenWith opens the one-to-one chat with peerID, creating it if needed.
func (ch *ChatsClient) OpenWith(ctx context.Context, peerID string) (*Conversation, error) {
	s, err := ch.CreateOrGet(ctx, peerID)
	if err != nil {
		return nil, err
	}
	return ch.Open(ctx, s.ID)
}

// Conversation returns the open Conversation for chatID, or nil.
func (ch *ChatsClient) Conversation(chatID string) *Conversation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.open[chatID]
}

// SetFriendship records a friendship change with peerID. Becoming friends lifts the
// read-only state of conversations with that peer.
func (ch *ChatsClient) SetFriendship(peerID string, friends bool) {
	ch.mu.Lock()
	if friends {
		delete(ch.notFriends, peerID)
	} else {
		ch.notFriends[peerID] = true
	}
	var convs []*Conversation
	for _, conv := range ch.open {
		if conv.PeerID() == peerID {
			convs = append(convs, conv)
		}
	}
	ch.mu.Unlock()

	for _, conv := range convs {
		conv.setReadOnly(!friends, nil)
	}
}

func (ch *ChatsClient) isBlocked(peerID string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return peerID != "" && ch.notFriends[peerID]
}

func (ch *ChatsClient) markBlocked(peerID string) {
	if peerID == "" {
		return
	}
	ch.mu.Lock()
	ch.notFriends[peerID] = true
	ch.mu.Unlock()
}

func (ch *ChatsClient) noteSend(chatID string) {
	ch.mu.Lock()
	ch.lastSend = chatID
	ch.mu.Unlock()
}

// sendTarget attributes an unattributed messageError to the chat of the last send.
func (ch *ChatsClient) sendTarget(chatID string) string {
	if chatID != "" {
		return chatID
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.lastSend
}

func (ch *ChatsClient) evict(conv *Conversation) {
	ch.mu.Lock()
	if ch.open[conv.id] == conv {
		delete(ch.open, conv.id)
	}
	ch.mu.Unlock()
	ch.c.unread.ClearActive(conv.id)
}

// discard undoes a failed Open.
func (ch *ChatsClient) discard(conv *Conversation) {
	conv.release()
	ch.evict(conv)
}

func (ch *ChatsClient) snapshot() []*Conversation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*Conversation, 0, len(ch.open))
	for _, conv := range ch.open {
		out = append(out, conv)
	}
	return out
}

// ============================================================================
// Push handling
// ============================================================================

func (ch *ChatsClient) onMessage(m Message) {
	self := ch.c.session.Identity()
	if self != nil && m.SenderID == self.ID {
		return
	}
	ch.c.unread.OnPushDelta(m.ConversationID, UnreadDelta{Increment: 1, At: m.CreatedAt})
}

func (ch *ChatsClient) onUnreadCount(ev UnreadCountEvent) {
	if ev.ChatID != "" && ev.UnreadCount != nil {
		ch.c.unread.OnPushDelta(ev.ChatID, UnreadDelta{Replace: ev.UnreadCount, At: ev.At})
		return
	}
	// A bare total cannot be attributed to a chat; recompute from the server instead.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := ch.SyncUnread(ctx); err != nil {
			ch.logger.Warn().Err(err).Int("total", ev.TotalUnreadCount).Msg("Unread resync failed")
		}
	}()
}

// acknowledge sends a read receipt for a message that arrived in the active conversation.
func (ch *ChatsClient) acknowledge(chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := ch.tr.Emit(ctx, CmdMarkAsRead, ChatRef{ChatID: chatID}); err != nil && !errors.Is(err, ErrNotConnected) {
		ch.logger.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to emit read receipt")
	}
	if err := ch.MarkRead(ctx, chatID); err != nil {
		ch.logger.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to mark chat read")
	}
}

// resync runs after every (re)connect: rejoin rooms, merge what was missed, then rebuild
// the ledger from a snapshot.
func (ch *ChatsClient) resync() {
	if ch.c.session.Identity() == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*DefaultTimeout)
	defer cancel()

	for _, conv := range ch.snapshot() {
		if err := ch.tr.Emit(ctx, CmdJoinChat, ChatRef{ChatID: conv.id}); err != nil {
			ch.logger.Warn().Err(err).Str("chat_id", conv.id).Msg("Failed to rejoin chat")
			continue
		}
		h, err := ch.Get(ctx, conv.id)
		if err != nil {
			ch.logger.Warn().Err(err).Str("chat_id", conv.id).Msg("Failed to refetch history")
			continue
		}
		if n := conv.merge(h.Messages); n > 0 {
			ch.logger.Info().Str("chat_id", conv.id).Int("missed", n).Msg("Merged missed messages")
		}
	}
	if err := ch.SyncUnread(ctx); err != nil {
		ch.logger.Warn().Err(err).Msg("Unread resync failed")
	}
}
