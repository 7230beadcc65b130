package hellodev

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// TypingIdleTimeout is how long after the last keystroke a typing burst ends.
const TypingIdleTimeout = 1 * time.Second

// UpdateKind says what changed in a ConversationUpdate.
type UpdateKind string

const (
	UpdateHistory  UpdateKind = "history"
	UpdateMessage  UpdateKind = "message"
	UpdateTyping   UpdateKind = "typing"
	UpdateReadOnly UpdateKind = "read_only"
	UpdateError    UpdateKind = "error"
)

// ConversationUpdate is delivered to Conversation subscribers after a state change.
type ConversationUpdate struct {
	Kind        UpdateKind
	Message     *Message
	TypingPeers []string
	ReadOnly    bool
	// Err is the policy error behind a read-only or error update.
	Err error
}

// Conversation is one open chat. It exists from Chats.Open until Close; nothing is kept
// after Close and reopening fetches the history again.
//
// Messages are unique by id and only ever appended. Push events that arrive while the
// history is loading are queued and applied after it. A message older than the loaded
// window is discarded rather than inserted out of order.
type Conversation struct {
	chats *ChatsClient
	id    string
	self  string

	mu           sync.Mutex
	peerID       string
	participants []Participant
	messages     []Message
	seen         map[string]struct{}
	windowStart  time.Time
	typing       map[string]struct{}
	readOnly     bool
	policyErr    *PolicyError
	loading      bool
	pending      []Message
	closed       bool
	localTyping  bool
	typingGen    uint64
	idleTimer    Timer

	scope   Scope
	updates Listeners[ConversationUpdate]
}

func newConversation(ch *ChatsClient, id, self string) *Conversation {
	conv := &Conversation{
		chats:   ch,
		id:      id,
		self:    self,
		seen:    make(map[string]struct{}),
		typing:  make(map[string]struct{}),
		loading: true,
	}
	bus := ch.tr.Events()
	conv.scope.Add(bus.OnMessage(conv.onMessage))
	conv.scope.Add(bus.OnTyping(conv.onTyping))
	conv.scope.Add(bus.OnMessageError(conv.onMessageError))
	return conv
}

// ID returns the chat id.
func (c *Conversation) ID() string { return c.id }

// PeerID returns the other participant.
func (c *Conversation) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Participants returns the chat members as listed by the server.
func (c *Conversation) Participants() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Participant(nil), c.participants...)
}

// Messages returns a copy of the message sequence, oldest first.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// TypingPeers returns the users currently typing, sorted.
func (c *Conversation) TypingPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingLocked()
}

// ReadOnly reports whether sends are blocked by a friendship policy.
func (c *Conversation) ReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnly
}

// Subscribe registers h for updates until the subscription or the Conversation is released.
func (c *Conversation) Subscribe(h func(ConversationUpdate)) *Subscription {
	sub := c.updates.Add(h)
	c.scope.Add(sub)
	return sub
}

// Send emits body to the peer. Nothing is appended locally: the message shows up when the
// server echoes it back over the channel.
func (c *Conversation) Send(ctx context.Context, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return errors.New("empty message")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConversationClosed
	}
	if c.readOnly {
		err := c.readOnlyErrLocked()
		c.mu.Unlock()
		return err
	}
	peer := c.peerID
	stop := c.stopTypingLocked()
	c.mu.Unlock()

	if stop {
		c.emitQuiet(ctx, CmdStopTyping, TypingPayload{ChatID: c.id, RecipientID: peer})
	}
	c.chats.noteSend(c.id)
	if err := c.chats.tr.Emit(ctx, CmdSendMessage, SendMessagePayload{ChatID: c.id, RecipientID: peer, Content: body}); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Keystroke reports local typing. The first keystroke of a burst emits typing; a burst ends
// TypingIdleTimeout after the last keystroke, or on Send, with stopTyping.
func (c *Conversation) Keystroke(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConversationClosed
	}
	if c.readOnly {
		c.mu.Unlock()
		return nil
	}
	start := !c.localTyping
	c.localTyping = true
	c.typingGen++
	gen := c.typingGen
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = c.chats.c.clock.AfterFunc(TypingIdleTimeout, func() { c.typingIdle(gen) })
	peer := c.peerID
	c.mu.Unlock()

	if start {
		return c.chats.tr.Emit(ctx, CmdTyping, TypingPayload{ChatID: c.id, RecipientID: peer})
	}
	return nil
}

// Close leaves the channel room, releases every subscription and evicts the Conversation.
func (c *Conversation) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	stop := c.stopTypingLocked()
	c.closed = true
	peer := c.peerID
	c.mu.Unlock()

	if stop {
		c.emitQuiet(ctx, CmdStopTyping, TypingPayload{ChatID: c.id, RecipientID: peer})
	}
	c.scope.Release()
	c.chats.evict(c)

	err := c.chats.tr.Emit(ctx, CmdLeaveChat, ChatRef{ChatID: c.id})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("failed to leave chat: %w", err)
	}
	return nil
}

// ============================================================================
// State transitions
// ============================================================================

// load applies the fetched history wholesale, then replays what arrived meanwhile.
func (c *Conversation) load(h *ChatHistory, fetchStart time.Time) {
	c.mu.Lock()
	c.participants = h.Participants
	if p := h.Peer(c.self); p != nil {
		c.peerID = p.ID
	}
	c.messages = c.messages[:0]
	c.seen = make(map[string]struct{}, len(h.Messages))
	for _, m := range h.Messages {
		if _, dup := c.seen[m.ID]; dup {
			continue
		}
		c.seen[m.ID] = struct{}{}
		c.messages = append(c.messages, m)
		if c.peerID == "" && m.SenderID != c.self {
			c.peerID = m.SenderID
		}
	}
	if len(c.messages) > 0 {
		c.windowStart = c.messages[0].CreatedAt
	}
	var replayed []Message
	typingChanged := false
	for _, m := range c.pending {
		ok, cleared := c.applyLocked(m)
		if ok {
			replayed = append(replayed, m)
		}
		typingChanged = typingChanged || cleared
	}
	c.pending = nil
	c.loading = false
	peer := c.peerID
	typing := c.typingLocked()
	c.mu.Unlock()

	if c.chats.isBlocked(peer) {
		c.setReadOnly(true, nil)
	}
	c.updates.emit(ConversationUpdate{Kind: UpdateHistory})
	for i := range replayed {
		c.updates.emit(ConversationUpdate{Kind: UpdateMessage, Message: &replayed[i]})
	}
	if typingChanged {
		c.updates.emit(ConversationUpdate{Kind: UpdateTyping, TypingPeers: typing})
	}
	if len(replayed) > 0 {
		c.chats.logger.Debug().Str("chat_id", c.id).Int("replayed", len(replayed)).Time("fetch_start", fetchStart).Msg("Replayed pushes queued during load")
	}
}

// merge appends history messages not seen yet and returns how many were added.
func (c *Conversation) merge(msgs []Message) int {
	added := 0
	for _, m := range msgs {
		if c.apply(m) {
			added++
		}
	}
	return added
}

// apply appends m and notifies subscribers. Pushes that arrive during load are queued.
func (c *Conversation) apply(m Message) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.loading {
		c.pending = append(c.pending, m)
		c.mu.Unlock()
		return false
	}
	ok, cleared := c.applyLocked(m)
	typing := c.typingLocked()
	c.mu.Unlock()

	if !ok {
		return false
	}
	c.updates.emit(ConversationUpdate{Kind: UpdateMessage, Message: &m})
	if cleared {
		c.updates.emit(ConversationUpdate{Kind: UpdateTyping, TypingPeers: typing})
	}
	return true
}

// applyLocked appends m unless it is a duplicate or older than the loaded window. cleared
// reports whether the sender's typing entry was removed.
func (c *Conversation) applyLocked(m Message) (ok, cleared bool) {
	if _, dup := c.seen[m.ID]; dup {
		return false, false
	}
	if !c.windowStart.IsZero() && !m.CreatedAt.IsZero() && m.CreatedAt.Before(c.windowStart) {
		c.chats.logger.Debug().Str("chat_id", c.id).Str("message_id", m.ID).Msg("Discarded message older than loaded window")
		return false, false
	}
	c.seen[m.ID] = struct{}{}
	c.messages = append(c.messages, m)
	_, cleared = c.typing[m.SenderID]
	delete(c.typing, m.SenderID)
	return true, cleared
}

func (c *Conversation) setReadOnly(readOnly bool, pe *PolicyError) {
	c.mu.Lock()
	if c.closed || c.readOnly == readOnly {
		c.mu.Unlock()
		return
	}
	c.readOnly = readOnly
	c.policyErr = pe
	stop := readOnly && c.stopTypingLocked()
	peer := c.peerID
	c.mu.Unlock()

	if stop {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		c.emitQuiet(ctx, CmdStopTyping, TypingPayload{ChatID: c.id, RecipientID: peer})
		cancel()
	}

	up := ConversationUpdate{Kind: UpdateReadOnly, ReadOnly: readOnly}
	if pe != nil {
		up.Err = pe
	}
	c.updates.emit(up)
}

// release drops the push subscriptions of a Conversation that never finished opening.
func (c *Conversation) release() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.scope.Release()
}

// ============================================================================
// Push handlers
// ============================================================================

func (c *Conversation) onMessage(m Message) {
	if m.ConversationID != c.id {
		return
	}
	if c.apply(m) && m.SenderID != c.self && c.chats.c.unread.Active() == c.id {
		go c.chats.acknowledge(c.id)
	}
}

func (c *Conversation) onTyping(ev UserTypingEvent) {
	if ev.ChatID != c.id || ev.UserID == "" || ev.UserID == c.self {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	_, was := c.typing[ev.UserID]
	if ev.IsTyping {
		c.typing[ev.UserID] = struct{}{}
	} else {
		delete(c.typing, ev.UserID)
	}
	changed := was != ev.IsTyping
	typing := c.typingLocked()
	c.mu.Unlock()

	if changed {
		c.updates.emit(ConversationUpdate{Kind: UpdateTyping, TypingPeers: typing})
	}
}

func (c *Conversation) onMessageError(chatID string, pe *PolicyError) {
	if c.chats.sendTarget(chatID) != c.id {
		return
	}
	if pe.Type == PolicyNotFriends {
		c.chats.markBlocked(c.PeerID())
		c.setReadOnly(true, pe)
		return
	}
	c.updates.emit(ConversationUpdate{Kind: UpdateError, Err: pe})
}

// ============================================================================
// Typing
// ============================================================================

func (c *Conversation) typingIdle(gen uint64) {
	c.mu.Lock()
	if gen != c.typingGen || !c.localTyping {
		c.mu.Unlock()
		return
	}
	c.localTyping = false
	c.idleTimer = nil
	peer := c.peerID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	c.emitQuiet(ctx, CmdStopTyping, TypingPayload{ChatID: c.id, RecipientID: peer})
}

// stopTypingLocked ends the local burst and reports whether stopTyping must be emitted.
func (c *Conversation) stopTypingLocked() bool {
	c.typingGen++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	was := c.localTyping
	c.localTyping = false
	return was
}

func (c *Conversation) typingLocked() []string {
	out := make([]string, 0, len(c.typing))
	for id := range c.typing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Conversation) readOnlyErrLocked() error {
	if c.policyErr != nil {
		return c.policyErr
	}
	return &PolicyError{Type: PolicyNotFriends, Message: "you are no longer friends with this user"}
}

func (c *Conversation) emitQuiet(ctx context.Context, eventType string, payload any) {
	if err := c.chats.tr.Emit(ctx, eventType, payload); err != nil && !errors.Is(err, ErrNotConnected) {
		c.chats.logger.Warn().Err(err).Str("chat_id", c.id).Str("event", eventType).Msg("Emit failed")
	}
}
