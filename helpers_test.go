package hellodev

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func nopLogger() zerolog.Logger { return zerolog.Nop() }

// ============================================================================
// Manual clock
// ============================================================================

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers in deadline order on the caller's goroutine.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	rest := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending reports how many timers are armed.
func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// ============================================================================
// Fake transport
// ============================================================================

type emitted struct {
	Type    string
	Payload json.RawMessage
}

// fakeTransport stands in for the push channel: commands are recorded, inbound events
// are injected with push.
type fakeTransport struct {
	bus *EventBus

	mu        sync.Mutex
	connected bool
	sent      []emitted
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{bus: NewEventBus(), connected: true}
}

func (f *fakeTransport) Events() *EventBus { return f.bus }

func (f *fakeTransport) Emit(_ context.Context, eventType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return &ChannelError{Op: "emit " + eventType, Err: ErrNotConnected}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, emitted{Type: eventType, Payload: raw})
	return nil
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeTransport) push(t *testing.T, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	f.bus.Publish(eventType, raw)
}

// commands returns the types of every emitted command, in order.
func (f *fakeTransport) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, e := range f.sent {
		out[i] = e.Type
	}
	return out
}

func (f *fakeTransport) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.sent {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last(eventType string) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == eventType {
			return f.sent[i].Payload
		}
	}
	return nil
}

// ============================================================================
// Flaky credential store
// ============================================================================

// lossyStore drops the first N saves while still reporting success.
type lossyStore struct {
	MemoryCredentialStore
	mu    sync.Mutex
	drop  int
	saves int
}

func (s *lossyStore) Save(rec *StoredIdentity) error {
	s.mu.Lock()
	s.saves++
	drop := s.drop > 0
	if drop {
		s.drop--
	}
	s.mu.Unlock()
	if drop {
		return nil
	}
	return s.MemoryCredentialStore.Save(rec)
}

func (s *lossyStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// ============================================================================
// Fixtures
// ============================================================================

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pushMessage(id, chatID, sender, body string, at time.Time) map[string]any {
	return map[string]any{
		"chatId": chatID,
		"message": map[string]any{
			"_id":       id,
			"chat":      chatID,
			"sender":    map[string]any{"_id": sender, "username": sender},
			"content":   body,
			"createdAt": at.Format(time.RFC3339Nano),
		},
	}
}

func restMessage(id, chatID, sender, body string, at time.Time) map[string]any {
	return map[string]any{
		"_id":       id,
		"chatId":    chatID,
		"sender":    sender,
		"content":   body,
		"createdAt": at.Format(time.RFC3339Nano),
	}
}

func messageIDs(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
