package hellodev

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChannelConfig() ChannelConfig {
	return ChannelConfig{
		ConnectTimeout:     2 * time.Second,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
		Jitter:             func() float64 { return 0 },
	}
}

func startChannel(t *testing.T, c *Client) *Channel {
	t.Helper()
	ch := c.Channel()
	ch.Start(context.Background())
	t.Cleanup(ch.Stop)
	return ch
}

func waitState(t *testing.T, ch *Channel, want ChannelState) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == want }, 5*time.Second, 5*time.Millisecond,
		"channel never reached %s (last %s)", want, ch.State())
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ChannelState
}

func (r *stateRecorder) record(s ChannelState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) seen(s ChannelState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.states {
		if v == s {
			return true
		}
	}
	return false
}

func TestChannel(t *testing.T) {
	t.Run("connects and relays events both ways", func(t *testing.T) {
		b := newFakeBackend(t)
		c := loggedInClient(t, b, WithChannelConfig(testChannelConfig()))
		assert.Equal(t, "ws"+b.URL()[len("http"):]+"/ws", c.Channel().URL())

		var got atomic.Value
		c.Channel().Events().OnMessage(func(m Message) { got.Store(m) })

		ch := startChannel(t, c)
		waitState(t, ch, ChannelConnected)
		require.Eventually(t, func() bool { return b.openConns() == 1 }, 5*time.Second, 5*time.Millisecond)

		b.push(EventReceiveMessage, pushMessage("m1", "c1", "u-bob", "hello", testEpoch))
		require.Eventually(t, func() bool { return got.Load() != nil }, 5*time.Second, 5*time.Millisecond)
		assert.Equal(t, "hello", got.Load().(Message).Body)

		require.NoError(t, ch.Emit(context.Background(), CmdJoinChat, ChatRef{ChatID: "c1"}))
		require.Eventually(t, func() bool { return b.received(CmdJoinChat) == 1 }, 5*time.Second, 5*time.Millisecond)
	})

	t.Run("emit while disconnected fails", func(t *testing.T) {
		c := NewClient()
		err := c.Channel().Emit(context.Background(), CmdTyping, TypingPayload{ChatID: "c1"})
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Equal(t, ChannelDisconnected, c.Channel().State())
	})

	t.Run("stays down without an identity", func(t *testing.T) {
		b := newFakeBackend(t)
		c := NewClient(WithBaseURL(b.URL()), WithChannelConfig(testChannelConfig()))
		ch := startChannel(t, c)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, ChannelDisconnected, ch.State())
		assert.EqualValues(t, 0, b.handshakes.Load())
	})

	t.Run("logout tears the channel down before returning", func(t *testing.T) {
		b := newFakeBackend(t)
		c := loggedInClient(t, b, WithChannelConfig(testChannelConfig()))
		ch := startChannel(t, c)
		waitState(t, ch, ChannelConnected)

		var disconnects atomic.Int32
		ch.Events().OnDisconnect(func(DisconnectEvent) { disconnects.Add(1) })

		require.NoError(t, c.Auth.Logout(context.Background()))
		assert.Equal(t, ChannelDisconnected, ch.State())
		assert.EqualValues(t, 1, disconnects.Load())
		assert.ErrorIs(t, ch.Emit(context.Background(), CmdTyping, nil), ErrNotConnected)
		require.Eventually(t, func() bool { return b.openConns() == 0 }, 5*time.Second, 5*time.Millisecond)
		assert.EqualValues(t, 1, b.handshakes.Load())
	})

	t.Run("rejected handshake refreshes then reconnects", func(t *testing.T) {
		b := newFakeBackend(t)
		c := loggedInClient(t, b, WithChannelConfig(testChannelConfig()))
		b.expireAccess()

		var rec stateRecorder
		c.Channel().OnStateChange(rec.record)
		var connectErrors atomic.Int32
		c.Channel().Events().Subscribe(EventConnectError, func(json.RawMessage) { connectErrors.Add(1) })

		ch := startChannel(t, c)
		waitState(t, ch, ChannelConnected)

		assert.EqualValues(t, 1, b.refreshes.Load())
		assert.EqualValues(t, 2, b.handshakes.Load())
		assert.True(t, rec.seen(ChannelReauthenticating))
		assert.EqualValues(t, 1, connectErrors.Load())
		assert.NotNil(t, c.Session().Identity())
	})

	t.Run("repeated auth rejection backs off between refreshes", func(t *testing.T) {
		b := newFakeBackend(t)
		cfg := testChannelConfig()
		cfg.MaxReconnectAttempts = 3
		c := loggedInClient(t, b, WithChannelConfig(cfg))
		b.rejectChannelAuth()

		var rec stateRecorder
		c.Channel().OnStateChange(rec.record)
		ch := startChannel(t, c)

		require.Eventually(t, func() bool { return b.handshakes.Load() == 5 && ch.State() == ChannelDisconnected }, 5*time.Second, 5*time.Millisecond)
		time.Sleep(100 * time.Millisecond)

		// One immediate refresh, then one per backoff attempt until attempts run out.
		assert.EqualValues(t, 5, b.handshakes.Load())
		assert.EqualValues(t, 4, b.refreshes.Load())
		assert.True(t, rec.seen(ChannelReauthenticating))
		assert.NotNil(t, c.Session().Identity())
	})

	t.Run("failed refresh clears the identity and stays down", func(t *testing.T) {
		b := newFakeBackend(t)
		c := loggedInClient(t, b, WithChannelConfig(testChannelConfig()))
		b.setRefreshStatus(http.StatusUnauthorized)
		b.expireAccess()

		ch := startChannel(t, c)
		require.Eventually(t, func() bool { return c.Session().Identity() == nil }, 5*time.Second, 5*time.Millisecond)
		waitState(t, ch, ChannelDisconnected)

		time.Sleep(50 * time.Millisecond)
		assert.EqualValues(t, 1, b.handshakes.Load())
		assert.EqualValues(t, 1, b.refreshes.Load())
	})

	t.Run("auth close on an open channel goes through refresh", func(t *testing.T) {
		b := newFakeBackend(t)
		c := loggedInClient(t, b, WithChannelConfig(testChannelConfig()))
		ch := startChannel(t, c)
		waitState(t, ch, ChannelConnected)
		require.Eventually(t, func() bool { return b.openConns() == 1 }, 5*time.Second, 5*time.Millisecond)

		b.expireAccess()
		b.dropAll(4401, "token expired")

		require.Eventually(t, func() bool { return b.handshakes.Load() == 2 && b.openConns() == 1 }, 5*time.Second, 5*time.Millisecond)
		waitState(t, ch, ChannelConnected)
		assert.EqualValues(t, 1, b.refreshes.Load())
	})

	t.Run("server close reconnects", func(t *testing.T) {
		b := newFakeBackend(t)
		c := loggedInClient(t, b, WithChannelConfig(testChannelConfig()))
		ch := startChannel(t, c)
		waitState(t, ch, ChannelConnected)
		require.Eventually(t, func() bool { return b.openConns() == 1 }, 5*time.Second, 5*time.Millisecond)

		var mu sync.Mutex
		var drops []DisconnectEvent
		ch.Events().OnDisconnect(func(ev DisconnectEvent) {
			mu.Lock()
			drops = append(drops, ev)
			mu.Unlock()
		})

		b.dropAll(1001, "server restarting")
		require.Eventually(t, func() bool { return b.handshakes.Load() == 2 && b.openConns() == 1 }, 5*time.Second, 5*time.Millisecond)
		waitState(t, ch, ChannelConnected)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, drops, 1)
		assert.True(t, drops[0].Server)
		assert.Equal(t, 1001, drops[0].Code)
		assert.EqualValues(t, 0, b.refreshes.Load())
	})

	t.Run("gives up after max reconnect attempts", func(t *testing.T) {
		var dials atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dials.Add(1)
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		cfg := testChannelConfig()
		cfg.MaxReconnectAttempts = 2
		c := NewClient(WithBaseURL(srv.URL), WithChannelConfig(cfg))
		c.session.set(&Identity{ID: "u1"}, "test")

		var rec stateRecorder
		c.Channel().OnStateChange(rec.record)
		ch := startChannel(t, c)

		require.Eventually(t, func() bool { return dials.Load() == 3 && ch.State() == ChannelDisconnected }, 5*time.Second, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.EqualValues(t, 3, dials.Load())
		assert.True(t, rec.seen(ChannelConnecting))
		assert.False(t, rec.seen(ChannelReauthenticating))
	})
}
