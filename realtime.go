package hellodev

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the push channel.
type ChannelConfig struct {
	// Path is appended to the REST base URL (scheme switched to ws/wss).
	Path                 string
	ConnectTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	// StableAfter is how long a connection must stay up before the backoff resets.
	StableAfter time.Duration
	// Jitter overrides the backoff jitter source, mainly for tests.
	Jitter func() float64
}

func (c *ChannelConfig) defaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.StableAfter == 0 {
		c.StableAfter = 60 * time.Second
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	ChannelDisconnected     ChannelState = "disconnected"
	ChannelConnecting       ChannelState = "connecting"
	ChannelConnected        ChannelState = "connected"
	ChannelReauthenticating ChannelState = "reauthenticating"
)

// Close codes the server uses to reject credentials on an open channel.
const (
	closeUnauthorized websocket.StatusCode = 4401
)

// ============================================================================
// Channel
// ============================================================================

// Channel keeps one websocket open per authenticated Identity. It follows the Session:
// an Identity appearing starts the connection, a different Identity restarts it, and a
// cleared Identity tears it down before the setter returns.
//
// Transport drops reconnect with backoff. A close initiated by the server reconnects once
// immediately. Auth failures on the channel never retry directly; they go through the
// shared refresh coordinator and reconnect only once it resolves.
type Channel struct {
	c       *Client
	config  ChannelConfig
	logger  zerolog.Logger
	bus     *EventBus
	backoff *Backoff
	states  Listeners[ChannelState]

	mu         sync.Mutex
	started    bool
	parent     context.Context
	sessionSub *Subscription
	gen        uint64
	state      ChannelState
	conn       *websocket.Conn
	cancel     context.CancelFunc
	boundID    string
}

func newChannel(c *Client, config ChannelConfig) *Channel {
	config.defaults()
	return &Channel{
		c:      c,
		config: config,
		logger: c.logger.With().Str("component", "channel").Logger(),
		bus:    NewEventBus(),
		backoff: &Backoff{
			Base:        config.ReconnectBaseDelay,
			Max:         config.ReconnectMaxDelay,
			MaxAttempts: config.MaxReconnectAttempts,
			StableAfter: config.StableAfter,
			Clock:       c.clock,
			Jitter:      config.Jitter,
		},
		state: ChannelDisconnected,
	}
}

// Events returns the bus carrying inbound events and connection lifecycle events.
func (ch *Channel) Events() *EventBus { return ch.bus }

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// OnStateChange registers h for state transitions.
func (ch *Channel) OnStateChange(h func(ChannelState)) *Subscription {
	return ch.states.Add(h)
}

// URL returns the websocket endpoint.
func (ch *Channel) URL() string {
	u := strings.Replace(ch.c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + ch.config.Path
}

// Start binds the channel to the session. It connects now if an Identity is held and
// follows Identity changes until Stop or until ctx ends.
func (ch *Channel) Start(ctx context.Context) {
	ch.mu.Lock()
	if ch.started {
		ch.mu.Unlock()
		return
	}
	ch.started = true
	ch.parent = ctx
	ch.mu.Unlock()

	sub := ch.c.session.OnChange(ch.onIdentity)
	ch.mu.Lock()
	ch.sessionSub = sub
	ch.mu.Unlock()

	if id := ch.c.session.Identity(); id != nil {
		ch.onIdentity(id)
	}
}

// Stop unbinds from the session and closes the connection.
func (ch *Channel) Stop() {
	ch.mu.Lock()
	sub := ch.sessionSub
	ch.sessionSub = nil
	ch.started = false
	ch.mu.Unlock()

	sub.Release()
	ch.teardown("client disconnect")
}

func (ch *Channel) onIdentity(id *Identity) {
	if id == nil {
		ch.teardown("identity cleared")
		return
	}
	ch.mu.Lock()
	same := ch.cancel != nil && ch.boundID == id.ID
	ch.mu.Unlock()
	if same {
		return
	}
	ch.teardown("identity changed")
	ch.launch(id.ID)
}

func (ch *Channel) launch(userID string) {
	ch.mu.Lock()
	if !ch.started || ch.cancel != nil {
		ch.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ch.parent)
	ch.gen++
	gen := ch.gen
	ch.cancel = cancel
	ch.boundID = userID
	ch.mu.Unlock()

	ch.backoff.Reset()
	ch.logger.Debug().Str("user_id", userID).Msg("Channel bound to identity")
	go ch.run(ctx, gen)
}

// teardown drops the connection synchronously. The close handshake finishes in the background.
func (ch *Channel) teardown(reason string) {
	ch.mu.Lock()
	cancel := ch.cancel
	conn := ch.conn
	wasConnected := ch.state == ChannelConnected
	ch.cancel = nil
	ch.conn = nil
	ch.boundID = ""
	ch.gen++
	changed := ch.state != ChannelDisconnected
	ch.state = ChannelDisconnected
	ch.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		go conn.Close(websocket.StatusNormalClosure, reason)
	}
	if changed {
		ch.logger.Info().Str("reason", reason).Msg("Channel torn down")
		ch.states.emit(ChannelDisconnected)
	}
	if wasConnected {
		ch.publishDisconnect(DisconnectEvent{Code: int(websocket.StatusNormalClosure), Reason: reason})
	}
}

// setState applies s only if gen is still the live generation.
func (ch *Channel) setState(gen uint64, s ChannelState) bool {
	ch.mu.Lock()
	if ch.gen != gen {
		ch.mu.Unlock()
		return false
	}
	changed := ch.state != s
	ch.state = s
	ch.mu.Unlock()
	if changed {
		ch.logger.Debug().Str("state", string(s)).Msg("Channel state changed")
		ch.states.emit(s)
	}
	return true
}

// Emit sends a command over the channel.
func (ch *Channel) Emit(ctx context.Context, eventType string, payload any) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()

	if conn == nil {
		return &ChannelError{Op: "emit " + eventType, Err: ErrNotConnected}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", eventType, err)
	}
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw, RequestID: uuid.NewString()})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &ChannelError{Op: "emit " + eventType, Err: err}
	}
	return nil
}

// ============================================================================
// Connection loop
// ============================================================================

type dropInfo struct {
	code   int
	reason string
	server bool
	auth   bool
}

func (ch *Channel) run(ctx context.Context, gen uint64) {
	serverRetryUsed := false
	// refreshed is set after a successful refresh until a connection has been stable.
	// An auth failure while it is set backs off before refreshing again.
	refreshed := false
	for {
		if ctx.Err() != nil {
			return
		}
		if !ch.setState(gen, ChannelConnecting) {
			return
		}

		epoch := ch.c.refresher.Epoch()
		conn, err := ch.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ce *ChannelError
			if errors.As(err, &ce) && ce.AuthScoped {
				if refreshed && !ch.wait(ctx, gen, err) {
					return
				}
				if !ch.reauthenticate(ctx, gen, epoch, err) {
					return
				}
				refreshed = true
				continue
			}
			ch.publish(EventConnectError, ConnectErrorEvent{Message: err.Error()})
			if !ch.wait(ctx, gen, err) {
				return
			}
			continue
		}

		ch.mu.Lock()
		if ch.gen != gen {
			ch.mu.Unlock()
			go conn.Close(websocket.StatusNormalClosure, "superseded")
			return
		}
		ch.conn = conn
		ch.mu.Unlock()
		ch.setState(gen, ChannelConnected)
		ch.backoff.MarkConnected()
		connectedAt := ch.c.clock.Now()
		ch.logger.Info().Str("url", ch.URL()).Msg("Channel connected")
		ch.publish(EventConnect, struct{}{})

		var lost atomic.Bool
		hbCtx, hbCancel := context.WithCancel(ctx)
		go ch.heartbeat(hbCtx, conn, &lost)
		drop := ch.readLoop(ctx, conn, &lost)
		hbCancel()

		ch.mu.Lock()
		live := ch.gen == gen
		if live {
			ch.conn = nil
		}
		ch.mu.Unlock()
		if !live || ctx.Err() != nil {
			return
		}

		ch.logger.Warn().Int("code", drop.code).Str("reason", drop.reason).Bool("server", drop.server).Msg("Channel dropped")
		ch.publishDisconnect(DisconnectEvent{Code: drop.code, Reason: drop.reason, Server: drop.server})

		if ch.c.clock.Now().Sub(connectedAt) > ch.config.StableAfter {
			serverRetryUsed = false
			refreshed = false
		}

		switch {
		case drop.auth:
			cause := &ChannelError{Op: "read", AuthScoped: true, Err: errors.New(drop.reason)}
			if refreshed && !ch.wait(ctx, gen, cause) {
				return
			}
			if !ch.reauthenticate(ctx, gen, epoch, cause) {
				return
			}
			refreshed = true
		case drop.server && !serverRetryUsed:
			serverRetryUsed = true
		default:
			if !ch.wait(ctx, gen, errors.New(drop.reason)) {
				return
			}
		}
	}
}

// wait sleeps for the next backoff delay. It returns false when attempts are exhausted
// or the channel was torn down.
func (ch *Channel) wait(ctx context.Context, gen uint64, cause error) bool {
	delay, ok := ch.backoff.Next()
	if !ok {
		ch.logger.Error().Err(cause).Int("attempts", ch.backoff.Attempt()).Msg("Channel giving up after max reconnect attempts")
		ch.setState(gen, ChannelDisconnected)
		ch.mu.Lock()
		var cancel context.CancelFunc
		if ch.gen == gen {
			cancel = ch.cancel
			ch.cancel = nil
			ch.boundID = ""
		}
		ch.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return false
	}
	ch.logger.Info().Err(cause).Int("attempt", ch.backoff.Attempt()).Dur("delay", delay).Msg("Channel reconnecting")
	return sleep(ctx, ch.c.clock, delay)
}

// reauthenticate routes a channel auth failure through the refresh coordinator.
func (ch *Channel) reauthenticate(ctx context.Context, gen uint64, epoch uint64, cause error) bool {
	if !ch.setState(gen, ChannelReauthenticating) {
		return false
	}
	ch.logger.Info().Err(cause).Msg("Channel rejected credentials, refreshing")
	ch.publish(EventConnectError, ConnectErrorEvent{Message: cause.Error(), Code: 401})

	err := ch.c.refresher.EnsureFresh(ctx, epoch)
	switch {
	case err == nil:
		return true
	case IsAuthError(err):
		// The coordinator cleared the Identity, which already tore this channel down.
		return false
	default:
		return ch.wait(ctx, gen, err)
	}
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, ch.config.ConnectTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dctx, ch.URL(), &websocket.DialOptions{
		HTTPClient: ch.c.wsClient(),
	})
	if err != nil {
		if resp != nil && isAuthFailure(resp.StatusCode) {
			return nil, &ChannelError{Op: "dial", AuthScoped: true, Err: fmt.Errorf("handshake rejected (%d)", resp.StatusCode)}
		}
		return nil, &ChannelError{Op: "dial", Err: err}
	}

	// The server's first frame is either connect or connect_error.
	_, data, err := conn.Read(dctx)
	if err != nil {
		conn.CloseNow()
		code := websocket.CloseStatus(err)
		return nil, &ChannelError{Op: "handshake", AuthScoped: isAuthClose(code), Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.CloseNow()
		return nil, &ChannelError{Op: "handshake", Err: fmt.Errorf("malformed handshake frame: %w", err)}
	}
	switch env.Type {
	case EventConnect:
		return conn, nil
	case EventConnectError:
		var ev ConnectErrorEvent
		_ = json.Unmarshal(env.Payload, &ev)
		conn.CloseNow()
		return nil, &ChannelError{Op: "handshake", AuthScoped: isAuthConnectError(ev), Err: errors.New(ev.Message)}
	default:
		conn.CloseNow()
		return nil, &ChannelError{Op: "handshake", Err: fmt.Errorf("expected %q, got %q", EventConnect, env.Type)}
	}
}

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn, lost *atomic.Bool) dropInfo {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if lost.Load() {
				return dropInfo{code: int(websocket.StatusGoingAway), reason: "heartbeat timeout"}
			}
			code := websocket.CloseStatus(err)
			if code == -1 {
				return dropInfo{code: -1, reason: err.Error()}
			}
			return dropInfo{code: int(code), reason: err.Error(), server: true, auth: isAuthClose(code)}
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type == EventConnectError {
			var ev ConnectErrorEvent
			_ = json.Unmarshal(env.Payload, &ev)
			if isAuthConnectError(ev) {
				go conn.Close(websocket.StatusNormalClosure, "reauthenticating")
				return dropInfo{code: int(closeUnauthorized), reason: ev.Message, server: true, auth: true}
			}
		}
		ch.bus.Publish(env.Type, env.Payload)
	}
}

func (ch *Channel) heartbeat(ctx context.Context, conn *websocket.Conn, lost *atomic.Bool) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				lost.Store(true)
				ch.logger.Warn().Err(err).Msg("Channel heartbeat failed")
				conn.CloseNow()
				return
			}
		}
	}
}

func (ch *Channel) publish(eventType string, payload any) {
	raw, _ := json.Marshal(payload)
	ch.bus.Publish(eventType, raw)
}

func (ch *Channel) publishDisconnect(ev DisconnectEvent) {
	ch.publish(EventDisconnect, ev)
}

func isAuthClose(code websocket.StatusCode) bool {
	return code == closeUnauthorized || code == websocket.StatusPolicyViolation
}

func isAuthConnectError(ev ConnectErrorEvent) bool {
	if isAuthFailure(ev.Code) {
		return true
	}
	msg := strings.ToLower(ev.Message)
	return strings.Contains(msg, "auth") || strings.Contains(msg, "token") || strings.Contains(msg, "unauthorized")
}
