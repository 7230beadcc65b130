// Package hellodev is the Go client for the HelloDev social API.
//
// It covers session handling (login, single-flight token refresh, startup validation),
// the push channel, and chat synchronization with an unread ledger.
//
// Example:
//
//	client := hellodev.NewClient(hellodev.WithEnvironment(hellodev.Production))
//
//	res, _ := client.Validate(ctx)
//	if !res.Valid {
//		client.Auth.Login(ctx, "ada", "secret")
//	}
//
//	client.Channel().Start(ctx)
//	conv, _ := client.Chats.Open(ctx, "chat-123")
//	conv.Send(ctx, "Hello!")
//	client.Unread().Total()
package hellodev

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Local      Environment = "local"
)

var environments = map[Environment]string{
	Production: "https://hellodev.social/api",
	Local:      "http://localhost:3000/api",
}

const (
	DefaultBaseURL         = "https://hellodev.social/api"
	DefaultTimeout         = 30 * time.Second
	DefaultValidateTimeout = 8 * time.Second
	DefaultGracePeriod     = 5 * time.Minute
)

// ============================================================================
// Client
// ============================================================================

// Client is the composition root. It owns the Session and wires the gateway, refresh
// coordinator, validator, channel, chat synchronizer and unread ledger around it.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	jar             http.CookieJar
	logger          zerolog.Logger
	clock           Clock
	store           CredentialStore
	gracePeriod     time.Duration
	validateTimeout time.Duration
	channelConfig   ChannelConfig

	session   *Session
	refresher *refresher
	validator *Validator
	channel   *Channel
	unread    *UnreadLedger

	Auth  *AuthClient
	Chats *ChatsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the REST transport. A cookie jar is attached if it has none.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		hc := *client
		c.httpClient = &hc
	}
}

// WithCookieJar sets the jar holding the session cookies, e.g. one persisted across runs.
func WithCookieJar(jar http.CookieJar) ClientOption {
	return func(c *Client) { c.jar = jar }
}

func WithCredentialStore(store CredentialStore) ClientOption {
	return func(c *Client) { c.store = store }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithClock(clock Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// WithGracePeriod sets how recently a stored identity must have been confirmed for the
// validator to trust it when the server cannot be reached.
func WithGracePeriod(d time.Duration) ClientOption {
	return func(c *Client) { c.gracePeriod = d }
}

func WithValidateTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.validateTimeout = d }
}

func WithChannelConfig(cfg ChannelConfig) ClientOption {
	return func(c *Client) { c.channelConfig = cfg }
}

// NewClient creates a new HelloDev client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:          zerolog.Nop(),
		clock:           SystemClock(),
		gracePeriod:     DefaultGracePeriod,
		validateTimeout: DefaultValidateTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.jar != nil {
		c.httpClient.Jar = c.jar
	}
	if c.httpClient.Jar == nil {
		jar, _ := cookiejar.New(nil)
		c.httpClient.Jar = jar
	}
	c.jar = c.httpClient.Jar
	if c.store == nil {
		c.store = NewMemoryCredentialStore()
	}

	c.session = newSession(c.store, c.clock, c.logger.With().Str("component", "session").Logger())
	refreshTimeout := c.httpClient.Timeout
	if refreshTimeout <= 0 {
		refreshTimeout = DefaultTimeout
	}
	c.refresher = newRefresher(c.session, c.logger.With().Str("component", "refresh").Logger(), refreshTimeout, c.refreshCall)
	c.validator = newValidator(c, c.logger.With().Str("component", "validator").Logger())
	c.channel = newChannel(c, c.channelConfig)
	c.unread = newUnreadLedger(c.logger.With().Str("component", "unread").Logger(), c.clock)
	c.Auth = &AuthClient{c: c}
	c.Chats = newChatsClient(c, c.channel)
	return c
}

// Session returns the session context shared by every component.
func (c *Client) Session() *Session { return c.session }

// Channel returns the push channel manager.
func (c *Client) Channel() *Channel { return c.channel }

// Unread returns the unread ledger.
func (c *Client) Unread() *UnreadLedger { return c.unread }

// Validate runs the startup session check. See Validator.Validate.
func (c *Client) Validate(ctx context.Context) (*ValidationResult, error) {
	return c.validator.Validate(ctx)
}

// Validator returns the startup session validator.
func (c *Client) Validator() *Validator { return c.validator }

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Jar returns the cookie jar holding the transport credentials.
func (c *Client) Jar() http.CookieJar { return c.jar }

// ============================================================================
// Authenticated Request Gateway
// ============================================================================

// Call issues an authenticated REST request and decodes a 2xx body into out (which may be
// nil or a *json.RawMessage). An auth failure triggers one coordinated refresh and exactly
// one retry; a second auth failure is terminal and returns *AuthError. Any other non-2xx
// status returns *RequestError without retry.
func (c *Client) Call(ctx context.Context, method, path string, body, out any) error {
	epoch := c.refresher.Epoch()
	status, data, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	if isAuthFailure(status) {
		c.logger.Debug().Str("method", method).Str("path", path).Int("status", status).Msg("Auth failure, awaiting refresh")
		if err := c.refresher.EnsureFresh(ctx, epoch); err != nil {
			return err
		}
		status, data, err = c.doRequest(ctx, method, path, body)
		if err != nil {
			return err
		}
		if isAuthFailure(status) {
			return c.refresher.expire(status)
		}
	}

	if status < 200 || status >= 300 {
		return parseErrorBody(status, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	return resp.StatusCode, data, nil
}

// refreshCall is the single refresh network call. It bypasses the gateway so a failed
// refresh can never recurse into another refresh.
func (c *Client) refreshCall(ctx context.Context) (*Identity, error) {
	status, data, err := c.doRequest(ctx, http.MethodPost, "/refresh", nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, parseErrorBody(status, data)
	}
	if id := parseIdentity(data); id != nil {
		return id, nil
	}
	return c.session.Identity(), nil
}

// wsClient returns an HTTP client for the websocket handshake sharing the cookie jar.
// The handshake is bounded by context, not by http.Client.Timeout.
func (c *Client) wsClient() *http.Client {
	return &http.Client{Jar: c.jar, Transport: c.httpClient.Transport}
}
