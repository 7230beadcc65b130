package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	hellodev "github.com/Merge-Pray/HelloDev-sub000"
	"github.com/rs/zerolog"
)

// session bundles a configured client with the jar that must be saved before exit.
type session struct {
	cfg    *Config
	client *hellodev.Client
	jar    *fileJar
	logger zerolog.Logger
}

// newLogger builds the stderr console logger. The --log-level flag wins over the config.
func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.WarnLevel
	name := logLevel
	if name == "" {
		name = cfg.Default.LogLevel
	}
	if name != "" {
		if l, err := zerolog.ParseLevel(name); err == nil {
			level = l
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// openSession creates a client from the config file, with the identity and cookies of
// previous runs attached.
func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)

	cookiePath, err := configFile("cookies.toml")
	if err != nil {
		return nil, err
	}
	storePath, err := configFile("session.toml")
	if err != nil {
		return nil, err
	}
	jar := loadFileJar(cookiePath)

	opts := []hellodev.ClientOption{
		hellodev.WithCookieJar(jar),
		hellodev.WithCredentialStore(hellodev.NewFileCredentialStore(storePath)),
		hellodev.WithLogger(logger),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, hellodev.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, hellodev.WithEnvironment(hellodev.Environment(cfg.Default.Environment)))
	}
	if d, ok := parseDuration(cfg.Session.GracePeriod); ok {
		opts = append(opts, hellodev.WithGracePeriod(d))
	}
	if d, ok := parseDuration(cfg.Session.ValidateTimeout); ok {
		opts = append(opts, hellodev.WithValidateTimeout(d))
	}

	return &session{
		cfg:    cfg,
		client: hellodev.NewClient(opts...),
		jar:    jar,
		logger: logger,
	}, nil
}

func parseDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// requireLogin validates the stored session and fails unless it is usable.
func (s *session) requireLogin(ctx context.Context) (*hellodev.Identity, error) {
	res, err := s.client.Validate(ctx)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		if res.Err != nil {
			return nil, fmt.Errorf("session rejected (%s): %w. Run 'hellodev login <handle>'", res.Reason, res.Err)
		}
		return nil, fmt.Errorf("not logged in. Run 'hellodev login <handle>'")
	}
	if res.Reason == hellodev.ReasonCachedFallback {
		s.logger.Warn().Err(res.Err).Msg("Server unreachable, continuing with cached session")
	}
	return res.Identity, nil
}

// close persists the cookie jar. Errors are reported but never fail the command.
func (s *session) close() {
	if err := s.jar.Save(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to save cookies")
	}
}

// signalContext returns a context cancelled on Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// waitConnected blocks until the channel is connected, the timeout passes, or ctx ends.
func waitConnected(ctx context.Context, ch *hellodev.Channel, timeout time.Duration) error {
	ready := make(chan struct{}, 1)
	sub := ch.OnStateChange(func(st hellodev.ChannelState) {
		if st == hellodev.ChannelConnected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer sub.Release()
	if ch.State() == hellodev.ChannelConnected {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("realtime channel not connected after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// displayName prefers the display name, then the handle, then the raw id.
func displayName(p *hellodev.Participant) string {
	if p == nil {
		return "(unknown)"
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return valueOrDefault(p.Handle, p.ID)
}
