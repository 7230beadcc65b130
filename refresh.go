package hellodev

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Auth Refresh Coordinator
// ============================================================================

// refreshFlight is one outstanding refresh. Everyone waiting on done reads the same err.
type refreshFlight struct {
	done    chan struct{}
	err     error
	waiters int
}

// refresher collapses concurrent auth failures into a single refresh call.
//
// Credentials are versioned by an epoch that advances whenever a refresh completes.
// A caller captures the epoch before sending its request; if the epoch has moved by the
// time its failure is reported, the failure predates fresh credentials and the caller is
// told to retry (or fail) without issuing another refresh.
type refresher struct {
	session *Session
	logger  zerolog.Logger
	timeout time.Duration
	refresh func(ctx context.Context) (*Identity, error)

	mu       sync.Mutex
	epoch    uint64
	lastErr  error
	inflight *refreshFlight
}

func newRefresher(session *Session, logger zerolog.Logger, timeout time.Duration, refresh func(context.Context) (*Identity, error)) *refresher {
	return &refresher{session: session, logger: logger, timeout: timeout, refresh: refresh}
}

// Epoch returns the current credential generation.
func (r *refresher) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// EnsureFresh resolves once credentials newer than observed are available. It returns an
// *AuthError when the session could not be refreshed, or a *NetworkError when the refresh
// call itself did not reach the server.
func (r *refresher) EnsureFresh(ctx context.Context, observed uint64) error {
	r.mu.Lock()
	if r.epoch != observed {
		err := r.lastErr
		r.mu.Unlock()
		return err
	}
	f := r.inflight
	if f == nil {
		f = &refreshFlight{done: make(chan struct{})}
		r.inflight = f
		r.logger.Debug().Uint64("epoch", r.epoch).Msg("Starting auth refresh")
		go r.run(f)
	}
	f.waiters++
	r.mu.Unlock()

	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return &NetworkError{Op: "await refresh", Err: ctx.Err()}
	}
}

func (r *refresher) run(f *refreshFlight) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	id, err := r.refresh(ctx)
	switch {
	case err == nil:
		if id != nil {
			r.session.set(id, "refreshed")
		}
	case IsNetworkError(err):
		// Transient: the session may still be valid, so keep the Identity and let the
		// next failure start a new flight.
		r.mu.Lock()
		r.inflight = nil
		f.err = err
		waiters := f.waiters
		r.mu.Unlock()
		r.logger.Warn().Err(err).Int("waiters", waiters).Msg("Auth refresh did not reach the server")
		close(f.done)
		return
	default:
		err = &AuthError{Status: StatusOf(err), Cause: fmt.Errorf("%w: %v", ErrSessionExpired, err)}
		r.session.set(nil, "refresh rejected")
	}

	r.mu.Lock()
	r.epoch++
	r.lastErr = err
	r.inflight = nil
	f.err = err
	waiters := f.waiters
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn().Err(err).Int("waiters", waiters).Msg("Auth refresh failed")
	} else {
		r.logger.Debug().Int("waiters", waiters).Msg("Auth refresh succeeded")
	}
	close(f.done)
}

// expire records a terminal auth failure observed after a refresh already succeeded.
func (r *refresher) expire(status int) error {
	err := &AuthError{Status: status, Cause: ErrSessionExpired}
	r.session.set(nil, "auth retry rejected")
	r.mu.Lock()
	r.epoch++
	r.lastErr = err
	r.mu.Unlock()
	return err
}

// reset starts a new generation after an explicit login.
func (r *refresher) reset() {
	r.mu.Lock()
	r.epoch++
	r.lastErr = nil
	r.mu.Unlock()
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == 419
}
