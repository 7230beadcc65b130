package hellodev

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ValidationReason explains a ValidationResult.
type ValidationReason string

const (
	ReasonServerConfirmed  ValidationReason = "server_confirmed"
	ReasonCachedFallback   ValidationReason = "cached_fallback"
	ReasonNoStoredIdentity ValidationReason = "no_stored_identity"
	ReasonServerRejected   ValidationReason = "server_rejected"
	ReasonNetworkError     ValidationReason = "network_error"
)

// ValidationResult is the outcome of a startup session check.
type ValidationResult struct {
	Valid    bool
	Identity *Identity
	Reason   ValidationReason
	// Err is the server or network error behind an invalid or cached result.
	Err error
}

// Network failures of the status check are retried this many times in total, all within
// the validate timeout.
const (
	validateAttempts   = 3
	validateRetryDelay = 250 * time.Millisecond
)

// ValidatorState is the validator's lifecycle state.
type ValidatorState string

const (
	ValidatorIdle       ValidatorState = "idle"
	ValidatorValidating ValidatorState = "validating"
	ValidatorValidated  ValidatorState = "validated"
	ValidatorRejected   ValidatorState = "rejected"
)

type validateFlight struct {
	done chan struct{}
	res  *ValidationResult
}

// Validator cross-checks the stored identity against the server at startup.
type Validator struct {
	c      *Client
	logger zerolog.Logger

	mu     sync.Mutex
	state  ValidatorState
	flight *validateFlight
}

func newValidator(c *Client, logger zerolog.Logger) *Validator {
	return &Validator{c: c, logger: logger, state: ValidatorIdle}
}

// State returns the current lifecycle state.
func (v *Validator) State() ValidatorState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Validate checks the stored identity with the server. Concurrent calls share one check.
// The server check is bounded by the validate timeout; a timeout counts as a network
// failure, for which a recently confirmed identity is trusted as-is. The error is non-nil
// only when ctx ends before the shared check does.
func (v *Validator) Validate(ctx context.Context) (*ValidationResult, error) {
	v.mu.Lock()
	f := v.flight
	if f == nil {
		f = &validateFlight{done: make(chan struct{})}
		v.flight = f
		v.state = ValidatorValidating
		go v.run(f)
	}
	v.mu.Unlock()

	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (v *Validator) run(f *validateFlight) {
	res := v.check()

	v.mu.Lock()
	f.res = res
	v.flight = nil
	if res.Valid {
		v.state = ValidatorValidated
	} else {
		v.state = ValidatorRejected
	}
	v.mu.Unlock()

	ev := v.logger.Info()
	if !res.Valid {
		ev = v.logger.Warn().Err(res.Err)
	}
	ev.Bool("valid", res.Valid).Str("reason", string(res.Reason)).Msg("Session validated")
	close(f.done)
}

func (v *Validator) check() *ValidationResult {
	session := v.c.session
	rec := session.stored()
	if rec == nil {
		return &ValidationResult{Reason: ReasonNoStoredIdentity}
	}

	ctx, cancel := context.WithTimeout(context.Background(), v.c.validateTimeout)
	defer cancel()

	id, err := v.status(ctx)
	switch {
	case err == nil:
		session.set(id, "validated")
		return &ValidationResult{Valid: true, Identity: id, Reason: ReasonServerConfirmed}

	case IsNetworkError(err):
		age := v.c.clock.Now().Sub(rec.SavedAt)
		if age >= 0 && age <= v.c.gracePeriod {
			session.restore(rec)
			id := rec.Identity
			return &ValidationResult{Valid: true, Identity: &id, Reason: ReasonCachedFallback, Err: err}
		}
		session.set(nil, "validation network error")
		return &ValidationResult{Reason: ReasonNetworkError, Err: err}

	default:
		session.set(nil, "validation rejected")
		return &ValidationResult{Reason: ReasonServerRejected, Err: err}
	}
}

// status asks the server for the session, retrying network failures while ctx allows.
func (v *Validator) status(ctx context.Context) (*Identity, error) {
	var err error
	for attempt := 0; attempt < validateAttempts; attempt++ {
		if attempt > 0 {
			v.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("Retrying session check")
			if !sleep(ctx, v.c.clock, time.Duration(attempt)*validateRetryDelay) {
				break
			}
		}
		var id *Identity
		id, err = v.c.Auth.Status(ctx)
		if err == nil || !IsNetworkError(err) {
			return id, err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, err
}
