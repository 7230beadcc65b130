package hellodev

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrNotAuthenticated is returned when an operation needs an Identity and none is held.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrSessionExpired is the cause carried by AuthError when a refresh could not restore the session.
	ErrSessionExpired = errors.New("session expired")
	// ErrNotConnected is returned when a command is emitted while the channel is down.
	ErrNotConnected = errors.New("channel not connected")
	// ErrReadOnly is returned by Conversation.Send after the server refused a send for policy reasons.
	ErrReadOnly = errors.New("conversation is read-only")
	// ErrConversationClosed is returned by operations on a closed Conversation.
	ErrConversationClosed = errors.New("conversation closed")
)

// ============================================================================
// Typed errors
// ============================================================================

// AuthError is terminal: the session could not be refreshed and the Identity was cleared.
// Callers should send the user back to the login entry point.
type AuthError struct {
	Status int
	Cause  error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authentication failed (%d): %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("authentication failed: %v", e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// RequestError is a non-2xx REST response other than an auth failure.
type RequestError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *RequestError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("request failed (%d): %s: %s", e.Status, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("request failed (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("request failed (%d)", e.Status)
}

// NetworkError wraps transport failures and timeouts.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline or i/o timeout.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// ChannelError is a push-channel failure. AuthScoped errors are resolved by a refresh, not a retry.
type ChannelError struct {
	Op         string
	AuthScoped bool
	Err        error
}

func (e *ChannelError) Error() string {
	if e.AuthScoped {
		return "channel " + e.Op + " (auth): " + e.Err.Error()
	}
	return "channel " + e.Op + ": " + e.Err.Error()
}

func (e *ChannelError) Unwrap() error { return e.Err }

// PolicyError is a server-side refusal that leaves the session intact, such as messaging
// someone who is not a friend.
type PolicyError struct {
	Type    string `json:"type"`
	Message string `json:"error"`
}

// PolicyNotFriends is the messageError type sent when the peers are not connected.
const PolicyNotFriends = "not_friends"

func (e *PolicyError) Error() string {
	if e.Message == "" {
		return "policy violation: " + e.Type
	}
	return "policy violation: " + e.Type + ": " + e.Message
}

func (e *PolicyError) Is(target error) bool {
	return target == ErrReadOnly && e.Type == PolicyNotFriends
}

// ============================================================================
// Helpers
// ============================================================================

// IsAuthError reports whether err is a terminal authentication failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNetworkError reports whether err is a transport failure or timeout.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsPolicyError reports whether err is a non-fatal policy refusal.
func IsPolicyError(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Status
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}
