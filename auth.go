package hellodev

import (
	"context"
	"encoding/json"
	"net/http"
)

// AuthClient handles login, logout and the "who am I" check.
type AuthClient struct{ c *Client }

// LoginOptions is the POST /login body.
type LoginOptions struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login authenticates with a handle (or email) and password. The server sets the
// credential cookies; the returned Identity becomes the session Identity.
func (a *AuthClient) Login(ctx context.Context, login, password string) (*Identity, error) {
	status, data, err := a.c.doRequest(ctx, http.MethodPost, "/login", &LoginOptions{Login: login, Password: password})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, parseErrorBody(status, data)
	}
	id := parseIdentity(data)
	if id == nil {
		// Some deployments answer login with a bare acknowledgement.
		if id, err = a.Status(ctx); err != nil {
			return nil, err
		}
	}
	a.c.refresher.reset()
	a.c.session.set(id, "login")
	return id.clone(), nil
}

// Logout ends the session server-side and clears the Identity. The Identity is cleared
// even when the request fails, since the user asked to leave.
func (a *AuthClient) Logout(ctx context.Context) error {
	status, data, err := a.c.doRequest(ctx, http.MethodPost, "/logout", nil)
	a.c.session.set(nil, "logout")
	if err != nil {
		return err
	}
	if (status < 200 || status >= 300) && !isAuthFailure(status) {
		return parseErrorBody(status, data)
	}
	return nil
}

// Status calls GET /auth-status through the gateway and returns the confirmed Identity.
// It does not modify the session; the Validator decides what to do with the answer.
func (a *AuthClient) Status(ctx context.Context) (*Identity, error) {
	var raw json.RawMessage
	if err := a.c.Call(ctx, http.MethodGet, "/auth-status", nil, &raw); err != nil {
		return nil, err
	}
	id := parseIdentity(raw)
	if id == nil {
		return nil, &RequestError{Status: http.StatusOK, Code: "NO_IDENTITY", Message: "auth-status returned no user"}
	}
	return id, nil
}
