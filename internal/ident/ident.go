package ident

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Identity is the authenticated user attached to a connection. It comes from
// the external identity service, this package never issues or refreshes
// tokens itself.
type Identity struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

func (id Identity) Name() string {
	if id.DisplayName != "" {
		return id.DisplayName
	}
	return id.Username
}

var (
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrUnavailable  = errors.New("identity service unavailable")
)

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// TokenFromRequest extracts the identity token from the connect request. The
// websocket handshake from browsers cannot carry custom headers, so the token
// travels as a query parameter.
func TokenFromRequest(req *http.Request) (string, error) {
	token := strings.TrimSpace(req.URL.Query().Get("token"))
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}
