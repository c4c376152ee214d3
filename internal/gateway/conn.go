package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pongarena/matchcoord/internal/ident"
	"github.com/pongarena/matchcoord/internal/util/idgen"
	"github.com/pongarena/matchcoord/internal/util/slogx"
	"github.com/pongarena/matchcoord/internal/util/websockutil"
	"github.com/pongarena/matchcoord/internal/wire"
)

// conn adapts a websocket session to the roster registry.
type conn struct {
	id     string
	userID string
	s      *websockutil.Session
}

func newConn(userID string, s *websockutil.Session) *conn {
	return &conn{id: idgen.ID(), userID: userID, s: s}
}

func (c *conn) ID() string     { return c.id }
func (c *conn) UserID() string { return c.userID }

func (c *conn) Send(data []byte) error {
	return c.s.WriteText(data)
}

// authenticate resolves the connect token into an identity. On failure it
// closes the already-upgraded session with a machine-readable close code, so
// browser clients can branch on it. Returns false when the connection is
// gone.
func authenticate(
	log *slog.Logger,
	cfg *Config,
	req *http.Request,
	s *websockutil.Session,
) (ident.Identity, bool) {
	token, err := ident.TokenFromRequest(req)
	if err != nil {
		log.Info("connection rejected, no token")
		s.ShutdownWithCode(wire.CloseNoToken, "no token provided")
		return ident.Identity{}, false
	}
	ctx, cancel := context.WithTimeout(req.Context(), cfg.opts.VerifyTimeout)
	defer cancel()
	who, err := cfg.Verifier.Verify(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, ident.ErrInvalidToken):
			log.Info("connection rejected, invalid token")
			s.ShutdownWithCode(wire.CloseInvalidToken, "invalid or expired token")
		case errors.Is(err, ident.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded):
			log.Warn("could not verify token", slogx.Err(err))
			s.ShutdownWithCode(wire.CloseVerifyFailed, "token verification failed")
		default:
			log.Error("unexpected verify error", slogx.Err(err))
			s.ShutdownWithCode(wire.CloseInternalError, "internal server error")
		}
		return ident.Identity{}, false
	}
	return who, true
}

// closeOnConnectError maps a connect-time rejection to a close code.
func closeOnConnectError(log *slog.Logger, s *websockutil.Session, err error) {
	var wireErr *wire.Error
	if errors.As(err, &wireErr) {
		log.Info("connection rejected", slogx.Err(err))
		s.ShutdownWithCode(wire.CloseNotFound, wireErr.Message)
		return
	}
	log.Error("could not set up connection", slogx.Err(err))
	s.ShutdownWithCode(wire.CloseInternalError, "internal server error")
}
