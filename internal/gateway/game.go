package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/pongarena/matchcoord/internal/ident"
	"github.com/pongarena/matchcoord/internal/roster"
	"github.com/pongarena/matchcoord/internal/util/httputil"
	"github.com/pongarena/matchcoord/internal/util/slogx"
	"github.com/pongarena/matchcoord/internal/util/websockutil"
	"github.com/pongarena/matchcoord/internal/wire"
)

type gameWebSocketImpl struct {
	log     *slog.Logger
	cfg     *Config
	factory *websockutil.SessionFactory
}

func gameWebSocket(log *slog.Logger, cfg *Config) http.Handler {
	return &gameWebSocketImpl{
		log:     log,
		cfg:     cfg,
		factory: websockutil.NewSessionFactory(cfg.opts.WebSocket),
	}
}

func (g *gameWebSocketImpl) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log := g.log.With(slog.String("rid", httputil.ExtractReqID(req.Context())))
	gameID := req.PathValue("gameID")
	log = log.With(slog.String("game_id", gameID))

	recvCh := make(chan []byte, g.cfg.opts.RecvQueueLen)
	session, err := g.factory.NewSession(w, req, log, func(msg []byte) error {
		select {
		case recvCh <- msg:
		default:
			log.Info("inbound queue full, dropping message")
		}
		return nil
	})
	if err != nil {
		return
	}
	defer session.Close()

	who, ok := authenticate(log, g.cfg, req, session)
	if !ok {
		return
	}
	log = log.With(slog.String("user_id", who.ID))

	joined, err := g.cfg.Matches.Join(req.Context(), gameID, who)
	if err != nil {
		closeOnConnectError(log, session, err)
		return
	}

	c := newConn(who.ID, session)
	g.cfg.Registry.Join(roster.UserGroup(who.ID), c)
	g.cfg.Registry.Join(roster.GameGroup(gameID), c)
	defer func() {
		g.cfg.Registry.Drop(c)
		// The connection's own context is gone at this point, the
		// finalizing write must not be tied to it.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.cfg.Matches.HandleDisconnect(ctx, gameID, who); err != nil {
			log.Warn("could not handle disconnect", slogx.Err(err))
		}
	}()

	if data, err := json.Marshal(joined.State); err == nil {
		_ = session.WriteText(data)
	}

	limit := rate.NewLimiter(rate.Limit(g.cfg.opts.MsgRPSLimit), g.cfg.opts.MsgRPSBurst)
	for {
		select {
		case <-session.Done():
			return
		case data := <-recvCh:
			if err := limit.Wait(req.Context()); err != nil {
				return
			}
			g.handleMsg(req.Context(), log, gameID, who, data)
		}
	}
}

// handleMsg dispatches one inbound game message. Rejections are logged and
// dropped, one bad message must not take down the session for the other
// participant.
func (g *gameWebSocketImpl) handleMsg(
	ctx context.Context,
	log *slog.Logger,
	gameID string,
	who ident.Identity,
	data []byte,
) {
	m, err := wire.Decode(data)
	if err != nil {
		log.Info("bad message", slogx.Err(err))
		return
	}
	switch msg := m.(type) {
	case *wire.PaddleMove:
		err = g.cfg.Matches.PaddleMove(ctx, gameID, who, msg.Y)
	case *wire.BallUpdate:
		err = g.cfg.Matches.BallUpdate(ctx, gameID, who, msg.Ball, msg.Score)
	case *wire.ScoreUpdate:
		err = g.cfg.Matches.ScoreUpdate(ctx, gameID, who, msg.Score)
	case *wire.GameStart:
		err = g.cfg.Matches.AnnounceState(ctx, gameID)
	case *wire.GameEnd:
		err = g.cfg.Matches.EndGame(ctx, gameID, who, msg.Reason, msg.FinalScore)
	case *wire.NewGame:
		_, err = g.cfg.Matches.Rematch(ctx, gameID)
	default:
		log.Info("unexpected message type on game endpoint")
		return
	}
	logActionError(log, err)
}

// logActionError separates protocol rejections, which are routine, from
// store failures, which are not. Neither closes the connection: the client
// may retry after a persistence error.
func logActionError(log *slog.Logger, err error) {
	if err == nil {
		return
	}
	var wireErr *wire.Error
	if errors.As(err, &wireErr) {
		log.Info("action rejected", slogx.Err(err))
		return
	}
	log.Warn("action failed", slogx.Err(err))
}
