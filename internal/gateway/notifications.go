package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/pongarena/matchcoord/internal/ident"
	"github.com/pongarena/matchcoord/internal/roster"
	"github.com/pongarena/matchcoord/internal/util/httputil"
	"github.com/pongarena/matchcoord/internal/util/slogx"
	"github.com/pongarena/matchcoord/internal/util/websockutil"
	"github.com/pongarena/matchcoord/internal/wire"
)

type notificationsWebSocketImpl struct {
	log     *slog.Logger
	cfg     *Config
	factory *websockutil.SessionFactory
}

func notificationsWebSocket(log *slog.Logger, cfg *Config) http.Handler {
	return &notificationsWebSocketImpl{
		log:     log,
		cfg:     cfg,
		factory: websockutil.NewSessionFactory(cfg.opts.WebSocket),
	}
}

func (g *notificationsWebSocketImpl) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log := g.log.With(slog.String("rid", httputil.ExtractReqID(req.Context())))

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

	c := newConn(who.ID, session)
	g.cfg.Registry.Join(roster.UserGroup(who.ID), c)
	g.cfg.Registry.Join(roster.NotificationsGroup, c)
	g.cfg.Notifier.HandleOnline(who.ID)
	defer func() {
		g.cfg.Notifier.HandleOffline(who.ID)
		g.cfg.Registry.Drop(c)
	}()
	if err := g.cfg.Notifier.DeliverBacklog(req.Context(), who.ID); err != nil {
		log.Error("could not deliver notification backlog", slogx.Err(err))
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
			g.handleMsg(req.Context(), log, who, data)
		}
	}
}

func (g *notificationsWebSocketImpl) handleMsg(
	ctx context.Context,
	log *slog.Logger,
	who ident.Identity,
	data []byte,
) {
	m, err := wire.Decode(data)
	if err != nil {
		log.Info("bad message", slogx.Err(err))
		return
	}
	switch msg := m.(type) {
	case *wire.GameInvite:
		err = g.cfg.Notifier.HandleInvite(ctx, who, msg)
	case *wire.InviteAccept:
		err = g.cfg.Notifier.HandleAccept(ctx, who, msg)
	case *wire.InviteDecline:
		err = g.cfg.Notifier.HandleDecline(ctx, who, msg)
	case *wire.FriendEvent:
		err = g.cfg.Notifier.HandleFriendEvent(ctx, who, msg)
	default:
		log.Info("unexpected message type on notifications endpoint")
		return
	}
	logActionError(log, err)
}
