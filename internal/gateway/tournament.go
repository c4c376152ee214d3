package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/pongarena/matchcoord/internal/ident"
	"github.com/pongarena/matchcoord/internal/roster"
	"github.com/pongarena/matchcoord/internal/tourney"
	"github.com/pongarena/matchcoord/internal/util/httputil"
	"github.com/pongarena/matchcoord/internal/util/slogx"
	"github.com/pongarena/matchcoord/internal/util/websockutil"
	"github.com/pongarena/matchcoord/internal/wire"
)

type tournamentWebSocketImpl struct {
	log     *slog.Logger
	cfg     *Config
	factory *websockutil.SessionFactory
}

func tournamentWebSocket(log *slog.Logger, cfg *Config) http.Handler {
	return &tournamentWebSocketImpl{
		log:     log,
		cfg:     cfg,
		factory: websockutil.NewSessionFactory(cfg.opts.WebSocket),
	}
}

func (g *tournamentWebSocketImpl) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log := g.log.With(slog.String("rid", httputil.ExtractReqID(req.Context())))
	requestedID := req.PathValue("tournamentID")

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

	// Connecting enrolls. A reconnect from an enrolled player is not an
	// error, it just resumes with the current view.
	view, err := g.cfg.Tournaments.Enroll(req.Context(), requestedID, who)
	if wire.MatchesError(err, wire.ErrAlreadyEnrolled) {
		if requestedID == tourney.FindOpen {
			view, err = g.cfg.Tournaments.OpenFor(req.Context(), who.ID)
		} else {
			view, err = g.cfg.Tournaments.Get(req.Context(), requestedID)
		}
	}
	if err != nil {
		closeOnConnectError(log, session, err)
		return
	}
	tournamentID := view.ID
	log = log.With(slog.String("tournament_id", tournamentID))

	c := newConn(who.ID, session)
	g.cfg.Registry.Join(roster.UserGroup(who.ID), c)
	g.cfg.Registry.Join(roster.TournamentGroup(tournamentID), c)
	g.announceRoster(tournamentID, view)
	defer func() {
		g.cfg.Registry.Drop(c)
		g.announceRoster(tournamentID, view)
	}()

	snapshot := wire.TournamentUpdateEvent{
		Type:           wire.EventTournamentUpdate,
		TournamentData: view,
	}
	if data, err := json.Marshal(snapshot); err == nil {
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
			g.handleMsg(req.Context(), log, tournamentID, who, data)
		}
	}
}

// announceRoster tells the tournament group who is connected right now. Sent
// on every connect and disconnect, so waiting players see each other arrive
// and leave.
func (g *tournamentWebSocketImpl) announceRoster(tournamentID string, view tourney.View) {
	ids := g.cfg.Registry.Users(roster.TournamentGroup(tournamentID))
	players := make([]wire.PlayerRef, 0, len(ids))
	for _, id := range ids {
		ref := wire.PlayerRef{ID: id}
		for _, p := range view.Players {
			if p.ID == id {
				ref.Username = p.Username
				ref.DisplayName = p.DisplayName
				break
			}
		}
		players = append(players, ref)
	}
	g.cfg.Registry.Broadcast(roster.TournamentGroup(tournamentID), wire.PlayerUpdateEvent{
		Type:         wire.EventPlayerUpdate,
		Players:      players,
		TotalPlayers: len(players),
	})
}

func (g *tournamentWebSocketImpl) handleMsg(
	ctx context.Context,
	log *slog.Logger,
	tournamentID string,
	who ident.Identity,
	data []byte,
) {
	m, err := wire.Decode(data)
	if err != nil {
		log.Info("bad message", slogx.Err(err))
		return
	}
	switch msg := m.(type) {
	case *wire.MatchComplete:
		_, err = g.cfg.Tournaments.ReportMatchResult(ctx, tournamentID, msg.MatchID, msg.WinnerID, msg.FinalScore)
	default:
		log.Info("unexpected message type on tournament endpoint")
		return
	}
	logActionError(log, err)
}
