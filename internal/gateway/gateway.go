package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"

	"github.com/pongarena/matchcoord/internal/ident"
	"github.com/pongarena/matchcoord/internal/match"
	"github.com/pongarena/matchcoord/internal/notify"
	"github.com/pongarena/matchcoord/internal/roster"
	"github.com/pongarena/matchcoord/internal/tourney"
	"github.com/pongarena/matchcoord/internal/util/httputil"
	"github.com/pongarena/matchcoord/internal/util/websockutil"
)

type Config struct {
	Registry    *roster.Registry
	Verifier    ident.Verifier
	Matches     *match.Manager
	Tournaments *tourney.Manager
	Notifier    *notify.Router

	opts *Options
}

type Options struct {
	WebSocket     websockutil.Options `toml:"websocket"`
	MsgRPSLimit   float64             `toml:"msg-rps-limit"`
	MsgRPSBurst   int                 `toml:"msg-rps-burst"`
	RecvQueueLen  int                 `toml:"recv-queue-len"`
	VerifyTimeout time.Duration       `toml:"verify-timeout"`
}

func (o *Options) FillDefaults() {
	o.WebSocket.FillDefaults()
	if o.MsgRPSLimit == 0.0 {
		o.MsgRPSLimit = 60
	}
	if o.MsgRPSBurst == 0 {
		o.MsgRPSBurst = 120
	}
	if o.RecvQueueLen == 0 {
		o.RecvQueueLen = 32
	}
	if o.VerifyTimeout == 0 {
		o.VerifyTimeout = 10 * time.Second
	}
}

type middleware struct {
	log  *slog.Logger
	h    http.Handler
	kind string
}

func (m *middleware) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	req = httputil.WrapRequest(req)
	m.log.Info("handle request",
		slog.String("rid", httputil.ExtractReqID(req.Context())),
		slog.String("uri", req.RequestURI),
		slog.String("method", req.Method),
		slog.String("addr", req.RemoteAddr),
		slog.String("kind", m.kind),
	)
	m.h.ServeHTTP(w, req)
}

// Handle registers the service endpoints on the mux.
func Handle(log *slog.Logger, mux *http.ServeMux, cfg Config, o Options) {
	o.FillDefaults()
	cfg.opts = &o

	wrapWS := func(h http.Handler) http.Handler {
		return &middleware{log: log, h: h, kind: "websocket"}
	}
	mux.Handle("/ws/game/{gameID}", wrapWS(gameWebSocket(log, &cfg)))
	mux.Handle("/ws/tournament/{tournamentID}", wrapWS(tournamentWebSocket(log, &cfg)))
	mux.Handle("/ws/notifications", wrapWS(notificationsWebSocket(log, &cfg)))
	mux.Handle("/status", gziphandler.GzipHandler(&middleware{
		log:  log,
		h:    statusHandler(log, &cfg),
		kind: "status",
	}))
}
