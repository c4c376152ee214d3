package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pongarena/matchcoord/internal/util/slogx"
)

type statusData struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	LiveSessions    int    `json:"live_sessions"`
	LiveTournaments int    `json:"live_tournaments"`
	OnlineUsers     int    `json:"online_users"`
}

// statusHandler serves a small health and liveness snapshot.
func statusHandler(log *slog.Logger, cfg *Config) http.Handler {
	start := time.Now()
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		data := statusData{
			Status:          "ok",
			UptimeSeconds:   int64(time.Since(start).Seconds()),
			LiveSessions:    cfg.Matches.LiveSessions(),
			LiveTournaments: cfg.Tournaments.LiveTournaments(),
			OnlineUsers:     cfg.Notifier.OnlineCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Info("could not write status response", slogx.Err(err))
		}
	})
}
