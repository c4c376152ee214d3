package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pongarena/matchcoord/internal/ident"
	"github.com/pongarena/matchcoord/internal/match"
	"github.com/pongarena/matchcoord/internal/notify"
	"github.com/pongarena/matchcoord/internal/roster"
	"github.com/pongarena/matchcoord/internal/tourney"
	"github.com/pongarena/matchcoord/internal/util/slogx"
	"github.com/pongarena/matchcoord/internal/util/timeutil"
	"github.com/pongarena/matchcoord/internal/wire"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (ident.Identity, error) {
	switch token {
	case "alice":
		return ident.Identity{ID: "u1", Username: "alice"}, nil
	case "bob":
		return ident.Identity{ID: "u2", Username: "bob"}, nil
	default:
		return ident.Identity{}, ident.ErrInvalidToken
	}
}

type memMatchDB struct {
	mu       sync.Mutex
	sessions []*match.Session
}

func (d *memMatchDB) GetLatestSession(_ context.Context, sessionID string) (*match.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var latest *match.Session
	for _, s := range d.sessions {
		if s.SessionID == sessionID && (latest == nil || s.Generation > latest.Generation) {
			latest = s
		}
	}
	if latest == nil {
		return nil, match.ErrSessionNotFound
	}
	snapshot := *latest
	return &snapshot, nil
}

func (d *memMatchDB) CreateSession(_ context.Context, s *match.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	snapshot := *s
	d.sessions = append(d.sessions, &snapshot)
	return nil
}

func (d *memMatchDB) SaveSession(_ context.Context, s *match.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, old := range d.sessions {
		if old.SessionID == s.SessionID && old.Generation == s.Generation {
			snapshot := *s
			d.sessions[i] = &snapshot
			return nil
		}
	}
	return match.ErrSessionNotFound
}

func (d *memMatchDB) DeactivateSessions(_ context.Context, sessionID string, endedAt timeutil.UTCTime) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if s.SessionID == sessionID && s.Active {
			s.Active = false
			at := endedAt
			s.EndedAt = &at
		}
	}
	return nil
}

type memTourneyDB struct {
	mu          sync.Mutex
	tournaments map[string]*tourney.Tournament
}

func (d *memTourneyDB) GetTournament(_ context.Context, id string) (*tourney.Tournament, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tournaments[id]
	if !ok {
		return nil, tourney.ErrTournamentNotFound
	}
	snapshot := *t
	return &snapshot, nil
}

func (d *memTourneyDB) GetOpenTournament(_ context.Context) (*tourney.Tournament, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tournaments {
		if t.Status == tourney.StatusWaiting {
			snapshot := *t
			return &snapshot, nil
		}
	}
	return nil, tourney.ErrTournamentNotFound
}

func (d *memTourneyDB) CreateTournament(_ context.Context, t *tourney.Tournament) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	snapshot := *t
	d.tournaments[t.ID] = &snapshot
	return nil
}

func (d *memTourneyDB) SaveTournament(ctx context.Context, t *tourney.Tournament) error {
	return d.CreateTournament(ctx, t)
}

type memNotifyDB struct{}

func (memNotifyDB) SaveNotification(context.Context, *notify.Notification) error { return nil }

func (memNotifyDB) ListNotifications(context.Context, string, int) ([]notify.Notification, error) {
	return nil, nil
}

func (memNotifyDB) PruneNotifications(context.Context, timeutil.UTCTime) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := slogx.DiscardLogger()
	registry := roster.New(log)
	matches := match.NewManager(log, &memMatchDB{}, registry, match.Options{WinScore: 3})
	t.Cleanup(matches.Close)
	tournaments := tourney.NewManager(log, &memTourneyDB{tournaments: make(map[string]*tourney.Tournament)}, registry, tourney.Options{})
	t.Cleanup(tournaments.Close)
	notifier := notify.NewRouter(log, memNotifyDB{}, registry, matches, notify.Options{})
	t.Cleanup(notifier.Close)

	mux := http.NewServeMux()
	Handle(log, mux, Config{
		Registry:    registry,
		Verifier:    fakeVerifier{},
		Matches:     matches,
		Tournaments: tournaments,
		Notifier:    notifier,
	}, Options{})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	return closeErr.Code
}

func TestConnectWithoutTokenClosed(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "/ws/game/g1")
	assert.Equal(t, wire.CloseNoToken, readCloseCode(t, conn))
}

func TestConnectWithBadTokenClosed(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "/ws/notifications?token=mallory")
	assert.Equal(t, wire.CloseInvalidToken, readCloseCode(t, conn))
}

func TestConnectUnknownTournamentClosed(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "/ws/tournament/nope?token=alice")
	assert.Equal(t, wire.CloseNotFound, readCloseCode(t, conn))
}

func readEvent(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev map[string]any
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev["type"] == want {
			return ev
		}
	}
}

func TestGameJoinFlow(t *testing.T) {
	srv := newTestServer(t)

	alice := dial(t, srv, "/ws/game/g1?token=alice")
	state := readEvent(t, alice, wire.EventGameState)
	assert.Equal(t, "alice", state["player1_username"])
	assert.Equal(t, "waiting-for-player2", state["game_status"])

	bob := dial(t, srv, "/ws/game/g1?token=bob")
	state = readEvent(t, bob, wire.EventGameState)
	assert.Equal(t, "bob", state["player2_username"])

	// The first player hears about the new roster.
	update := readEvent(t, alice, wire.EventPlayerUpdate)
	assert.Equal(t, float64(2), update["total_players"])

	// Host-reported ball updates reach the opponent.
	require.NoError(t, alice.WriteJSON(map[string]any{
		"type": "ball_update",
		"ball": map[string]any{"x": 10, "y": 20, "dx": 3, "dy": -3},
	}))
	ball := readEvent(t, bob, wire.EventUpdateBall)
	assert.Equal(t, float64(10), ball["ball"].(map[string]any)["x"])
}

func TestTournamentEnrollOnConnect(t *testing.T) {
	srv := newTestServer(t)

	conn := dial(t, srv, "/ws/tournament/find-open?token=alice")
	ev := readEvent(t, conn, wire.EventTournamentUpdate)
	data := ev["tournament_data"].(map[string]any)
	assert.Equal(t, "waiting", data["status"])
	assert.Equal(t, float64(1), data["player_count"])
}

func TestTournamentFindOpenReconnectResumes(t *testing.T) {
	srv := newTestServer(t)

	first := dial(t, srv, "/ws/tournament/find-open?token=alice")
	ev := readEvent(t, first, wire.EventTournamentUpdate)
	id := ev["tournament_data"].(map[string]any)["id"].(string)

	// Refreshing while waiting resumes the same tournament instead of
	// closing the connection.
	second := dial(t, srv, "/ws/tournament/find-open?token=alice")
	ev = readEvent(t, second, wire.EventTournamentUpdate)
	data := ev["tournament_data"].(map[string]any)
	assert.Equal(t, id, data["id"])
	assert.Equal(t, float64(1), data["player_count"])
}

func TestTournamentRosterBroadcasts(t *testing.T) {
	srv := newTestServer(t)

	alice := dial(t, srv, "/ws/tournament/find-open?token=alice")
	update := readEvent(t, alice, wire.EventPlayerUpdate)
	assert.Equal(t, float64(1), update["total_players"])

	bob := dial(t, srv, "/ws/tournament/find-open?token=bob")
	_ = readEvent(t, bob, wire.EventTournamentUpdate)

	// The waiting player hears the newcomer arrive.
	update = readEvent(t, alice, wire.EventPlayerUpdate)
	assert.Equal(t, float64(2), update["total_players"])

	// And leave again.
	require.NoError(t, bob.Close())
	update = readEvent(t, alice, wire.EventPlayerUpdate)
	assert.Equal(t, float64(1), update["total_players"])
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rsp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer func() { _ = rsp.Body.Close() }()
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	var data statusData
	require.NoError(t, json.NewDecoder(rsp.Body).Decode(&data))
	assert.Equal(t, "ok", data.Status)
}
