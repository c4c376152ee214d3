package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pongarena/matchcoord/internal/ident"
	"github.com/pongarena/matchcoord/internal/roster"
	"github.com/pongarena/matchcoord/internal/util/timeutil"
	"github.com/pongarena/matchcoord/internal/wire"
)

// ErrSessionNotFound is returned by DB implementations when no generation
// exists for a session id. Not-found is a normal branch here, not an
// exceptional one.
var ErrSessionNotFound = errors.New("session not found")

// Game-end reasons carried in the game_over broadcast.
const (
	ReasonScore      = "score"
	ReasonDisconnect = "disconnect"
)

type DB interface {
	// GetLatestSession returns the newest generation for the session id,
	// active or not.
	GetLatestSession(ctx context.Context, sessionID string) (*Session, error)
	CreateSession(ctx context.Context, s *Session) error
	SaveSession(ctx context.Context, s *Session) error
	// DeactivateSessions clears the active flag on every active generation
	// of the session id in one atomic update.
	DeactivateSessions(ctx context.Context, sessionID string, endedAt timeutil.UTCTime) error
}

type Broadcaster interface {
	Broadcast(group string, event any)
}

type Options struct {
	WinScore      int           `toml:"win-score"`
	FieldWidth    float64       `toml:"field-width"`
	FieldHeight   float64       `toml:"field-height"`
	DBSaveTimeout time.Duration `toml:"db-save-timeout"`
	GCInterval    time.Duration `toml:"gc-interval"`
	IdleTimeout   time.Duration `toml:"idle-timeout"`
}

func (o *Options) FillDefaults() {
	if o.WinScore == 0 {
		o.WinScore = 11
	}
	if o.FieldWidth == 0 {
		o.FieldWidth = 800
	}
	if o.FieldHeight == 0 {
		o.FieldHeight = 400
	}
	if o.DBSaveTimeout == 0 {
		o.DBSaveTimeout = 10 * time.Second
	}
	if o.GCInterval == 0 {
		o.GCInterval = 1 * time.Minute
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 30 * time.Minute
	}
}

type sessionExt struct {
	mu       sync.Mutex
	s        *Session
	lastSeen time.Time
}

// Manager owns the authoritative state of all live game sessions. All
// mutations of one session are serialized through its sessionExt mutex,
// which is held across the read-modify-write against the store, so two
// concurrent joins can never both end up in the player2 slot.
type Manager struct {
	log  *slog.Logger
	db   DB
	bc   Broadcaster
	opts Options

	gctx   context.Context
	cancel func()
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*sessionExt
}

func NewManager(log *slog.Logger, db DB, bc Broadcaster, opts Options) *Manager {
	opts.FillDefaults()
	gctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:      log,
		db:       db,
		bc:       bc,
		opts:     opts,
		gctx:     gctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionExt),
	}
	m.wg.Add(1)
	go m.gc()
	return m
}

func (m *Manager) Close() {
	select {
	case <-m.gctx.Done():
	default:
		m.cancel()
		m.wg.Wait()
	}
}

// gc evicts session handles that nobody touched for a while. Ended sessions
// stay around long enough for a rematch, idle ones reload from the store on
// next use.
func (m *Manager) gc() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for id, ext := range m.sessions {
				if ext.mu.TryLock() {
					if now.Sub(ext.lastSeen) > m.opts.IdleTimeout {
						delete(m.sessions, id)
					}
					ext.mu.Unlock()
				}
			}
			m.mu.Unlock()
		case <-m.gctx.Done():
			return
		}
	}
}

func (m *Manager) ext(sessionID string) *sessionExt {
	m.mu.Lock()
	defer m.mu.Unlock()
	ext, ok := m.sessions[sessionID]
	if !ok {
		ext = &sessionExt{lastSeen: time.Now()}
		m.sessions[sessionID] = ext
	}
	return ext
}

// acquire locks the session and makes sure its state is loaded. The caller
// must call release when done. If no generation exists and create is nil,
// ErrSessionNotFound is returned with the lock released.
//
// A handle can lose the race with the idle sweep between the map lookup and
// the lock. Such an orphan must never serialize access: it is discarded and a
// registered handle is taken instead, so there is exactly one live lock per
// session id.
func (m *Manager) acquire(ctx context.Context, sessionID string, create func() *Session) (*sessionExt, error) {
	var ext *sessionExt
	for {
		ext = m.ext(sessionID)
		ext.mu.Lock()
		m.mu.Lock()
		alive := m.sessions[sessionID] == ext
		m.mu.Unlock()
		if alive {
			break
		}
		ext.mu.Unlock()
	}
	ext.lastSeen = time.Now()
	if ext.s != nil {
		return ext, nil
	}
	s, err := m.db.GetLatestSession(ctx, sessionID)
	switch {
	case err == nil:
		ext.s = s
		return ext, nil
	case errors.Is(err, ErrSessionNotFound) && create != nil:
		s = create()
		if err := m.save(func(ctx context.Context) error { return m.db.CreateSession(ctx, s) }); err != nil {
			ext.mu.Unlock()
			return nil, fmt.Errorf("create session: %w", err)
		}
		ext.s = s
		return ext, nil
	case errors.Is(err, ErrSessionNotFound):
		ext.mu.Unlock()
		return nil, &wire.Error{Code: wire.ErrNoSuchSession, Message: "no such session"}
	default:
		ext.mu.Unlock()
		return nil, fmt.Errorf("load session: %w", err)
	}
}

func (ext *sessionExt) release() {
	ext.lastSeen = time.Now()
	ext.mu.Unlock()
}

// save runs a store write under a bounded timeout, detached from the
// connection's context so a disconnect does not cancel a half-applied write.
func (m *Manager) save(f func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DBSaveTimeout)
	defer cancel()
	return f(ctx)
}

func (m *Manager) persist(s *Session) error {
	return m.save(func(ctx context.Context) error { return m.db.SaveSession(ctx, s) })
}

// JoinedState is what the gateway sends back to a client that just joined.
type JoinedState struct {
	Role  int
	State wire.GameStateEvent
}

// Join attaches the identity to the session, creating the session (with the
// joiner as player 1) if no generation exists yet. Rejoining a held slot is
// idempotent. A third identity is rejected.
func (m *Manager) Join(ctx context.Context, sessionID string, who ident.Identity) (JoinedState, error) {
	log := m.log.With(slog.String("session_id", sessionID), slog.String("user_id", who.ID))
	ext, err := m.acquire(ctx, sessionID, func() *Session {
		return &Session{
			SessionID:   sessionID,
			Generation:  1,
			Player1ID:   who.ID,
			Player1Name: who.Name(),
			Ball:        defaultBall(m.opts.FieldWidth, m.opts.FieldHeight),
			Active:      true,
			CreatedAt:   timeutil.NowUTC(),
		}
	})
	if err != nil {
		return JoinedState{}, err
	}
	defer ext.release()
	s := ext.s

	role := s.RoleOf(who.ID)
	if role == RoleNone {
		if !s.Active || s.Player2ID != nil {
			return JoinedState{}, &wire.Error{Code: wire.ErrNotParticipant, Message: "session is full"}
		}
		id := who.ID
		s.Player2ID = &id
		s.Player2Name = who.Name()
		role = RolePlayer2
		if err := m.persist(s); err != nil {
			s.Player2ID = nil
			s.Player2Name = ""
			return JoinedState{}, fmt.Errorf("assign player2: %w", err)
		}
		log.Info("player joined session", slog.Int("role", role))
		m.bc.Broadcast(roster.GameGroup(sessionID), wire.PlayerUpdateEvent{
			Type:         wire.EventPlayerUpdate,
			Players:      s.players(),
			TotalPlayers: len(s.players()),
		})
		m.bc.Broadcast(roster.GameGroup(sessionID), s.StateEvent(RoleNone))
	}

	return JoinedState{Role: role, State: s.StateEvent(role)}, nil
}

// PaddleMove applies a client-reported paddle position. Permitted for either
// assigned player, rejected for everyone else.
func (m *Manager) PaddleMove(ctx context.Context, sessionID string, who ident.Identity, y float64) error {
	ext, err := m.acquire(ctx, sessionID, nil)
	if err != nil {
		return err
	}
	defer ext.release()
	s := ext.s

	if !s.Active {
		return &wire.Error{Code: wire.ErrSessionEnded, Message: "session already ended"}
	}
	y = clamp(y, 0, m.opts.FieldHeight)
	switch s.RoleOf(who.ID) {
	case RolePlayer1:
		s.Paddle1 = y
	case RolePlayer2:
		s.Paddle2 = y
	default:
		return &wire.Error{Code: wire.ErrNotParticipant, Message: "not a participant"}
	}
	if err := m.persist(s); err != nil {
		return fmt.Errorf("save paddle move: %w", err)
	}
	m.bc.Broadcast(roster.GameGroup(sessionID), wire.PaddlesEvent{
		Type:    wire.EventUpdatePaddles,
		Paddle1: s.Paddle1,
		Paddle2: s.Paddle2,
	})
	return nil
}

// BallUpdate applies the host's simulation report. Only the player 1 slot
// may call this: ball state and the score riding along with it are trusted
// from the host alone.
func (m *Manager) BallUpdate(ctx context.Context, sessionID string, who ident.Identity, ball wire.Ball, score *wire.Score) error {
	ext, err := m.acquire(ctx, sessionID, nil)
	if err != nil {
		return err
	}
	defer ext.release()
	s := ext.s

	if !s.Active {
		return &wire.Error{Code: wire.ErrSessionEnded, Message: "session already ended"}
	}
	if who.ID != s.Player1ID {
		return &wire.Error{Code: wire.ErrNotHost, Message: "ball updates are host-only"}
	}
	s.Ball = ball
	if score != nil {
		s.Score = clampScore(*score, m.opts.WinScore)
	}
	if err := m.persist(s); err != nil {
		return fmt.Errorf("save ball update: %w", err)
	}
	m.bc.Broadcast(roster.GameGroup(sessionID), wire.BallEvent{
		Type:  wire.EventUpdateBall,
		Ball:  s.Ball,
		Score: s.Score,
	})
	return m.maybeFinish(ext, sessionID)
}

// ScoreUpdate applies a client-reported score. Permitted for either player;
// the server-configured winning threshold decides game over, not the client.
func (m *Manager) ScoreUpdate(ctx context.Context, sessionID string, who ident.Identity, score wire.Score) error {
	ext, err := m.acquire(ctx, sessionID, nil)
	if err != nil {
		return err
	}
	defer ext.release()
	s := ext.s

	if !s.Active {
		return &wire.Error{Code: wire.ErrSessionEnded, Message: "session already ended"}
	}
	if s.RoleOf(who.ID) == RoleNone {
		return &wire.Error{Code: wire.ErrNotParticipant, Message: "not a participant"}
	}
	s.Score = clampScore(score, m.opts.WinScore)
	if err := m.persist(s); err != nil {
		return fmt.Errorf("save score update: %w", err)
	}
	m.bc.Broadcast(roster.GameGroup(sessionID), wire.ScoreEvent{
		Type:  wire.EventScoreUpdate,
		Score: s.Score,
	})
	return m.maybeFinish(ext, sessionID)
}

// maybeFinish finalizes the session once either side reaches the winning
// threshold. Caller must hold the session lock.
func (m *Manager) maybeFinish(ext *sessionExt, sessionID string) error {
	s := ext.s
	if !s.Active {
		return nil
	}
	if s.Score.Player1 < m.opts.WinScore && s.Score.Player2 < m.opts.WinScore {
		return nil
	}
	winnerID := s.Player1ID
	if s.Score.Player2 > s.Score.Player1 {
		if s.Player2ID != nil {
			winnerID = *s.Player2ID
		}
	}
	return m.finalize(ext, sessionID, winnerID, ReasonScore)
}

// finalize moves the session to its terminal state. The write goes to the
// store before the game_over broadcast, so clients never observe an ending
// that could vanish on a crash. Caller must hold the session lock.
func (m *Manager) finalize(ext *sessionExt, sessionID string, winnerID string, reason string) error {
	s := ext.s
	now := timeutil.NowUTC()
	s.Active = false
	s.WinnerID = &winnerID
	s.EndedAt = &now
	if err := m.persist(s); err != nil {
		s.Active = true
		s.WinnerID = nil
		s.EndedAt = nil
		return fmt.Errorf("finalize session: %w", err)
	}
	m.log.Info("session ended",
		slog.String("session_id", sessionID),
		slog.Int("generation", s.Generation),
		slog.String("winner_id", winnerID),
		slog.String("reason", reason),
	)
	m.bc.Broadcast(roster.GameGroup(sessionID), wire.GameOverEvent{
		Type:     wire.EventGameOver,
		Winner:   s.playerName(winnerID),
		WinnerID: winnerID,
		Score:    [2]int{s.Score.Player1, s.Score.Player2},
		Reason:   reason,
	})
	return nil
}

// EndGame applies a host-reported game end. Like ball updates this is
// trusted from the player 1 slot only, and the winner is re-derived from the
// reported scores rather than taken from the client.
func (m *Manager) EndGame(ctx context.Context, sessionID string, who ident.Identity, reason string, finalScore wire.Score) error {
	ext, err := m.acquire(ctx, sessionID, nil)
	if err != nil {
		return err
	}
	defer ext.release()
	s := ext.s

	if !s.Active {
		return &wire.Error{Code: wire.ErrSessionEnded, Message: "session already ended"}
	}
	if who.ID != s.Player1ID {
		return &wire.Error{Code: wire.ErrNotHost, Message: "game end reports are host-only"}
	}
	prevScore := s.Score
	s.Score = clampScore(finalScore, m.opts.WinScore)
	if reason != ReasonDisconnect {
		reason = ReasonScore
	}
	winnerID := s.Player1ID
	if s.Score.Player2 > s.Score.Player1 && s.Player2ID != nil {
		winnerID = *s.Player2ID
	}
	if err := m.finalize(ext, sessionID, winnerID, reason); err != nil {
		s.Score = prevScore
		return err
	}
	return nil
}

// AnnounceState rebroadcasts the current session state to the game group.
// Clients request this on game_start to resynchronize.
func (m *Manager) AnnounceState(ctx context.Context, sessionID string) error {
	ext, err := m.acquire(ctx, sessionID, nil)
	if err != nil {
		return err
	}
	defer ext.release()
	m.bc.Broadcast(roster.GameGroup(sessionID), ext.s.StateEvent(RoleNone))
	return nil
}

// HandleDisconnect finalizes a still-running session when a participant
// drops: the opponent (or, without one, the sole remaining side) is declared
// winner. This guarantees every session reaches a terminal persisted state
// even on ungraceful exit.
func (m *Manager) HandleDisconnect(ctx context.Context, sessionID string, who ident.Identity) error {
	ext, err := m.acquire(ctx, sessionID, nil)
	if err != nil {
		if wire.MatchesError(err, wire.ErrNoSuchSession) {
			return nil
		}
		return err
	}
	defer ext.release()
	s := ext.s

	if !s.Active || s.RoleOf(who.ID) == RoleNone {
		return nil
	}
	winnerID, ok := s.opponentOf(who.ID)
	if !ok {
		winnerID = s.Player1ID
		if s.Score.Player2 > s.Score.Player1 && s.Player2ID != nil {
			winnerID = *s.Player2ID
		}
	}
	return m.finalize(ext, sessionID, winnerID, ReasonDisconnect)
}

// Rematch deactivates the current generation and starts a fresh one with the
// same players under the same session id, then announces the new generation
// so clients can resubscribe.
func (m *Manager) Rematch(ctx context.Context, sessionID string) (*Session, error) {
	ext, err := m.acquire(ctx, sessionID, nil)
	if err != nil {
		return nil, err
	}
	defer ext.release()
	old := ext.s

	if err := m.save(func(ctx context.Context) error {
		return m.db.DeactivateSessions(ctx, sessionID, timeutil.NowUTC())
	}); err != nil {
		return nil, fmt.Errorf("deactivate sessions: %w", err)
	}
	next := &Session{
		SessionID:    sessionID,
		Generation:   old.Generation + 1,
		Player1ID:    old.Player1ID,
		Player1Name:  old.Player1Name,
		Player2ID:    old.Player2ID,
		Player2Name:  old.Player2Name,
		Ball:         defaultBall(m.opts.FieldWidth, m.opts.FieldHeight),
		Active:       true,
		TournamentID: old.TournamentID,
		CreatedAt:    timeutil.NowUTC(),
	}
	if err := m.save(func(ctx context.Context) error { return m.db.CreateSession(ctx, next) }); err != nil {
		return nil, fmt.Errorf("create rematch session: %w", err)
	}
	ext.s = next
	m.log.Info("session replayed",
		slog.String("session_id", sessionID),
		slog.Int("generation", next.Generation),
	)
	m.bc.Broadcast(roster.GameGroup(sessionID), wire.NewGameIDEvent{
		Type:       wire.EventNewGameID,
		NewGameID:  sessionID,
		Generation: next.Generation,
	})
	return next, nil
}

// CreateForPair starts a session with both slots fixed up front. This is the
// invite/accept pairing path: slots assigned here never race with
// first-come-first-served joins. Idempotent when the same pair retries.
func (m *Manager) CreateForPair(ctx context.Context, sessionID string, p1, p2 ident.Identity) (*Session, error) {
	p2ID := p2.ID
	created := false
	ext, err := m.acquire(ctx, sessionID, func() *Session {
		created = true
		return &Session{
			SessionID:   sessionID,
			Generation:  1,
			Player1ID:   p1.ID,
			Player1Name: p1.Name(),
			Player2ID:   &p2ID,
			Player2Name: p2.Name(),
			Ball:        defaultBall(m.opts.FieldWidth, m.opts.FieldHeight),
			Active:      true,
			CreatedAt:   timeutil.NowUTC(),
		}
	})
	if err != nil {
		return nil, err
	}
	defer ext.release()
	s := ext.s
	if !created && (s.RoleOf(p1.ID) == RoleNone || s.RoleOf(p2.ID) == RoleNone) {
		return nil, &wire.Error{Code: wire.ErrNotParticipant, Message: "session exists with different players"}
	}
	snapshot := *s
	return &snapshot, nil
}

// Snapshot returns a copy of the latest generation for read-only use.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (*Session, error) {
	ext, err := m.acquire(ctx, sessionID, nil)
	if err != nil {
		return nil, err
	}
	defer ext.release()
	snapshot := *ext.s
	return &snapshot, nil
}

// LiveSessions reports how many session handles are currently resident.
func (m *Manager) LiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

func clampScore(sc wire.Score, winScore int) wire.Score {
	sc.Player1 = int(clamp(float64(sc.Player1), 0, float64(winScore)))
	sc.Player2 = int(clamp(float64(sc.Player2), 0, float64(winScore)))
	return sc
}
