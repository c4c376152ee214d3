package tourney

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"

	"github.com/pongarena/matchcoord/internal/ident"
	"github.com/pongarena/matchcoord/internal/roster"
	"github.com/pongarena/matchcoord/internal/util/idgen"
	"github.com/pongarena/matchcoord/internal/util/timeutil"
	"github.com/pongarena/matchcoord/internal/wire"
)

// ErrTournamentNotFound is returned by DB implementations when the id does
// not resolve.
var ErrTournamentNotFound = errors.New("tournament not found")

// FindOpen enrolls into any tournament still waiting for players, creating
// one when none is open.
const FindOpen = "find-open"

type DB interface {
	GetTournament(ctx context.Context, id string) (*Tournament, error)
	// GetOpenTournament returns the oldest tournament still in the waiting
	// state, or ErrTournamentNotFound when none is open.
	GetOpenTournament(ctx context.Context) (*Tournament, error)
	CreateTournament(ctx context.Context, t *Tournament) error
	SaveTournament(ctx context.Context, t *Tournament) error
}

type Broadcaster interface {
	Broadcast(group string, event any)
}

type Options struct {
	DBSaveTimeout time.Duration `toml:"db-save-timeout"`
	GCInterval    time.Duration `toml:"gc-interval"`
	IdleTimeout   time.Duration `toml:"idle-timeout"`
}

func (o *Options) FillDefaults() {
	if o.DBSaveTimeout == 0 {
		o.DBSaveTimeout = 10 * time.Second
	}
	if o.GCInterval == 0 {
		o.GCInterval = 1 * time.Minute
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 1 * time.Hour
	}
}

type tourExt struct {
	mu       sync.Mutex
	t        *Tournament
	lastSeen time.Time
}

// Manager owns bracket state for all live tournaments. Mutations of one
// tournament are serialized through its tourExt mutex, held across the
// read-modify-write against the store. Find-open enrollment additionally
// serializes through openMu so two newcomers cannot both spawn a fresh
// tournament while one is still open.
type Manager struct {
	log  *slog.Logger
	db   DB
	bc   Broadcaster
	opts Options

	gctx   context.Context
	cancel func()
	wg     sync.WaitGroup

	openMu sync.Mutex

	mu          sync.Mutex
	tournaments map[string]*tourExt
}

func NewManager(log *slog.Logger, db DB, bc Broadcaster, opts Options) *Manager {
	opts.FillDefaults()
	gctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:         log,
		db:          db,
		bc:          bc,
		opts:        opts,
		gctx:        gctx,
		cancel:      cancel,
		tournaments: make(map[string]*tourExt),
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

func (m *Manager) gc() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for id, ext := range m.tournaments {
				if ext.mu.TryLock() {
					if now.Sub(ext.lastSeen) > m.opts.IdleTimeout {
						delete(m.tournaments, id)
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

func (m *Manager) ext(id string) *tourExt {
	m.mu.Lock()
	defer m.mu.Unlock()
	ext, ok := m.tournaments[id]
	if !ok {
		ext = &tourExt{lastSeen: time.Now()}
		m.tournaments[id] = ext
	}
	return ext
}

// acquire locks the tournament and makes sure its state is loaded. A handle
// can lose the race with the idle sweep between the map lookup and the lock;
// such an orphan is discarded and a registered handle is taken instead, so
// there is exactly one live lock per tournament id.
func (m *Manager) acquire(ctx context.Context, id string) (*tourExt, error) {
	var ext *tourExt
	for {
		ext = m.ext(id)
		ext.mu.Lock()
		m.mu.Lock()
		alive := m.tournaments[id] == ext
		m.mu.Unlock()
		if alive {
			break
		}
		ext.mu.Unlock()
	}
	ext.lastSeen = time.Now()
	if ext.t != nil {
		return ext, nil
	}
	t, err := m.db.GetTournament(ctx, id)
	switch {
	case err == nil:
		ext.t = t
		return ext, nil
	case errors.Is(err, ErrTournamentNotFound):
		ext.mu.Unlock()
		return nil, &wire.Error{Code: wire.ErrNoSuchTournament, Message: "no such tournament"}
	default:
		ext.mu.Unlock()
		return nil, fmt.Errorf("load tournament: %w", err)
	}
}

func (ext *tourExt) release() {
	ext.lastSeen = time.Now()
	ext.mu.Unlock()
}

func (m *Manager) save(f func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DBSaveTimeout)
	defer cancel()
	return f(ctx)
}

func (m *Manager) persist(t *Tournament) error {
	t.UpdatedAt = timeutil.NowUTC()
	return m.save(func(ctx context.Context) error { return m.db.SaveTournament(ctx, t) })
}

// newName produces a readable tournament name like "Hopeful Mallard Cup".
func newName() string {
	words := strings.Fields(petname.Generate(2, " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(append(words, "Cup"), " ")
}

// Enroll adds the identity to the tournament. Pass FindOpen to join any
// waiting tournament, creating one when none exists. The 4th enrollment
// closes enrollment, generates the bracket and moves the tournament to
// in_progress, all in one persisted update.
func (m *Manager) Enroll(ctx context.Context, tournamentID string, who ident.Identity) (View, error) {
	if tournamentID == FindOpen {
		return m.enrollOpen(ctx, who)
	}
	ext, err := m.acquire(ctx, tournamentID)
	if err != nil {
		return View{}, err
	}
	defer ext.release()
	return m.enroll(ext.t, who)
}

func (m *Manager) enrollOpen(ctx context.Context, who ident.Identity) (View, error) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	open, err := m.db.GetOpenTournament(ctx)
	switch {
	case err == nil:
		ext, err := m.acquire(ctx, open.ID)
		if err != nil {
			return View{}, err
		}
		defer ext.release()
		// The handle may be ahead of the row just fetched.
		if ext.t.Status == StatusWaiting {
			return m.enroll(ext.t, who)
		}
		// Fell closed between the query and the lock, create a new one.
	case errors.Is(err, ErrTournamentNotFound):
	default:
		return View{}, fmt.Errorf("find open tournament: %w", err)
	}

	t := &Tournament{
		ID:          idgen.ID(),
		Name:        newName(),
		Status:      StatusWaiting,
		Players:     []Player{playerOf(who)},
		PlayerCount: 1,
		CreatedAt:   timeutil.NowUTC(),
		UpdatedAt:   timeutil.NowUTC(),
	}
	if err := m.save(func(ctx context.Context) error { return m.db.CreateTournament(ctx, t) }); err != nil {
		return View{}, fmt.Errorf("create tournament: %w", err)
	}
	m.mu.Lock()
	m.tournaments[t.ID] = &tourExt{t: t, lastSeen: time.Now()}
	m.mu.Unlock()
	m.log.Info("tournament created",
		slog.String("tournament_id", t.ID),
		slog.String("name", t.Name),
	)
	m.announce(t)
	return t.view(), nil
}

// enroll mutates the locked tournament.
func (m *Manager) enroll(t *Tournament, who ident.Identity) (View, error) {
	if t.enrolled(who.ID) {
		return View{}, &wire.Error{Code: wire.ErrAlreadyEnrolled, Message: "already enrolled"}
	}
	if t.Status != StatusWaiting || len(t.Players) >= Capacity {
		return View{}, &wire.Error{Code: wire.ErrEnrollmentClosed, Message: "enrollment closed"}
	}
	t.Players = append(t.Players, playerOf(who))
	t.PlayerCount = len(t.Players)
	if t.PlayerCount == Capacity {
		t.generateBracket()
		t.Status = StatusInProgress
	}
	if err := m.persist(t); err != nil {
		t.Players = t.Players[:len(t.Players)-1]
		t.PlayerCount = len(t.Players)
		if t.Status == StatusInProgress {
			t.Bracket = nil
			t.Status = StatusWaiting
		}
		return View{}, fmt.Errorf("enroll player: %w", err)
	}
	m.log.Info("player enrolled",
		slog.String("tournament_id", t.ID),
		slog.String("user_id", who.ID),
		slog.Int("player_count", t.PlayerCount),
	)
	m.announce(t)
	return t.view(), nil
}

// ReportMatchResult records a finished bracket match and advances the
// bracket. The final's slots are filled only once both semi-finals are
// completed, regardless of completion order. Reporting the final crowns the
// champion and freezes the bracket.
func (m *Manager) ReportMatchResult(ctx context.Context, tournamentID, matchID, winnerID string, score *wire.Score) (View, error) {
	ext, err := m.acquire(ctx, tournamentID)
	if err != nil {
		return View{}, err
	}
	defer ext.release()
	t := ext.t

	if t.Bracket == nil {
		return View{}, &wire.Error{Code: wire.ErrNoSuchMatch, Message: "bracket not generated yet"}
	}
	mt := t.Bracket.match(matchID)
	if mt == nil {
		return View{}, &wire.Error{Code: wire.ErrNoSuchMatch, Message: "no such match"}
	}
	if mt.Status == MatchCompleted {
		return View{}, &wire.Error{Code: wire.ErrMatchCompleted, Message: "match already completed"}
	}
	if mt.Player1 == nil || mt.Player2 == nil {
		return View{}, &wire.Error{Code: wire.ErrNoSuchMatch, Message: "match players not decided yet"}
	}
	var winner Player
	switch winnerID {
	case mt.Player1.ID:
		winner = *mt.Player1
	case mt.Player2.ID:
		winner = *mt.Player2
	default:
		return View{}, &wire.Error{Code: wire.ErrPlayerNotInMatch, Message: "winner is not in this match"}
	}

	saved := *mt
	savedBracket := *t.Bracket
	savedStatus, savedChampion := t.Status, t.ChampionID

	mt.Status = MatchCompleted
	mt.Winner = &winner
	mt.Score = score
	if matchID == MatchFinal {
		t.Bracket.CurrentPhase = PhaseCompleted
		t.Status = StatusCompleted
		champ := winner.ID
		t.ChampionID = &champ
	} else if t.Bracket.semisCompleted() {
		w0, w1 := t.Bracket.SemiFinals[0].Winner, t.Bracket.SemiFinals[1].Winner
		t.Bracket.Final.Player1 = w0
		t.Bracket.Final.Player2 = w1
		t.Bracket.Final.Status = MatchWaiting
		t.Bracket.CurrentPhase = PhaseFinal
	}
	if err := m.persist(t); err != nil {
		*mt = saved
		*t.Bracket = savedBracket
		t.Status, t.ChampionID = savedStatus, savedChampion
		return View{}, fmt.Errorf("record match result: %w", err)
	}
	m.log.Info("match result recorded",
		slog.String("tournament_id", t.ID),
		slog.String("match_id", matchID),
		slog.String("winner_id", winnerID),
		slog.String("phase", t.Bracket.CurrentPhase),
	)
	m.announce(t)
	return t.view(), nil
}

// OpenFor returns the open tournament the user is already enrolled in. This
// resumes a find-open reconnect: the player refreshed while waiting and does
// not know the tournament id.
func (m *Manager) OpenFor(ctx context.Context, userID string) (View, error) {
	open, err := m.db.GetOpenTournament(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrTournamentNotFound):
		return View{}, &wire.Error{Code: wire.ErrNoSuchTournament, Message: "no open tournament"}
	default:
		return View{}, fmt.Errorf("find open tournament: %w", err)
	}
	ext, err := m.acquire(ctx, open.ID)
	if err != nil {
		return View{}, err
	}
	defer ext.release()
	if !ext.t.enrolled(userID) {
		return View{}, &wire.Error{Code: wire.ErrNoSuchTournament, Message: "not enrolled in an open tournament"}
	}
	return ext.t.view(), nil
}

// Get returns a read-only view of the tournament.
func (m *Manager) Get(ctx context.Context, tournamentID string) (View, error) {
	ext, err := m.acquire(ctx, tournamentID)
	if err != nil {
		return View{}, err
	}
	defer ext.release()
	return ext.t.view(), nil
}

// LiveTournaments reports how many tournament handles are resident.
func (m *Manager) LiveTournaments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tournaments)
}

func (m *Manager) announce(t *Tournament) {
	m.bc.Broadcast(roster.TournamentGroup(t.ID), wire.TournamentUpdateEvent{
		Type:           wire.EventTournamentUpdate,
		TournamentData: t.view(),
	})
}

func playerOf(who ident.Identity) Player {
	return Player{ID: who.ID, Username: who.Username, DisplayName: who.DisplayName}
}
