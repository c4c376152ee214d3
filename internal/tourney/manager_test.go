package tourney

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pongarena/matchcoord/internal/ident"
	"github.com/pongarena/matchcoord/internal/util/slogx"
	"github.com/pongarena/matchcoord/internal/wire"
)

type fakeDB struct {
	mu          sync.Mutex
	tournaments map[string]*Tournament
	order       []string
	saveErr     error
}

func newFakeDB() *fakeDB {
	return &fakeDB{tournaments: make(map[string]*Tournament)}
}

func (d *fakeDB) GetTournament(_ context.Context, id string) (*Tournament, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tournaments[id]
	if !ok {
		return nil, ErrTournamentNotFound
	}
	snapshot := *t
	return &snapshot, nil
}

func (d *fakeDB) GetOpenTournament(_ context.Context) (*Tournament, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.order {
		if t := d.tournaments[id]; t.Status == StatusWaiting {
			snapshot := *t
			return &snapshot, nil
		}
	}
	return nil, ErrTournamentNotFound
}

func (d *fakeDB) CreateTournament(_ context.Context, t *Tournament) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.saveErr != nil {
		return d.saveErr
	}
	snapshot := *t
	d.tournaments[t.ID] = &snapshot
	d.order = append(d.order, t.ID)
	return nil
}

func (d *fakeDB) SaveTournament(_ context.Context, t *Tournament) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.saveErr != nil {
		return d.saveErr
	}
	if _, ok := d.tournaments[t.ID]; !ok {
		return ErrTournamentNotFound
	}
	snapshot := *t
	d.tournaments[t.ID] = &snapshot
	return nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	groups []string
}

func (b *fakeBroadcaster) Broadcast(group string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups = append(b.groups, group)
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}

func player(n string) ident.Identity {
	return ident.Identity{ID: "u_" + n, Username: n}
}

func newTestManager(t *testing.T) (*Manager, *fakeDB, *fakeBroadcaster) {
	t.Helper()
	db := newFakeDB()
	bc := &fakeBroadcaster{}
	m := NewManager(slogx.DiscardLogger(), db, bc, Options{})
	t.Cleanup(m.Close)
	return m, db, bc
}

// fill enrolls four players via find-open and returns the tournament view
// after the bracket is generated.
func fill(t *testing.T, m *Manager) View {
	t.Helper()
	ctx := context.Background()
	var v View
	for _, n := range []string{"a", "b", "c", "d"} {
		var err error
		v, err = m.Enroll(ctx, FindOpen, player(n))
		require.NoError(t, err)
	}
	return v
}

func TestEnrollFindOpenCreatesAndFills(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	v, err := m.Enroll(ctx, FindOpen, player("a"))
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, v.Status)
	assert.Equal(t, 1, v.PlayerCount)
	assert.Nil(t, v.Bracket)
	assert.NotEmpty(t, v.Name)

	// The next three join the same tournament, not a new one.
	for i, n := range []string{"b", "c", "d"} {
		next, err := m.Enroll(ctx, FindOpen, player(n))
		require.NoError(t, err)
		assert.Equal(t, v.ID, next.ID)
		assert.Equal(t, i+2, next.PlayerCount)
	}
}

func TestFourthEnrollGeneratesBracket(t *testing.T) {
	m, db, _ := newTestManager(t)
	v := fill(t, m)

	assert.Equal(t, StatusInProgress, v.Status)
	require.NotNil(t, v.Bracket)
	assert.Equal(t, PhaseSemiFinal, v.Bracket.CurrentPhase)
	require.Len(t, v.Bracket.SemiFinals, 2)

	// Seeding follows enrollment order.
	s0, s1 := v.Bracket.SemiFinals[0], v.Bracket.SemiFinals[1]
	assert.Equal(t, "u_a", s0.Player1.ID)
	assert.Equal(t, "u_b", s0.Player2.ID)
	assert.Equal(t, "u_c", s1.Player1.ID)
	assert.Equal(t, "u_d", s1.Player2.ID)
	assert.Equal(t, MatchWaiting, s0.Status)
	assert.Equal(t, MatchPending, v.Bracket.Final.Status)
	assert.Nil(t, v.Bracket.Final.Player1)

	// Bracket generation was persisted, not just held in memory.
	stored, err := db.GetTournament(context.Background(), v.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Bracket)
	assert.Equal(t, StatusInProgress, stored.Status)
}

func TestEnrollTwiceRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	v, err := m.Enroll(ctx, FindOpen, player("a"))
	require.NoError(t, err)

	_, err = m.Enroll(ctx, v.ID, player("a"))
	assert.True(t, wire.MatchesError(err, wire.ErrAlreadyEnrolled))

	again, err := m.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.PlayerCount)
}

func TestEnrollAfterStartRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	v := fill(t, m)

	_, err := m.Enroll(context.Background(), v.ID, player("e"))
	assert.True(t, wire.MatchesError(err, wire.ErrEnrollmentClosed))
}

func TestFindOpenSkipsStartedTournament(t *testing.T) {
	m, _, _ := newTestManager(t)
	first := fill(t, m)

	v, err := m.Enroll(context.Background(), FindOpen, player("e"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, v.ID)
	assert.Equal(t, StatusWaiting, v.Status)
}

func TestOpenForResumesEnrollment(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	v, err := m.Enroll(ctx, FindOpen, player("a"))
	require.NoError(t, err)

	resumed, err := m.OpenFor(ctx, "u_a")
	require.NoError(t, err)
	assert.Equal(t, v.ID, resumed.ID)
	assert.Equal(t, 1, resumed.PlayerCount)

	// A user who never enrolled has nothing to resume.
	_, err = m.OpenFor(ctx, "u_z")
	assert.True(t, wire.MatchesError(err, wire.ErrNoSuchTournament))

	// Once the tournament starts there is no open tournament left.
	for _, n := range []string{"b", "c", "d"} {
		_, err := m.Enroll(ctx, FindOpen, player(n))
		require.NoError(t, err)
	}
	_, err = m.OpenFor(ctx, "u_a")
	assert.True(t, wire.MatchesError(err, wire.ErrNoSuchTournament))
}

func TestFinalSlotsGatedOnBothSemis(t *testing.T) {
	m, _, _ := newTestManager(t)
	v := fill(t, m)
	ctx := context.Background()

	v, err := m.ReportMatchResult(ctx, v.ID, MatchSemi0, "u_a", nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseSemiFinal, v.Bracket.CurrentPhase)
	assert.Nil(t, v.Bracket.Final.Player1)
	assert.Nil(t, v.Bracket.Final.Player2)

	v, err = m.ReportMatchResult(ctx, v.ID, MatchSemi1, "u_d", nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseFinal, v.Bracket.CurrentPhase)
	require.NotNil(t, v.Bracket.Final.Player1)
	require.NotNil(t, v.Bracket.Final.Player2)
	assert.Equal(t, "u_a", v.Bracket.Final.Player1.ID)
	assert.Equal(t, "u_d", v.Bracket.Final.Player2.ID)
	assert.Equal(t, MatchWaiting, v.Bracket.Final.Status)
}

func TestFinalCrownsChampion(t *testing.T) {
	m, db, _ := newTestManager(t)
	v := fill(t, m)
	ctx := context.Background()

	_, err := m.ReportMatchResult(ctx, v.ID, MatchSemi0, "u_a", nil)
	require.NoError(t, err)
	_, err = m.ReportMatchResult(ctx, v.ID, MatchSemi1, "u_d", nil)
	require.NoError(t, err)

	score := &wire.Score{Player1: 11, Player2: 7}
	v, err = m.ReportMatchResult(ctx, v.ID, MatchFinal, "u_a", score)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, v.Status)
	assert.Equal(t, PhaseCompleted, v.Bracket.CurrentPhase)
	require.NotNil(t, v.ChampionID)
	assert.Equal(t, "u_a", *v.ChampionID)
	assert.Equal(t, "a", v.ChampionName)

	stored, err := db.GetTournament(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	require.NotNil(t, stored.Bracket.Final.Score)
	assert.Equal(t, 11, stored.Bracket.Final.Score.Player1)
}

func TestReportRejectsBadInput(t *testing.T) {
	m, _, _ := newTestManager(t)
	v := fill(t, m)
	ctx := context.Background()

	_, err := m.ReportMatchResult(ctx, v.ID, "semi_7", "u_a", nil)
	assert.True(t, wire.MatchesError(err, wire.ErrNoSuchMatch))

	// The final has no players until both semis complete.
	_, err = m.ReportMatchResult(ctx, v.ID, MatchFinal, "u_a", nil)
	assert.True(t, wire.MatchesError(err, wire.ErrNoSuchMatch))

	_, err = m.ReportMatchResult(ctx, v.ID, MatchSemi0, "u_c", nil)
	assert.True(t, wire.MatchesError(err, wire.ErrPlayerNotInMatch))

	_, err = m.ReportMatchResult(ctx, v.ID, MatchSemi0, "u_a", nil)
	require.NoError(t, err)
	_, err = m.ReportMatchResult(ctx, v.ID, MatchSemi0, "u_b", nil)
	assert.True(t, wire.MatchesError(err, wire.ErrMatchCompleted))

	_, err = m.ReportMatchResult(ctx, "nope", MatchSemi0, "u_a", nil)
	assert.True(t, wire.MatchesError(err, wire.ErrNoSuchTournament))
}

func TestOutOfOrderSemiCompletion(t *testing.T) {
	m, _, _ := newTestManager(t)
	v := fill(t, m)
	ctx := context.Background()

	// Second semi first.
	v, err := m.ReportMatchResult(ctx, v.ID, MatchSemi1, "u_c", nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseSemiFinal, v.Bracket.CurrentPhase)

	v, err = m.ReportMatchResult(ctx, v.ID, MatchSemi0, "u_b", nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseFinal, v.Bracket.CurrentPhase)
	assert.Equal(t, "u_b", v.Bracket.Final.Player1.ID)
	assert.Equal(t, "u_c", v.Bracket.Final.Player2.ID)
}

func TestPersistFailureRollsBack(t *testing.T) {
	m, db, bc := newTestManager(t)
	v := fill(t, m)
	ctx := context.Background()
	before := bc.count()

	db.saveErr = errors.New("disk full")
	_, err := m.ReportMatchResult(ctx, v.ID, MatchSemi0, "u_a", nil)
	require.Error(t, err)
	assert.False(t, wire.MatchesError(err, wire.ErrMatchCompleted))
	assert.Equal(t, before, bc.count())

	db.saveErr = nil
	v, err = m.ReportMatchResult(ctx, v.ID, MatchSemi0, "u_a", nil)
	require.NoError(t, err)
	assert.Equal(t, MatchCompleted, v.Bracket.SemiFinals[0].Status)
}

func TestAcquireDiscardsEvictedHandle(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	v, err := m.Enroll(ctx, FindOpen, player("a"))
	require.NoError(t, err)

	// Hold the registered handle so a concurrent acquire fetches it and
	// parks on its lock, then evict it the way the idle sweep would.
	held := m.ext(v.ID)
	held.mu.Lock()

	got := make(chan *tourExt, 1)
	go func() {
		ext, err := m.acquire(ctx, v.ID)
		assert.NoError(t, err)
		got <- ext
	}()
	time.Sleep(50 * time.Millisecond)
	m.mu.Lock()
	delete(m.tournaments, v.ID)
	m.mu.Unlock()
	held.mu.Unlock()

	// The orphan must not serialize the tournament: the caller retakes
	// the handle that is actually registered.
	ext := <-got
	assert.NotSame(t, held, ext)
	m.mu.Lock()
	registered := m.tournaments[v.ID]
	m.mu.Unlock()
	assert.Same(t, registered, ext)
	ext.release()
}

func TestConcurrentFindOpenEnrollment(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	views := make([]View, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			views[i], errs[i] = m.Enroll(ctx, FindOpen, ident.Identity{ID: string(rune('a' + i)), Username: "p"})
		}()
	}
	wg.Wait()

	// Eight players land in exactly two full tournaments.
	counts := make(map[string]int)
	for i := range n {
		require.NoError(t, errs[i])
		counts[views[i].ID]++
	}
	assert.Len(t, counts, 2)
	for id, c := range counts {
		final, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 4, c)
		assert.Equal(t, 4, final.PlayerCount)
		assert.Equal(t, StatusInProgress, final.Status)
	}
}
