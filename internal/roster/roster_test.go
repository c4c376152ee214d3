package roster

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pongarena/matchcoord/internal/util/slogx"
)

type fakeConn struct {
	id     string
	userID string

	mu      sync.Mutex
	got     [][]byte
	sendErr error
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.got = append(c.got, data)
	return nil
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

type ping struct {
	Type string `json:"type"`
	N    int    `json:"n"`
}

func TestBroadcastReachesGroupOnly(t *testing.T) {
	r := New(slogx.DiscardLogger())
	a := &fakeConn{id: "c1", userID: "u1"}
	b := &fakeConn{id: "c2", userID: "u2"}
	out := &fakeConn{id: "c3", userID: "u3"}
	r.Join(GameGroup("g1"), a)
	r.Join(GameGroup("g1"), b)
	r.Join(GameGroup("g2"), out)

	r.Broadcast(GameGroup("g1"), ping{Type: "ping", N: 1})

	assert.Equal(t, 1, a.received())
	assert.Equal(t, 1, b.received())
	assert.Equal(t, 0, out.received())

	var got ping
	require.NoError(t, json.Unmarshal(a.got[0], &got))
	assert.Equal(t, ping{Type: "ping", N: 1}, got)
}

func TestSendFailureIsIsolated(t *testing.T) {
	r := New(slogx.DiscardLogger())
	bad := &fakeConn{id: "c1", userID: "u1", sendErr: errors.New("gone")}
	good := &fakeConn{id: "c2", userID: "u2"}
	r.Join(GameGroup("g1"), bad)
	r.Join(GameGroup("g1"), good)

	r.Broadcast(GameGroup("g1"), ping{Type: "ping"})
	assert.Equal(t, 1, good.received())
}

func TestDropRemovesFromEveryGroup(t *testing.T) {
	r := New(slogx.DiscardLogger())
	c := &fakeConn{id: "c1", userID: "u1"}
	r.Join(UserGroup("u1"), c)
	r.Join(GameGroup("g1"), c)
	r.Join(TournamentGroup("t1"), c)
	r.Join(NotificationsGroup, c)

	other := &fakeConn{id: "c2", userID: "u2"}
	r.Join(GameGroup("g1"), other)

	r.Drop(c)

	assert.Equal(t, 0, r.GroupLen(UserGroup("u1")))
	assert.Equal(t, 1, r.GroupLen(GameGroup("g1")))
	assert.Equal(t, 0, r.GroupLen(TournamentGroup("t1")))
	assert.Equal(t, 0, r.GroupLen(NotificationsGroup))

	r.Broadcast(GameGroup("g1"), ping{Type: "ping"})
	assert.Equal(t, 0, c.received())
	assert.Equal(t, 1, other.received())

	// No residual bookkeeping for the dropped connection.
	r.mu.RLock()
	_, ok := r.byConn["c1"]
	r.mu.RUnlock()
	assert.False(t, ok)
}

func TestDeliverToHitsEveryUserConnection(t *testing.T) {
	r := New(slogx.DiscardLogger())
	tab1 := &fakeConn{id: "c1", userID: "u1"}
	tab2 := &fakeConn{id: "c2", userID: "u1"}
	other := &fakeConn{id: "c3", userID: "u2"}
	r.Join(UserGroup("u1"), tab1)
	r.Join(UserGroup("u1"), tab2)
	r.Join(UserGroup("u2"), other)

	r.DeliverTo("u1", ping{Type: "ping"})
	assert.Equal(t, 1, tab1.received())
	assert.Equal(t, 1, tab2.received())
	assert.Equal(t, 0, other.received())

	// Zero connections means a silent drop, not an error.
	r.DeliverTo("nobody", ping{Type: "ping"})
}

func TestUsersListsDistinctIDs(t *testing.T) {
	r := New(slogx.DiscardLogger())
	tab1 := &fakeConn{id: "c1", userID: "u2"}
	tab2 := &fakeConn{id: "c2", userID: "u2"}
	other := &fakeConn{id: "c3", userID: "u1"}
	r.Join(TournamentGroup("t1"), tab1)
	r.Join(TournamentGroup("t1"), tab2)
	r.Join(TournamentGroup("t1"), other)

	// Two tabs of the same user count once.
	assert.Equal(t, []string{"u1", "u2"}, r.Users(TournamentGroup("t1")))

	r.Drop(tab1)
	assert.Equal(t, []string{"u1", "u2"}, r.Users(TournamentGroup("t1")))
	r.Drop(tab2)
	assert.Equal(t, []string{"u1"}, r.Users(TournamentGroup("t1")))

	assert.Empty(t, r.Users(TournamentGroup("nope")))
}

func TestConcurrentJoinLeaveBroadcast(t *testing.T) {
	r := New(slogx.DiscardLogger())
	const workers = 16
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &fakeConn{id: string(rune('a' + i)), userID: "u"}
			for range 200 {
				r.Join(GameGroup("g"), c)
				r.Broadcast(GameGroup("g"), ping{Type: "ping"})
				r.Drop(c)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.GroupLen(GameGroup("g")))
}
