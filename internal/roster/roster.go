package roster

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/pongarena/matchcoord/internal/util/slogx"
)

// Group naming scheme. A connection always sits in its user group and in
// zero or more game/tournament groups.
func GameGroup(gameID string) string             { return "game:" + gameID }
func TournamentGroup(tournamentID string) string { return "tournament:" + tournamentID }
func UserGroup(userID string) string             { return "user:" + userID }

// NotificationsGroup receives cross-user events like online-status changes.
const NotificationsGroup = "notifications"

// Conn is one live connection as the registry sees it. Send must be safe to
// call from any goroutine and must not block indefinitely.
type Conn interface {
	ID() string
	UserID() string
	Send(data []byte) error
}

// Registry is the in-process broadcast group table. It is constructed once
// per process and injected into every handler, so a distributed pub/sub can
// replace it without touching handler logic.
type Registry struct {
	log *slog.Logger

	mu     sync.RWMutex
	groups map[string]map[string]Conn
	byConn map[string]map[string]struct{}
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		log:    log,
		groups: make(map[string]map[string]Conn),
		byConn: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Join(group string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.groups[group]
	if !ok {
		conns = make(map[string]Conn)
		r.groups[group] = conns
	}
	conns[c.ID()] = c
	memberships, ok := r.byConn[c.ID()]
	if !ok {
		memberships = make(map[string]struct{})
		r.byConn[c.ID()] = memberships
	}
	memberships[group] = struct{}{}
}

func (r *Registry) Leave(group string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doLeave(group, c.ID())
}

func (r *Registry) doLeave(group string, connID string) {
	if conns, ok := r.groups[group]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.groups, group)
		}
	}
	if memberships, ok := r.byConn[connID]; ok {
		delete(memberships, group)
		if len(memberships) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Drop removes the connection from every group it joined. After Drop returns
// no group holds a reference to the connection.
func (r *Registry) Drop(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for group := range r.byConn[c.ID()] {
		r.doLeave(group, c.ID())
	}
}

func (r *Registry) GroupLen(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

// Users returns the distinct user ids holding at least one connection in the
// group, in stable order.
func (r *Registry) Users(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	ids := make([]string, 0, len(r.groups[group]))
	for _, c := range r.groups[group] {
		if _, ok := seen[c.UserID()]; ok {
			continue
		}
		seen[c.UserID()] = struct{}{}
		ids = append(ids, c.UserID())
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) snapshot(group string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.groups[group]))
	for _, c := range r.groups[group] {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast sends the event to every connection in the group at call time.
// Send failures are isolated per connection: one member disconnecting
// mid-broadcast does not affect delivery to the others.
func (r *Registry) Broadcast(group string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		r.log.Error("could not marshal event", slog.String("group", group), slogx.Err(err))
		return
	}
	for _, c := range r.snapshot(group) {
		if err := c.Send(data); err != nil {
			r.log.Info("could not send event",
				slog.String("group", group),
				slog.String("conn_id", c.ID()),
				slogx.Err(err),
			)
		}
	}
}

// DeliverTo routes an event to every connection owned by the user. If the
// user has no active connections the event is silently dropped, durability
// is the notification store's job.
func (r *Registry) DeliverTo(userID string, event any) {
	r.Broadcast(UserGroup(userID), event)
}
