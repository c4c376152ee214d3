package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pongarena/matchcoord/internal/ident"
	"github.com/pongarena/matchcoord/internal/match"
	"github.com/pongarena/matchcoord/internal/roster"
	"github.com/pongarena/matchcoord/internal/util/idgen"
	"github.com/pongarena/matchcoord/internal/util/slogx"
	"github.com/pongarena/matchcoord/internal/util/timeutil"
	"github.com/pongarena/matchcoord/internal/wire"
)

// Presence statuses fanned out on friend_status events.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type DB interface {
	SaveNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]Notification, error)
	PruneNotifications(ctx context.Context, cutoff timeutil.UTCTime) error
}

type Broadcaster interface {
	Broadcast(group string, event any)
	DeliverTo(userID string, event any)
}

// SessionCreator pairs two players into a fresh game session.
type SessionCreator interface {
	CreateForPair(ctx context.Context, sessionID string, p1, p2 ident.Identity) (*match.Session, error)
}

type Options struct {
	DBSaveTimeout time.Duration `toml:"db-save-timeout"`
	BacklogLimit  int           `toml:"backlog-limit"`
	Retention     time.Duration `toml:"retention"`
	PruneInterval time.Duration `toml:"prune-interval"`
}

func (o *Options) FillDefaults() {
	if o.DBSaveTimeout == 0 {
		o.DBSaveTimeout = 10 * time.Second
	}
	if o.BacklogLimit == 0 {
		o.BacklogLimit = 50
	}
	if o.Retention == 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	if o.PruneInterval == 0 {
		o.PruneInterval = time.Hour
	}
}

// Router delivers out-of-band events to a specific user's connections,
// independent of any game room. It also tracks which users currently hold a
// notification connection and fans their presence out to everyone listening.
type Router struct {
	log      *slog.Logger
	db       DB
	bc       Broadcaster
	sessions SessionCreator
	opts     Options

	mu     sync.Mutex
	online map[string]int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRouter(log *slog.Logger, db DB, bc Broadcaster, sessions SessionCreator, opts Options) *Router {
	opts.FillDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		log:      log,
		db:       db,
		bc:       bc,
		sessions: sessions,
		opts:     opts,
		online:   make(map[string]int),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.pruneLoop(ctx)
	return r
}

// Close stops the prune loop and waits for it to finish.
func (r *Router) Close() {
	r.cancel()
	<-r.done
}

func (r *Router) pruneLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := timeutil.NowUTC().Add(-r.opts.Retention)
		if err := r.db.PruneNotifications(ctx, cutoff); err != nil {
			r.log.Error("could not prune notifications", slogx.Err(err))
		}
	}
}

// HandleOnline registers one more live notification connection for the user.
// The first connection flips the user to online and announces it.
func (r *Router) HandleOnline(userID string) {
	r.mu.Lock()
	r.online[userID]++
	first := r.online[userID] == 1
	r.mu.Unlock()
	if first {
		r.announcePresence(userID, StatusOnline)
	}
}

// HandleOffline drops one live connection. The last one flips the user to
// offline.
func (r *Router) HandleOffline(userID string) {
	r.mu.Lock()
	n, ok := r.online[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	n--
	last := n == 0
	if last {
		delete(r.online, userID)
	} else {
		r.online[userID] = n
	}
	r.mu.Unlock()
	if last {
		r.announcePresence(userID, StatusOffline)
	}
}

// IsOnline reports whether the user holds at least one notification
// connection.
func (r *Router) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[userID] > 0
}

// OnlineCount reports how many distinct users are online.
func (r *Router) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.online)
}

func (r *Router) announcePresence(userID, status string) {
	r.bc.Broadcast(roster.NotificationsGroup, wire.FriendStatusEvent{
		Type:   wire.EventFriendStatus,
		UserID: userID,
		Status: status,
	})
}

// Notify persists the event and routes it to every connection of the
// recipient. Events whose sender and recipient resolve to the same identity
// are rejected before anything is stored or delivered.
func (r *Router) Notify(ctx context.Context, kind string, sender ident.Identity, recipientID string, payload any) error {
	if sender.ID == recipientID {
		return &wire.Error{Code: wire.ErrSelfNotification, Message: "sender and recipient are the same user"}
	}
	n := &Notification{
		ID:          idgen.ID(),
		Type:        kind,
		SenderID:    sender.ID,
		SenderName:  sender.Name(),
		RecipientID: recipientID,
		Payload:     encodePayload(payload),
		CreatedAt:   timeutil.NowUTC(),
	}
	if err := r.save(func(ctx context.Context) error { return r.db.SaveNotification(ctx, n) }); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	r.bc.DeliverTo(recipientID, wire.NotificationEvent{
		Type:        kind,
		SenderID:    sender.ID,
		SenderName:  sender.Name(),
		RecipientID: recipientID,
		Payload:     payload,
	})
	return nil
}

func (r *Router) save(f func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.DBSaveTimeout)
	defer cancel()
	return f(ctx)
}

// DeliverBacklog replays the stored notifications of a user onto their
// connections, oldest first. Called when a notification connection opens, so
// events that arrived while the user was offline are not lost.
func (r *Router) DeliverBacklog(ctx context.Context, userID string) error {
	ns, err := r.db.ListNotifications(ctx, userID, r.opts.BacklogLimit)
	if err != nil {
		return fmt.Errorf("list notifications: %w", err)
	}
	for i := len(ns) - 1; i >= 0; i-- {
		n := ns[i]
		ev := wire.NotificationEvent{
			Type:        n.Type,
			SenderID:    n.SenderID,
			SenderName:  n.SenderName,
			RecipientID: n.RecipientID,
		}
		if n.Payload != "" {
			ev.Payload = json.RawMessage(n.Payload)
		}
		r.bc.DeliverTo(userID, ev)
	}
	return nil
}

type invitePayload struct {
	GameID string `json:"game_id"`
}

// HandleInvite routes a game invite to the recipient. The game id rides in
// the payload so the recipient can accept against the same session.
func (r *Router) HandleInvite(ctx context.Context, sender ident.Identity, msg *wire.GameInvite) error {
	gameID := msg.GameID
	if gameID == "" {
		gameID = idgen.ID()
	}
	return r.Notify(ctx, wire.TypeGameInvite, sender, msg.RecipientID, invitePayload{GameID: gameID})
}

// HandleAccept pairs the inviter and the accepting user into a game session
// and tells both sides where to connect. The inviter takes the player 1
// slot, so slot assignment never races with first-come joins.
func (r *Router) HandleAccept(ctx context.Context, who ident.Identity, msg *wire.InviteAccept) error {
	if msg.SenderID == who.ID {
		return &wire.Error{Code: wire.ErrSelfNotification, Message: "cannot accept own invite"}
	}
	gameID := msg.GameID
	if gameID == "" {
		gameID = idgen.ID()
	}
	inviter := ident.Identity{ID: msg.SenderID, Username: msg.SenderName}
	s, err := r.sessions.CreateForPair(ctx, gameID, inviter, who)
	if err != nil {
		return fmt.Errorf("create session for pair: %w", err)
	}
	r.log.Info("invite accepted",
		slog.String("game_id", s.SessionID),
		slog.String("inviter_id", inviter.ID),
		slog.String("accepter_id", who.ID),
	)
	r.bc.Broadcast(roster.GameGroup(s.SessionID), s.StateEvent(match.RoleNone))
	return r.Notify(ctx, wire.TypeInviteAccept, who, msg.SenderID, invitePayload{GameID: s.SessionID})
}

// HandleDecline tells the inviter their invite was turned down.
func (r *Router) HandleDecline(ctx context.Context, who ident.Identity, msg *wire.InviteDecline) error {
	return r.Notify(ctx, wire.TypeInviteDecline, who, msg.SenderID, nil)
}

// HandleFriendEvent relays friend graph changes between users. The social
// graph itself lives elsewhere, only the event shape passes through here.
func (r *Router) HandleFriendEvent(ctx context.Context, who ident.Identity, msg *wire.FriendEvent) error {
	return r.Notify(ctx, msg.Kind, who, msg.RecipientID, nil)
}
