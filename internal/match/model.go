package match

import (
	"github.com/pongarena/matchcoord/internal/util/timeutil"
	"github.com/pongarena/matchcoord/internal/wire"
)

// Player roles inside a session. Player 1 is the host: the authoritative
// source for ball physics and score. This is a deliberate trust boundary,
// a compromised host client can desync scores.
const (
	RoleNone    = 0
	RolePlayer1 = 1
	RolePlayer2 = 2
)

// Session states, derived from the record rather than stored.
const (
	StatusWaiting    = "waiting-for-player2"
	StatusInProgress = "in-progress"
	StatusEnded      = "ended"
)

// Session is one generation of a game under a stable external session id.
// A session id may be replayed: prior generations are deactivated, never
// deleted, so at most one (SessionID, Generation) row has Active set.
type Session struct {
	SessionID  string `gorm:"primaryKey;size:64"`
	Generation int    `gorm:"primaryKey"`

	Player1ID   string
	Player1Name string
	Player2ID   *string
	Player2Name string

	Score   wire.Score `gorm:"embedded;embeddedPrefix:score_"`
	Paddle1 float64
	Paddle2 float64
	Ball    wire.Ball `gorm:"embedded;embeddedPrefix:ball_"`

	WinnerID *string
	Active   bool
	// TournamentID links the session to the bracket it decides, if any.
	TournamentID string

	CreatedAt timeutil.UTCTime
	EndedAt   *timeutil.UTCTime
}

// defaultBall spawns the ball at the playfield center with the stock serve
// velocity the clients expect.
func defaultBall(fieldWidth, fieldHeight float64) wire.Ball {
	return wire.Ball{X: fieldWidth / 2, Y: fieldHeight / 2, DX: 3, DY: 3}
}

func (s *Session) Status() string {
	switch {
	case !s.Active:
		return StatusEnded
	case s.Player2ID == nil:
		return StatusWaiting
	default:
		return StatusInProgress
	}
}

// RoleOf re-derives the player role from current session state. Client-declared
// roles are never trusted.
func (s *Session) RoleOf(userID string) int {
	switch {
	case userID == s.Player1ID:
		return RolePlayer1
	case s.Player2ID != nil && userID == *s.Player2ID:
		return RolePlayer2
	default:
		return RoleNone
	}
}

func (s *Session) opponentOf(userID string) (string, bool) {
	switch s.RoleOf(userID) {
	case RolePlayer1:
		if s.Player2ID == nil {
			return "", false
		}
		return *s.Player2ID, true
	case RolePlayer2:
		return s.Player1ID, true
	default:
		return "", false
	}
}

func (s *Session) playerName(userID string) string {
	switch s.RoleOf(userID) {
	case RolePlayer1:
		return s.Player1Name
	case RolePlayer2:
		return s.Player2Name
	default:
		return ""
	}
}

// StateEvent builds the game_state snapshot sent to a (re)joining client and
// broadcast to the group on roster changes.
func (s *Session) StateEvent(forRole int) wire.GameStateEvent {
	return wire.GameStateEvent{
		Type:            wire.EventGameState,
		GameStatus:      s.Status(),
		Player1Username: s.Player1Name,
		Player2Username: s.Player2Name,
		PlayerRole:      forRole,
		IsHost:          forRole == RolePlayer1,
		Score:           s.Score,
		Paddle1:         s.Paddle1,
		Paddle2:         s.Paddle2,
		Ball:            s.Ball,
	}
}

func (s *Session) players() []wire.PlayerRef {
	players := []wire.PlayerRef{{ID: s.Player1ID, Username: s.Player1Name}}
	if s.Player2ID != nil {
		players = append(players, wire.PlayerRef{ID: *s.Player2ID, Username: s.Player2Name})
	}
	return players
}
