package wire

import (
	"encoding/json"
	"fmt"
)

// Inbound message types. Every client message is a JSON object with a
// mandatory "type" discriminator, all other fields are type-specific.
const (
	TypePaddleMove    = "paddle_move"
	TypeBallUpdate    = "ball_update"
	TypeScoreUpdate   = "score_update"
	TypeGameStart     = "game_start"
	TypeGameEnd       = "game_end"
	TypeNewGame       = "new_game"
	TypeMatchComplete = "match_complete"
	TypeGameInvite    = "game_invite"
	TypeInviteAccept  = "game_invite_accept"
	TypeInviteDecline = "game_invite_decline"

	TypeFriendRequest  = "friend_request"
	TypeFriendAccepted = "friend_accepted"
	TypeFriendDeclined = "friend_declined"
	TypeFriendRemoved  = "friend_removed"
)

type Ball struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	DX     float64 `json:"dx"`
	DY     float64 `json:"dy"`
	Radius float64 `json:"radius,omitempty"`
}

type Score struct {
	Player1 int `json:"player1"`
	Player2 int `json:"player2"`
}

type PlayerRef struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// Msg is the closed union of inbound messages. Decode is the only way to
// obtain one, so a handler switching over Msg covers the whole protocol.
type Msg interface {
	isMsg()
}

type PaddleMove struct {
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

type BallUpdate struct {
	Ball  Ball   `json:"ball"`
	Score *Score `json:"score,omitempty"`
}

type ScoreUpdate struct {
	Score Score `json:"score"`
}

type GameStart struct{}

type GameEnd struct {
	Reason       string `json:"reason"`
	FinalScore   Score  `json:"final_score"`
	WinnerID     string `json:"winner_id"`
	Player1ID    string `json:"player1_id"`
	Player2ID    string `json:"player2_id"`
	TournamentID string `json:"tournament_id,omitempty"`
}

type NewGame struct{}

type MatchComplete struct {
	MatchID    string `json:"match_id"`
	WinnerID   string `json:"winner_id"`
	FinalScore *Score `json:"final_score,omitempty"`
}

type GameInvite struct {
	RecipientID string `json:"recipient_id"`
	GameID      string `json:"game_id"`
	SenderName  string `json:"sender_name"`
}

type InviteAccept struct {
	SenderID      string `json:"sender_id"`
	RecipientID   string `json:"recipient_id"`
	GameID        string `json:"game_id"`
	SenderName    string `json:"sender_name"`
	RecipientName string `json:"recipient_name"`
}

type InviteDecline struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	GameID      string `json:"game_id,omitempty"`
	SenderName  string `json:"sender_name"`
}

// FriendEvent covers friend_request, friend_accepted, friend_declined and
// friend_removed, whose payloads are identical. Kind holds the wire type.
type FriendEvent struct {
	Kind        string `json:"-"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	SenderName  string `json:"sender_name"`
}

func (*PaddleMove) isMsg()    {}
func (*BallUpdate) isMsg()    {}
func (*ScoreUpdate) isMsg()   {}
func (*GameStart) isMsg()     {}
func (*GameEnd) isMsg()       {}
func (*NewGame) isMsg()       {}
func (*MatchComplete) isMsg() {}
func (*GameInvite) isMsg()    {}
func (*InviteAccept) isMsg()  {}
func (*InviteDecline) isMsg() {}
func (*FriendEvent) isMsg()   {}

func decodeInto[T any](data []byte, m *T) (*T, error) {
	if err := json.Unmarshal(data, m); err != nil {
		return nil, &Error{Code: ErrBadMessage, Message: fmt.Sprintf("unmarshal message: %v", err)}
	}
	return m, nil
}

// Decode parses an inbound message. Unknown types yield ErrUnknownType, the
// caller is expected to log and drop, not to close the connection.
func Decode(data []byte) (Msg, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Error{Code: ErrBadMessage, Message: fmt.Sprintf("unmarshal envelope: %v", err)}
	}
	switch env.Type {
	case TypePaddleMove:
		return decodeInto(data, &PaddleMove{})
	case TypeBallUpdate:
		return decodeInto(data, &BallUpdate{})
	case TypeScoreUpdate:
		return decodeInto(data, &ScoreUpdate{})
	case TypeGameStart:
		return decodeInto(data, &GameStart{})
	case TypeGameEnd:
		return decodeInto(data, &GameEnd{})
	case TypeNewGame:
		return decodeInto(data, &NewGame{})
	case TypeMatchComplete:
		return decodeInto(data, &MatchComplete{})
	case TypeGameInvite:
		return decodeInto(data, &GameInvite{})
	case TypeInviteAccept:
		return decodeInto(data, &InviteAccept{})
	case TypeInviteDecline:
		return decodeInto(data, &InviteDecline{})
	case TypeFriendRequest, TypeFriendAccepted, TypeFriendDeclined, TypeFriendRemoved:
		m, err := decodeInto(data, &FriendEvent{})
		if err != nil {
			return nil, err
		}
		m.Kind = env.Type
		return m, nil
	case "":
		return nil, &Error{Code: ErrBadMessage, Message: "missing message type"}
	default:
		return nil, &Error{Code: ErrUnknownType, Message: fmt.Sprintf("unknown message type %q", env.Type)}
	}
}
