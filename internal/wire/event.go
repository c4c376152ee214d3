package wire

// Outbound event types. Events are always broadcast-shaped: the same bytes
// go to every member of a group.
const (
	EventGameState        = "game_state"
	EventUpdatePaddles    = "update_paddles"
	EventUpdateBall       = "update_ball"
	EventScoreUpdate      = "score_update"
	EventGameOver         = "game_over"
	EventPlayerUpdate     = "player_update"
	EventTournamentUpdate = "tournament_update"
	EventNewGameID        = "new_game_id"
	EventFriendStatus     = "friend_status"
)

type GameStateEvent struct {
	Type            string  `json:"type"`
	GameStatus      string  `json:"game_status"`
	Player1Username string  `json:"player1_username"`
	Player2Username string  `json:"player2_username,omitempty"`
	PlayerRole      int     `json:"player_role,omitempty"`
	IsHost          bool    `json:"is_host,omitempty"`
	Score           Score   `json:"score"`
	Paddle1         float64 `json:"paddle1"`
	Paddle2         float64 `json:"paddle2"`
	Ball            Ball    `json:"ball"`
}

type PaddlesEvent struct {
	Type    string  `json:"type"`
	Paddle1 float64 `json:"paddle1"`
	Paddle2 float64 `json:"paddle2"`
}

type BallEvent struct {
	Type  string `json:"type"`
	Ball  Ball   `json:"ball"`
	Score Score  `json:"score"`
}

type ScoreEvent struct {
	Type  string `json:"type"`
	Score Score  `json:"score"`
}

type GameOverEvent struct {
	Type     string `json:"type"`
	Winner   string `json:"winner"`
	WinnerID string `json:"winner_id"`
	Score    [2]int `json:"score"`
	Reason   string `json:"reason,omitempty"`
}

type PlayerUpdateEvent struct {
	Type         string      `json:"type"`
	Players      []PlayerRef `json:"players"`
	TotalPlayers int         `json:"total_players"`
}

type TournamentUpdateEvent struct {
	Type           string `json:"type"`
	TournamentData any    `json:"tournament_data"`
}

type NewGameIDEvent struct {
	Type       string `json:"type"`
	NewGameID  string `json:"new_game_id"`
	Generation int    `json:"generation"`
}

// NotificationEvent is the shape shared by invites and friend events routed
// to a single user's connections.
type NotificationEvent struct {
	Type        string `json:"type"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name,omitempty"`
	RecipientID string `json:"recipient_id"`
	Payload     any    `json:"payload,omitempty"`
}

type FriendStatusEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
}
