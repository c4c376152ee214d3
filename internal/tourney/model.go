package tourney

import (
	"fmt"

	"github.com/pongarena/matchcoord/internal/util/timeutil"
	"github.com/pongarena/matchcoord/internal/wire"
)

// Tournament statuses.
const (
	StatusWaiting    = "waiting"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Bracket phases.
const (
	PhaseSemiFinal = "semi-final"
	PhaseFinal     = "final"
	PhaseCompleted = "completed"
)

// Bracket match statuses.
const (
	MatchPending    = "pending"
	MatchWaiting    = "waiting"
	MatchInProgress = "in_progress"
	MatchCompleted  = "completed"
)

// Match ids inside a bracket.
const (
	MatchSemi0 = "semi_0"
	MatchSemi1 = "semi_1"
	MatchFinal = "final"
)

// Capacity is fixed: two semi-finals feeding one final.
const Capacity = 4

type Player struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

func (p Player) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

type Match struct {
	MatchID string      `json:"match_id"`
	Phase   string      `json:"phase"`
	Player1 *Player     `json:"player1"`
	Player2 *Player     `json:"player2"`
	Status  string      `json:"status"`
	Winner  *Player     `json:"winner"`
	Score   *wire.Score `json:"score,omitempty"`
}

type Bracket struct {
	SemiFinals   []Match `json:"semi_finals"`
	Final        Match   `json:"final"`
	CurrentPhase string  `json:"current_phase"`
}

// Tournament is stored as a single row with the roster and bracket embedded
// as JSON columns. The whole record updates atomically, which is all the
// bracket logic needs. PlayerCount mirrors len(Players) so open tournaments
// stay queryable without poking inside JSON.
type Tournament struct {
	ID          string   `gorm:"primaryKey"`
	Name        string   `gorm:"not null"`
	Status      string   `gorm:"not null;index"`
	Players     []Player `gorm:"serializer:json"`
	PlayerCount int      `gorm:"not null;index"`
	Bracket     *Bracket `gorm:"serializer:json"`
	ChampionID  *string
	CreatedAt   timeutil.UTCTime `gorm:"not null"`
	UpdatedAt   timeutil.UTCTime `gorm:"not null"`
}

func (t *Tournament) enrolled(userID string) bool {
	for _, p := range t.Players {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// generateBracket seeds the two semi-finals in enrollment order. Both the
// roster view and the bracket view derive match assignment from the same
// ordering, so they always agree.
func (t *Tournament) generateBracket() {
	if len(t.Players) != Capacity {
		panic("must not happen")
	}
	semis := make([]Match, 2)
	for i := range semis {
		p1, p2 := t.Players[2*i], t.Players[2*i+1]
		semis[i] = Match{
			MatchID: fmt.Sprintf("semi_%d", i),
			Phase:   PhaseSemiFinal,
			Player1: &p1,
			Player2: &p2,
			Status:  MatchWaiting,
		}
	}
	t.Bracket = &Bracket{
		SemiFinals: semis,
		Final: Match{
			MatchID: MatchFinal,
			Phase:   PhaseFinal,
			Status:  MatchPending,
		},
		CurrentPhase: PhaseSemiFinal,
	}
}

func (b *Bracket) match(matchID string) *Match {
	for i := range b.SemiFinals {
		if b.SemiFinals[i].MatchID == matchID {
			return &b.SemiFinals[i]
		}
	}
	if b.Final.MatchID == matchID {
		return &b.Final
	}
	return nil
}

func (b *Bracket) semisCompleted() bool {
	for i := range b.SemiFinals {
		if b.SemiFinals[i].Status != MatchCompleted {
			return false
		}
	}
	return true
}

// View is the tournament_data payload for tournament_update broadcasts.
type View struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	Players      []Player `json:"players"`
	PlayerCount  int      `json:"player_count"`
	Bracket      *Bracket `json:"bracket,omitempty"`
	ChampionID   *string  `json:"champion_id,omitempty"`
	ChampionName string   `json:"champion_name,omitempty"`
}

func (t *Tournament) view() View {
	v := View{
		ID:          t.ID,
		Name:        t.Name,
		Status:      t.Status,
		Players:     t.Players,
		PlayerCount: t.PlayerCount,
		Bracket:     t.Bracket,
		ChampionID:  t.ChampionID,
	}
	if t.ChampionID != nil {
		for _, p := range t.Players {
			if p.ID == *t.ChampionID {
				v.ChampionName = p.Name()
				break
			}
		}
	}
	return v
}
