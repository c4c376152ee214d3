package database

import (
	"github.com/pongarena/matchcoord/internal/match"
	"github.com/pongarena/matchcoord/internal/notify"
	"github.com/pongarena/matchcoord/internal/tourney"
)

var models = []any{
	&match.Session{},
	&tourney.Tournament{},
	&notify.Notification{},
}
