package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pongarena/matchcoord/internal/match"
	"github.com/pongarena/matchcoord/internal/notify"
	"github.com/pongarena/matchcoord/internal/tourney"
	"github.com/pongarena/matchcoord/internal/util/slogx"
	"github.com/pongarena/matchcoord/internal/util/timeutil"
)

type Options struct {
	Path          string        `toml:"path"`
	Debug         bool          `toml:"debug"`
	SlowThreshold time.Duration `toml:"slow-threshold"`
	BusyTimeout   time.Duration `toml:"busy-timeout"`
	UseWAL        bool          `toml:"use-wal"`
}

func (o *Options) FillDefaults() {
	if o.SlowThreshold == 0 {
		o.SlowThreshold = 200 * time.Millisecond
	}
	if o.BusyTimeout == 0 {
		o.BusyTimeout = 1 * time.Minute
	}
}

type DB struct {
	db  *gorm.DB
	log *slog.Logger
}

var (
	_ match.DB   = (*DB)(nil)
	_ tourney.DB = (*DB)(nil)
	_ notify.DB  = (*DB)(nil)
)

func (d *DB) Close() {
	db, err := d.db.DB()
	if err != nil {
		d.log.Error("could not get underlying db", slogx.Err(err))
	}
	err = db.Close()
	if err != nil {
		d.log.Error("could not close db", slogx.Err(err))
	}
}

func buildPath(o Options) string {
	var params []string
	if o.UseWAL {
		params = append(params, "_journal_mode=WAL")
		params = append(params, "_synchronous=NORMAL")
	}
	params = append(params, fmt.Sprintf("_busy_timeout=%v", o.BusyTimeout.Milliseconds()))
	params = append(params, "_foreign_keys=1")
	paramStr := strings.Join(params, "&")
	if paramStr == "" {
		return o.Path
	}
	return o.Path + "?" + paramStr
}

func New(log *slog.Logger, o Options) (*DB, error) {
	o.FillDefaults()

	log.Info("opening db")
	db, err := gorm.Open(sqlite.Open(buildPath(o)), &gorm.Config{
		Logger: Logger(log, o),
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	d := &DB{db: db, log: log}

	log.Info("migrating db")
	if err := db.AutoMigrate(models...); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}

	log.Info("db opened")
	return d, nil
}

func (d *DB) GetLatestSession(ctx context.Context, sessionID string) (*match.Session, error) {
	var sessions []match.Session
	err := d.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("generation DESC").
		Limit(1).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("get latest session: %w", err)
	}
	if len(sessions) == 0 {
		return nil, match.ErrSessionNotFound
	}
	return &sessions[0], nil
}

func (d *DB) CreateSession(ctx context.Context, s *match.Session) error {
	err := d.db.WithContext(ctx).Create(s).Error
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (d *DB) SaveSession(ctx context.Context, s *match.Session) error {
	err := d.db.WithContext(ctx).Save(s).Error
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (d *DB) DeactivateSessions(ctx context.Context, sessionID string, endedAt timeutil.UTCTime) error {
	err := d.db.WithContext(ctx).
		Model(&match.Session{}).
		Where("session_id = ? AND active", sessionID).
		Updates(map[string]any{"active": false, "ended_at": endedAt}).Error
	if err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}
	return nil
}

func (d *DB) GetTournament(ctx context.Context, id string) (*tourney.Tournament, error) {
	var ts []tourney.Tournament
	err := d.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("get tournament: %w", err)
	}
	if len(ts) == 0 {
		return nil, tourney.ErrTournamentNotFound
	}
	return &ts[0], nil
}

func (d *DB) GetOpenTournament(ctx context.Context) (*tourney.Tournament, error) {
	var ts []tourney.Tournament
	err := d.db.WithContext(ctx).
		Where("status = ? AND player_count < ?", tourney.StatusWaiting, tourney.Capacity).
		Order("created_at ASC").
		Limit(1).
		Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("get open tournament: %w", err)
	}
	if len(ts) == 0 {
		return nil, tourney.ErrTournamentNotFound
	}
	return &ts[0], nil
}

func (d *DB) CreateTournament(ctx context.Context, t *tourney.Tournament) error {
	err := d.db.WithContext(ctx).Create(t).Error
	if err != nil {
		return fmt.Errorf("create tournament: %w", err)
	}
	return nil
}

func (d *DB) SaveTournament(ctx context.Context, t *tourney.Tournament) error {
	err := d.db.WithContext(ctx).Save(t).Error
	if err != nil {
		return fmt.Errorf("save tournament: %w", err)
	}
	return nil
}

func (d *DB) SaveNotification(ctx context.Context, n *notify.Notification) error {
	err := d.db.WithContext(ctx).Create(n).Error
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

// ListNotifications returns the most recent stored notifications for the
// user, newest first.
func (d *DB) ListNotifications(ctx context.Context, recipientID string, limit int) ([]notify.Notification, error) {
	var ns []notify.Notification
	err := d.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at DESC").
		Limit(limit).
		Find(&ns).Error
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return ns, nil
}

// PruneNotifications drops stored notifications older than the cutoff.
func (d *DB) PruneNotifications(ctx context.Context, cutoff timeutil.UTCTime) error {
	err := d.db.WithContext(ctx).Delete(&notify.Notification{}, "created_at < ?", cutoff).Error
	if err != nil {
		return fmt.Errorf("prune notifications: %w", err)
	}
	return nil
}
