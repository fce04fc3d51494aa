// Package pgstore implements domain.Store on PostgreSQL through gorm.
// It is selected with storage.driver = "postgres" and shares the commit
// semantics of the SQLite store: one transaction, version-guarded updates,
// unique-key collisions reported as domain.ErrVersionConflict.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/memoryapp/gamify/internal/domain"
)

var _ domain.Store = (*Store)(nil)

// Store wraps a gorm handle.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&profileRow{}, &questRow{}, &eventRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	stmts := []string{
		`ALTER TABLE reward_events ADD COLUMN IF NOT EXISTS seq BIGSERIAL`,
		`CREATE TABLE IF NOT EXISTS quests_archive (LIKE quests INCLUDING DEFAULTS)`,
		`ALTER TABLE quests_archive ADD COLUMN IF NOT EXISTS archived_at timestamptz`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_archive_id ON quests_archive (id)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_user ON quests_archive (user_id)`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ─── Profiles ───────────────────────────────────────────────────────────────

// CreateProfile inserts p unless the user exists.
func (s *Store) CreateProfile(ctx context.Context, p domain.Profile) (bool, error) {
	row := toProfileRow(p)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("create profile: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetProfile returns domain.ErrUserNotFound for unknown users.
func (s *Store) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	var row profileRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return row.toDomain(), nil
}

// ListUserIDs pages through user ids in ascending order.
func (s *Store) ListUserIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&profileRow{}).
		Where("user_id > ?", after).
		Order("user_id ASC").
		Limit(limit).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return ids, nil
}

// ─── Commit ─────────────────────────────────────────────────────────────────

// Commit applies c in one transaction.
func (s *Store) Commit(ctx context.Context, c domain.Commit) error {
	if c.Empty() {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c.Profile != nil {
			if err := updateProfile(tx, *c.Profile); err != nil {
				return err
			}
		}
		for _, q := range c.Quests {
			if err := updateQuest(tx, q); err != nil {
				return err
			}
		}
		if len(c.NewQuests) > 0 {
			rows := make([]questRow, len(c.NewQuests))
			for i, q := range c.NewQuests {
				rows[i] = toQuestRow(q)
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("insert quests: %w", err)
			}
		}
		if len(c.Events) > 0 {
			rows := make([]eventRow, len(c.Events))
			for i, e := range c.Events {
				rows[i] = toEventRow(e)
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("insert events: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrVersionConflict
	}
	return err
}

func updateProfile(tx *gorm.DB, p domain.Profile) error {
	row := toProfileRow(p)
	res := tx.Model(&profileRow{}).
		Where("user_id = ? AND version = ?", p.UserID, p.Version).
		Updates(map[string]any{
			"points":            row.Points,
			"xp":                row.XP,
			"level":             row.Level,
			"coins":             row.Coins,
			"contact_slots":     row.ContactSlots,
			"premium_days":      row.PremiumDays,
			"current_streak":    row.CurrentStreak,
			"longest_streak":    row.LongestStreak,
			"last_checkin_at":   row.LastCheckinAt,
			"freeze_tokens":     row.FreezeTokens,
			"freeze_active":     row.FreezeActive,
			"freeze_expires_at": row.FreezeExpiresAt,
			"pity":              jsonText(row.Pity),
			"milestones":        jsonText(row.Milestones),
			"cutover_minutes":   row.CutoverMinutes,
			"updated_at":        row.UpdatedAt,
			"version":           gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("update profile: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return domain.ErrVersionConflict
	}
	return nil
}

func updateQuest(tx *gorm.DB, q domain.Quest) error {
	row := toQuestRow(q)
	res := tx.Model(&questRow{}).
		Where("id = ? AND user_id = ? AND version = ?", q.ID, q.UserID, q.Version).
		Updates(map[string]any{
			"progress":     row.Progress,
			"state":        row.State,
			"completed_at": row.CompletedAt,
			"claimed_at":   row.ClaimedAt,
			"version":      gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("update quest: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return domain.ErrVersionConflict
	}
	return nil
}

// ─── Quests ─────────────────────────────────────────────────────────────────

// GetQuest returns domain.ErrQuestNotFound for unknown ids or another
// user's quest.
func (s *Store) GetQuest(ctx context.Context, userID, questID string) (*domain.Quest, error) {
	var row questRow
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", questID, userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrQuestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quest: %w", err)
	}
	q := row.toDomain()
	return &q, nil
}

// ListQuests returns a user's quests ordered by expiry.
func (s *Store) ListQuests(ctx context.Context, userID string, f domain.QuestFilter) ([]domain.Quest, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if f.Kind != "" {
		q = q.Where("kind = ?", string(f.Kind))
	}
	if f.PeriodKey != "" {
		q = q.Where("period_key = ?", f.PeriodKey)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		q = q.Where("state IN ?", states)
	}
	var rows []questRow
	if err := q.Order("expires_at ASC, period_key ASC, slot ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list quests: %w", err)
	}
	return questsFrom(rows), nil
}

// ListStaleQuests returns Active quests past their deadline.
func (s *Store) ListStaleQuests(ctx context.Context, now time.Time, limit int) ([]domain.Quest, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []questRow
	err := s.db.WithContext(ctx).
		Where("state = ? AND expires_at < ?", string(domain.QuestActive), now.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list stale quests: %w", err)
	}
	return questsFrom(rows), nil
}

const questColumns = `id, user_id, kind, template_id, action, description, difficulty,
	target, progress, reward_xp, reward_points, reward_coins, multiplier,
	period_key, slot, state, created_at, expires_at, completed_at, claimed_at, version`

// ArchiveQuests moves claimed and expired quests older than cutoff into
// quests_archive.
func (s *Store) ArchiveQuests(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()
	const terminal = `(state = 'claimed' AND claimed_at < @cutoff) OR (state = 'expired' AND expires_at < @cutoff)`
	var moved int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		args := map[string]any{"cutoff": cutoff, "now": time.Now().UTC()}
		err := tx.Exec(`INSERT INTO quests_archive (`+questColumns+`, archived_at)
			SELECT `+questColumns+`, @now FROM quests WHERE `+terminal+`
			ON CONFLICT (id) DO NOTHING`, args).Error
		if err != nil {
			return fmt.Errorf("copy to archive: %w", err)
		}
		res := tx.Exec(`DELETE FROM quests WHERE `+terminal, args)
		if res.Error != nil {
			return fmt.Errorf("delete archived: %w", res.Error)
		}
		moved = res.RowsAffected
		return nil
	})
	return moved, err
}

func questsFrom(rows []questRow) []domain.Quest {
	out := make([]domain.Quest, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}

// ─── Reward events ──────────────────────────────────────────────────────────

// RewardEventByRequest returns nil, nil when requestID is unused.
func (s *Store) RewardEventByRequest(ctx context.Context, userID, requestID string) (*domain.RewardEvent, error) {
	if requestID == "" {
		return nil, nil
	}
	var row eventRow
	err := s.db.WithContext(ctx).Where("user_id = ? AND request_id = ?", userID, requestID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event by request: %w", err)
	}
	e := row.toDomain()
	return &e, nil
}

// RewardEventsForQuest returns a quest's payout events, oldest first.
func (s *Store) RewardEventsForQuest(ctx context.Context, userID, questID string) ([]domain.RewardEvent, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND quest_id = ?", userID, questID).
		Order("created_at ASC, seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("events for quest: %w", err)
	}
	return eventsFrom(rows), nil
}

// ListRewardEvents returns the newest events first.
func (s *Store) ListRewardEvents(ctx context.Context, userID string, limit int) ([]domain.RewardEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, seq DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return eventsFrom(rows), nil
}

func eventsFrom(rows []eventRow) []domain.RewardEvent {
	out := make([]domain.RewardEvent, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}

// jsonText encodes a JSON column for map-based updates, which bypass the
// field serializer.
func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
