// Package sqlite provides SQLite-based persistent storage for gamify.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	driver "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/memoryapp/gamify/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
// It implements domain.Store.
type DB struct {
	db *sql.DB
}

var _ domain.Store = (*DB)(nil)

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// One connection serializes writers; every Commit runs on it inside a
	// single transaction, so version checks and writes cannot interleave.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// questColumns is shared by the live and archive tables.
const questColumns = `id, user_id, kind, template_id, action, description, difficulty,
	target, progress, reward_xp, reward_points, reward_coins, multiplier,
	period_key, slot, state, created_at, expires_at, completed_at, claimed_at, version`

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Profiles. Pity counters and reached milestones are small JSON
		// documents; the engine always reads and writes them whole.
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id           TEXT PRIMARY KEY,
			points            INTEGER NOT NULL DEFAULT 0,
			xp                INTEGER NOT NULL DEFAULT 0,
			level             INTEGER NOT NULL DEFAULT 1,
			coins             INTEGER NOT NULL DEFAULT 0,
			contact_slots     INTEGER NOT NULL DEFAULT 0,
			premium_days      INTEGER NOT NULL DEFAULT 0,
			current_streak    INTEGER NOT NULL DEFAULT 0,
			longest_streak    INTEGER NOT NULL DEFAULT 0,
			last_checkin_at   INTEGER,
			freeze_tokens     INTEGER NOT NULL DEFAULT 0,
			freeze_active     BOOLEAN NOT NULL DEFAULT 0,
			freeze_expires_at INTEGER,
			pity              TEXT NOT NULL DEFAULT '{}',
			milestones        TEXT NOT NULL DEFAULT '[]',
			cutover_minutes   INTEGER NOT NULL DEFAULT 0,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL,
			version           INTEGER NOT NULL DEFAULT 1
		)`,

		// Reward history. request_id is NULL for non-spin events, and
		// SQLite treats NULLs as distinct inside a unique index.
		`CREATE TABLE IF NOT EXISTS reward_events (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL REFERENCES profiles(user_id),
			request_id      TEXT,
			source          TEXT NOT NULL,
			rarity          TEXT NOT NULL,
			reward_type     TEXT NOT NULL,
			reward_value    INTEGER NOT NULL,
			was_pity        BOOLEAN NOT NULL DEFAULT 0,
			quest_id        TEXT NOT NULL DEFAULT '',
			milestone_days  INTEGER NOT NULL DEFAULT 0,
			pity_after      TEXT NOT NULL DEFAULT '{}',
			profile_version INTEGER NOT NULL,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_request ON reward_events(user_id, request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_ts ON reward_events(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_quest ON reward_events(user_id, quest_id)`,

		// Quests. One row per generated slot per period.
		`CREATE TABLE IF NOT EXISTS quests (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL REFERENCES profiles(user_id),
			kind          TEXT NOT NULL,
			template_id   TEXT NOT NULL,
			action        TEXT NOT NULL,
			description   TEXT NOT NULL,
			difficulty    TEXT NOT NULL,
			target        INTEGER NOT NULL,
			progress      INTEGER NOT NULL DEFAULT 0,
			reward_xp     INTEGER NOT NULL DEFAULT 0,
			reward_points INTEGER NOT NULL DEFAULT 0,
			reward_coins  INTEGER NOT NULL DEFAULT 0,
			multiplier    REAL NOT NULL DEFAULT 1,
			period_key    TEXT NOT NULL,
			slot          INTEGER NOT NULL,
			state         TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			expires_at    INTEGER NOT NULL,
			completed_at  INTEGER,
			claimed_at    INTEGER,
			version       INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_quests_slot ON quests(user_id, period_key, slot)`,
		`CREATE INDEX IF NOT EXISTS idx_quests_user_state ON quests(user_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_quests_state_expiry ON quests(state, expires_at)`,

		// Terminal quests past retention.
		`CREATE TABLE IF NOT EXISTS quests_archive (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			kind          TEXT NOT NULL,
			template_id   TEXT NOT NULL,
			action        TEXT NOT NULL,
			description   TEXT NOT NULL,
			difficulty    TEXT NOT NULL,
			target        INTEGER NOT NULL,
			progress      INTEGER NOT NULL,
			reward_xp     INTEGER NOT NULL,
			reward_points INTEGER NOT NULL,
			reward_coins  INTEGER NOT NULL,
			multiplier    REAL NOT NULL,
			period_key    TEXT NOT NULL,
			slot          INTEGER NOT NULL,
			state         TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			expires_at    INTEGER NOT NULL,
			completed_at  INTEGER,
			claimed_at    INTEGER,
			version       INTEGER NOT NULL,
			archived_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_user ON quests_archive(user_id)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Commit ─────────────────────────────────────────────────────────────────

// Commit applies c in one transaction. Every guarded row must still carry
// the version the caller read; otherwise nothing is written and
// domain.ErrVersionConflict is returned.
func (d *DB) Commit(ctx context.Context, c domain.Commit) error {
	if c.Empty() {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	if c.Profile != nil {
		if err := updateProfile(ctx, tx, c.Profile); err != nil {
			return err
		}
	}
	for i := range c.Quests {
		if err := updateQuest(ctx, tx, &c.Quests[i]); err != nil {
			return err
		}
	}
	for i := range c.NewQuests {
		if err := insertQuest(ctx, tx, &c.NewQuests[i]); err != nil {
			return err
		}
	}
	for i := range c.Events {
		if err := insertEvent(ctx, tx, &c.Events[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Timestamps are stored as Unix milliseconds, which is also the precision
// the engine truncates to before persisting.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromMillis(n.Int64)
}

func nullableTimePtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return nullableMillis(*t)
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
// The driver enables extended result codes on every connection.
func isUniqueViolation(err error) bool {
	var se *driver.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return domain.ErrVersionConflict
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
