package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/memoryapp/gamify/internal/domain"
)

// ─── Quests ─────────────────────────────────────────────────────────────────

// GetQuest loads one of userID's quests.
func (d *DB) GetQuest(ctx context.Context, userID, questID string) (*domain.Quest, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+questColumns+` FROM quests WHERE id = ? AND user_id = ?`, questID, userID)
	q, err := scanQuest(row)
	if isNoRows(err) {
		return nil, domain.ErrQuestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quest %s: %w", questID, err)
	}
	return q, nil
}

// ListQuests returns userID's quests matching f, soonest expiry first.
func (d *DB) ListQuests(ctx context.Context, userID string, f domain.QuestFilter) ([]domain.Quest, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.PeriodKey != "" {
		where = append(where, "period_key = ?")
		args = append(args, f.PeriodKey)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, s := range f.States {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT `+questColumns+` FROM quests WHERE `+strings.Join(where, " AND ")+
			` ORDER BY expires_at ASC, period_key ASC, slot ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list quests: %w", err)
	}
	defer rows.Close()
	return collectQuests(rows)
}

// ListStaleQuests returns Active quests whose deadline is before now,
// across all users, oldest deadline first.
func (d *DB) ListStaleQuests(ctx context.Context, now time.Time, limit int) ([]domain.Quest, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+questColumns+` FROM quests
		 WHERE state = ? AND expires_at < ?
		 ORDER BY expires_at ASC LIMIT ?`,
		string(domain.QuestActive), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale quests: %w", err)
	}
	defer rows.Close()
	return collectQuests(rows)
}

// ArchiveQuests moves Claimed quests claimed before cutoff and Expired
// quests whose deadline is before cutoff into quests_archive.
func (d *DB) ArchiveQuests(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	const match = `(state = 'claimed' AND claimed_at < ?) OR (state = 'expired' AND expires_at < ?)`
	ms := toMillis(cutoff)

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO quests_archive (`+questColumns+`, archived_at)
		 SELECT `+questColumns+`, ? FROM quests WHERE `+match,
		toMillis(time.Now()), ms, ms); err != nil {
		return 0, fmt.Errorf("copy to archive: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM quests WHERE `+match, ms, ms)
	if err != nil {
		return 0, fmt.Errorf("delete archived: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	return n, nil
}

// CountArchivedQuests returns how many of userID's quests were archived.
func (d *DB) CountArchivedQuests(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM quests_archive WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

func insertQuest(ctx context.Context, tx execer, q *domain.Quest) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO quests (`+questColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.UserID, string(q.Kind), q.TemplateID, q.Action, q.Description, string(q.Difficulty),
		q.Target, q.Progress, q.Rewards.XP, q.Rewards.Points, q.Rewards.Coins, q.Multiplier,
		q.PeriodKey, q.Slot, string(q.State), toMillis(q.CreatedAt), toMillis(q.ExpiresAt),
		nullableTimePtr(q.CompletedAt), nullableTimePtr(q.ClaimedAt), q.Version,
	)
	if isUniqueViolation(err) {
		return domain.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("insert quest %s: %w", q.ID, err)
	}
	return nil
}

// updateQuest writes the mutable quest fields under a version guard.
func updateQuest(ctx context.Context, tx execer, q *domain.Quest) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE quests SET progress = ?, state = ?, completed_at = ?, claimed_at = ?,
			version = version + 1
		 WHERE id = ? AND user_id = ? AND version = ?`,
		q.Progress, string(q.State), nullableTimePtr(q.CompletedAt), nullableTimePtr(q.ClaimedAt),
		q.ID, q.UserID, q.Version,
	)
	if err != nil {
		return fmt.Errorf("update quest %s: %w", q.ID, err)
	}
	return affectedOne(res)
}

func scanQuest(s scanner) (*domain.Quest, error) {
	var q domain.Quest
	var kind, difficulty, state string
	var createdAt, expiresAt int64
	var completedAt, claimedAt sql.NullInt64

	err := s.Scan(&q.ID, &q.UserID, &kind, &q.TemplateID, &q.Action, &q.Description, &difficulty,
		&q.Target, &q.Progress, &q.Rewards.XP, &q.Rewards.Points, &q.Rewards.Coins, &q.Multiplier,
		&q.PeriodKey, &q.Slot, &state, &createdAt, &expiresAt, &completedAt, &claimedAt, &q.Version)
	if err != nil {
		return nil, err
	}
	q.Kind = domain.QuestKind(kind)
	q.Difficulty = domain.Difficulty(difficulty)
	q.State = domain.QuestState(state)
	q.CreatedAt = fromMillis(createdAt)
	q.ExpiresAt = fromMillis(expiresAt)
	q.CompletedAt = timePtr(completedAt)
	q.ClaimedAt = timePtr(claimedAt)
	return &q, nil
}

func collectQuests(rows *sql.Rows) ([]domain.Quest, error) {
	var quests []domain.Quest
	for rows.Next() {
		q, err := scanQuest(rows)
		if err != nil {
			return nil, err
		}
		quests = append(quests, *q)
	}
	return quests, rows.Err()
}
