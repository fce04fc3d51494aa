package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/memoryapp/gamify/internal/domain"
)

// ─── Profiles ───────────────────────────────────────────────────────────────

const profileColumns = `user_id, points, xp, level, coins, contact_slots, premium_days,
	current_streak, longest_streak, last_checkin_at, freeze_tokens, freeze_active,
	freeze_expires_at, pity, milestones, cutover_minutes, created_at, updated_at, version`

// CreateProfile inserts p as stored. Returns false if the user exists.
func (d *DB) CreateProfile(ctx context.Context, p domain.Profile) (bool, error) {
	pity, milestones, err := encodeProfileDocs(&p)
	if err != nil {
		return false, err
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO profiles (`+profileColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.Points, p.XP, p.Level, p.Coins, p.ContactSlots, p.PremiumDays,
		p.Streak.CurrentStreak, p.Streak.LongestStreak, nullableMillis(p.Streak.LastCheckinAt),
		p.Streak.FreezeTokens, p.Streak.FreezeActive, nullableMillis(p.Streak.FreezeExpiresAt),
		pity, milestones, p.CutoverMinutes, toMillis(p.CreatedAt), toMillis(p.UpdatedAt), p.Version,
	)
	if err != nil {
		return false, fmt.Errorf("insert profile: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil // true = newly created
}

// GetProfile loads one profile.
func (d *DB) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`, userID)
	p, err := scanProfile(row)
	if isNoRows(err) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return p, nil
}

// ListUserIDs pages through enrolled users in id order.
func (d *DB) ListUserIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id FROM profiles WHERE user_id > ? ORDER BY user_id LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func updateProfile(ctx context.Context, tx execer, p *domain.Profile) error {
	pity, milestones, err := encodeProfileDocs(p)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE profiles SET
			points = ?, xp = ?, level = ?, coins = ?, contact_slots = ?, premium_days = ?,
			current_streak = ?, longest_streak = ?, last_checkin_at = ?, freeze_tokens = ?,
			freeze_active = ?, freeze_expires_at = ?, pity = ?, milestones = ?,
			cutover_minutes = ?, updated_at = ?, version = version + 1
		 WHERE user_id = ? AND version = ?`,
		p.Points, p.XP, p.Level, p.Coins, p.ContactSlots, p.PremiumDays,
		p.Streak.CurrentStreak, p.Streak.LongestStreak, nullableMillis(p.Streak.LastCheckinAt),
		p.Streak.FreezeTokens, p.Streak.FreezeActive, nullableMillis(p.Streak.FreezeExpiresAt),
		pity, milestones, p.CutoverMinutes, toMillis(p.UpdatedAt),
		p.UserID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", p.UserID, err)
	}
	return affectedOne(res)
}

func encodeProfileDocs(p *domain.Profile) (string, string, error) {
	pity, err := encodeJSON(p.Pity.Clone())
	if err != nil {
		return "", "", fmt.Errorf("encode pity: %w", err)
	}
	ms := p.MilestonesReached
	if ms == nil {
		ms = []int{}
	}
	milestones, err := encodeJSON(ms)
	if err != nil {
		return "", "", fmt.Errorf("encode milestones: %w", err)
	}
	return pity, milestones, nil
}

func scanProfile(s scanner) (*domain.Profile, error) {
	var p domain.Profile
	var lastCheckin, freezeExpires sql.NullInt64
	var pity, milestones string
	var createdAt, updatedAt int64

	err := s.Scan(&p.UserID, &p.Points, &p.XP, &p.Level, &p.Coins, &p.ContactSlots, &p.PremiumDays,
		&p.Streak.CurrentStreak, &p.Streak.LongestStreak, &lastCheckin, &p.Streak.FreezeTokens,
		&p.Streak.FreezeActive, &freezeExpires, &pity, &milestones, &p.CutoverMinutes,
		&createdAt, &updatedAt, &p.Version)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(pity), &p.Pity); err != nil {
		return nil, fmt.Errorf("decode pity: %w", err)
	}
	p.Pity = p.Pity.Clone()
	if err := json.Unmarshal([]byte(milestones), &p.MilestonesReached); err != nil {
		return nil, fmt.Errorf("decode milestones: %w", err)
	}
	p.Streak.LastCheckinAt = fromNullMillis(lastCheckin)
	p.Streak.FreezeExpiresAt = fromNullMillis(freezeExpires)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}
