package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/memoryapp/gamify/internal/domain"
)

// ─── Reward Events ──────────────────────────────────────────────────────────

const eventColumns = `id, user_id, request_id, source, rarity, reward_type, reward_value,
	was_pity, quest_id, milestone_days, pity_after, profile_version, created_at`

// RewardEventByRequest returns the event recorded for a spin request id.
func (d *DB) RewardEventByRequest(ctx context.Context, userID, requestID string) (*domain.RewardEvent, error) {
	if requestID == "" {
		return nil, nil
	}
	row := d.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM reward_events WHERE user_id = ? AND request_id = ?`,
		userID, requestID)
	e, err := scanEvent(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event for request %s: %w", requestID, err)
	}
	return e, nil
}

// RewardEventsForQuest returns a quest's payout events in issue order.
func (d *DB) RewardEventsForQuest(ctx context.Context, userID, questID string) ([]domain.RewardEvent, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM reward_events
		 WHERE user_id = ? AND quest_id = ?
		 ORDER BY created_at ASC, rowid ASC`, userID, questID)
	if err != nil {
		return nil, fmt.Errorf("list quest events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListRewardEvents returns userID's newest events first.
func (d *DB) ListRewardEvents(ctx context.Context, userID string, limit int) ([]domain.RewardEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM reward_events
		 WHERE user_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func insertEvent(ctx context.Context, tx execer, e *domain.RewardEvent) error {
	pity := "{}"
	if e.PityAfter != nil {
		var err error
		if pity, err = encodeJSON(e.PityAfter); err != nil {
			return fmt.Errorf("encode pity_after: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO reward_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, nullableString(e.RequestID), string(e.Source), string(e.Rarity),
		string(e.RewardType), e.RewardValue, e.WasPity, e.QuestID, e.MilestoneDays,
		pity, e.ProfileVersion, toMillis(e.Timestamp),
	)
	if isUniqueViolation(err) {
		return domain.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

func scanEvent(s scanner) (*domain.RewardEvent, error) {
	var e domain.RewardEvent
	var requestID sql.NullString
	var source, rarity, rewardType, pity string
	var createdAt int64

	err := s.Scan(&e.ID, &e.UserID, &requestID, &source, &rarity, &rewardType, &e.RewardValue,
		&e.WasPity, &e.QuestID, &e.MilestoneDays, &pity, &e.ProfileVersion, &createdAt)
	if err != nil {
		return nil, err
	}
	e.RequestID = requestID.String
	e.Source = domain.RewardSource(source)
	e.Rarity = domain.Rarity(rarity)
	e.RewardType = domain.RewardType(rewardType)
	e.Timestamp = fromMillis(createdAt)
	if pity != "{}" && pity != "" {
		if err := json.Unmarshal([]byte(pity), &e.PityAfter); err != nil {
			return nil, fmt.Errorf("decode pity_after: %w", err)
		}
	}
	return &e, nil
}

func collectEvents(rows *sql.Rows) ([]domain.RewardEvent, error) {
	var events []domain.RewardEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
