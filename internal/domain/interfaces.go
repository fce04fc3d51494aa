package domain

import (
	"context"
	"time"
)

// ─── Store Interfaces ───────────────────────────────────────────────────────
// Infrastructure implements them; the engine depends on them.

// Commit is one atomic write. Profile, when set, is stored only if the
// persisted version still equals Profile.Version, and is written back with
// Version+1. Each entry in Quests is guarded the same way on its own
// Version. NewQuests and Events are inserts; a uniqueness violation on
// either is reported as ErrVersionConflict so the caller re-reads.
type Commit struct {
	Profile   *Profile
	Quests    []Quest
	NewQuests []Quest
	Events    []RewardEvent
}

// Empty reports whether the commit writes nothing.
func (c Commit) Empty() bool {
	return c.Profile == nil && len(c.Quests) == 0 && len(c.NewQuests) == 0 && len(c.Events) == 0
}

// Store is the durable home of profiles, quests and reward events.
type Store interface {
	// CreateProfile inserts a fresh profile. Returns false if one exists.
	CreateProfile(ctx context.Context, p Profile) (bool, error)

	// GetProfile returns ErrUserNotFound for unknown users.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// ListUserIDs returns user ids in ascending order, after the cursor.
	ListUserIDs(ctx context.Context, after string, limit int) ([]string, error)

	// Commit applies c atomically or returns ErrVersionConflict.
	Commit(ctx context.Context, c Commit) error

	// GetQuest returns ErrQuestNotFound for unknown ids or other users' quests.
	GetQuest(ctx context.Context, userID, questID string) (*Quest, error)

	// ListQuests returns a user's quests ordered by expiry ascending.
	ListQuests(ctx context.Context, userID string, f QuestFilter) ([]Quest, error)

	// ListStaleQuests returns Active quests whose deadline is before now.
	ListStaleQuests(ctx context.Context, now time.Time, limit int) ([]Quest, error)

	// ArchiveQuests moves terminal quests last touched before cutoff into
	// the archive table and returns how many moved.
	ArchiveQuests(ctx context.Context, cutoff time.Time) (int64, error)

	// RewardEventByRequest returns nil, nil when no event carries requestID.
	RewardEventByRequest(ctx context.Context, userID, requestID string) (*RewardEvent, error)

	// RewardEventsForQuest returns the payout events of one quest, oldest first.
	RewardEventsForQuest(ctx context.Context, userID, questID string) ([]RewardEvent, error)

	// ListRewardEvents returns the newest events first.
	ListRewardEvents(ctx context.Context, userID string, limit int) ([]RewardEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

// AlertPublisher delivers derived alerts outside the process. Publish
// reports false when the alert id was already delivered.
type AlertPublisher interface {
	Publish(ctx context.Context, a Alert) (bool, error)
}
