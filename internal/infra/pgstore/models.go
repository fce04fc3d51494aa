package pgstore

import (
	"time"

	"github.com/memoryapp/gamify/internal/domain"
)

// profileRow maps profiles. Pity counters and milestones are JSON columns.
type profileRow struct {
	UserID          string              `gorm:"primaryKey;size:128"`
	Points          int64               `gorm:"not null;default:0"`
	XP              int64               `gorm:"column:xp;not null;default:0"`
	Level           int                 `gorm:"not null;default:1"`
	Coins           int64               `gorm:"not null;default:0"`
	ContactSlots    int64               `gorm:"not null;default:0"`
	PremiumDays     int64               `gorm:"not null;default:0"`
	CurrentStreak   int                 `gorm:"not null;default:0"`
	LongestStreak   int                 `gorm:"not null;default:0"`
	LastCheckinAt   *time.Time
	FreezeTokens    int  `gorm:"not null;default:0"`
	FreezeActive    bool `gorm:"not null;default:false"`
	FreezeExpiresAt *time.Time
	Pity            domain.PityCounters `gorm:"serializer:json;type:jsonb;not null"`
	Milestones      []int               `gorm:"serializer:json;type:jsonb;not null"`
	CutoverMinutes  int                 `gorm:"not null;default:0"`
	CreatedAt       time.Time           `gorm:"not null;autoCreateTime:false"`
	UpdatedAt       time.Time           `gorm:"not null;autoUpdateTime:false"`
	Version         int64               `gorm:"not null;default:1"`
}

func (profileRow) TableName() string { return "profiles" }

// questRow maps quests. (user_id, period_key, slot) is unique so that
// concurrent generators cannot double up a period.
type questRow struct {
	ID          string              `gorm:"primaryKey;size:64"`
	UserID      string              `gorm:"size:128;not null;uniqueIndex:idx_quests_slot,priority:1;index:idx_quests_user_state,priority:1"`
	Kind        string              `gorm:"size:16;not null"`
	TemplateID  string              `gorm:"not null"`
	Action      string              `gorm:"not null"`
	Description string              `gorm:"not null"`
	Difficulty  string              `gorm:"size:16;not null"`
	Target      int                 `gorm:"not null"`
	Progress    int                 `gorm:"not null;default:0"`
	Rewards     domain.QuestRewards `gorm:"embedded;embeddedPrefix:reward_"`
	Multiplier  float64             `gorm:"not null;default:1"`
	PeriodKey   string              `gorm:"size:64;not null;uniqueIndex:idx_quests_slot,priority:2"`
	Slot        int                 `gorm:"not null;uniqueIndex:idx_quests_slot,priority:3"`
	State       string              `gorm:"size:16;not null;index:idx_quests_user_state,priority:2;index:idx_quests_state_expiry,priority:1"`
	CreatedAt   time.Time           `gorm:"not null;autoCreateTime:false"`
	ExpiresAt   time.Time           `gorm:"not null;index:idx_quests_state_expiry,priority:2"`
	CompletedAt *time.Time
	ClaimedAt   *time.Time
	Version     int64 `gorm:"not null;default:1"`
}

func (questRow) TableName() string { return "quests" }

// eventRow maps reward_events. Seq orders events committed in the same
// millisecond; the column is added by migrate, not AutoMigrate.
type eventRow struct {
	ID             string              `gorm:"primaryKey;size:64"`
	Seq            int64               `gorm:"->;-:migration"`
	UserID         string              `gorm:"size:128;not null;uniqueIndex:idx_events_request,priority:1;index:idx_events_user_ts,priority:1;index:idx_events_quest,priority:1"`
	RequestID      *string             `gorm:"size:128;uniqueIndex:idx_events_request,priority:2"`
	Source         string              `gorm:"size:16;not null"`
	Rarity         string              `gorm:"size:16;not null"`
	RewardType     string              `gorm:"size:32;not null"`
	RewardValue    int64               `gorm:"not null"`
	WasPity        bool                `gorm:"not null;default:false"`
	QuestID        string              `gorm:"size:64;not null;default:'';index:idx_events_quest,priority:2"`
	MilestoneDays  int                 `gorm:"not null;default:0"`
	PityAfter      domain.PityCounters `gorm:"serializer:json;type:jsonb;not null"`
	ProfileVersion int64               `gorm:"not null"`
	CreatedAt      time.Time           `gorm:"not null;autoCreateTime:false;index:idx_events_user_ts,priority:2"`
}

func (eventRow) TableName() string { return "reward_events" }

func toProfileRow(p domain.Profile) profileRow {
	pity := p.Pity
	if pity == nil {
		pity = domain.PityCounters{}
	}
	milestones := p.MilestonesReached
	if milestones == nil {
		milestones = []int{}
	}
	st := p.Streak
	return profileRow{
		UserID:          p.UserID,
		Points:          p.Points,
		XP:              p.XP,
		Level:           p.Level,
		Coins:           p.Coins,
		ContactSlots:    p.ContactSlots,
		PremiumDays:     p.PremiumDays,
		CurrentStreak:   st.CurrentStreak,
		LongestStreak:   st.LongestStreak,
		LastCheckinAt:   timePtr(st.LastCheckinAt),
		FreezeTokens:    st.FreezeTokens,
		FreezeActive:    st.FreezeActive,
		FreezeExpiresAt: timePtr(st.FreezeExpiresAt),
		Pity:            pity,
		Milestones:      milestones,
		CutoverMinutes:  p.CutoverMinutes,
		CreatedAt:       p.CreatedAt.UTC(),
		UpdatedAt:       p.UpdatedAt.UTC(),
		Version:         p.Version,
	}
}

func (r profileRow) toDomain() *domain.Profile {
	return &domain.Profile{
		UserID:       r.UserID,
		Points:       r.Points,
		XP:           r.XP,
		Level:        r.Level,
		Coins:        r.Coins,
		ContactSlots: r.ContactSlots,
		PremiumDays:  r.PremiumDays,
		Streak: domain.Streak{
			CurrentStreak:   r.CurrentStreak,
			LongestStreak:   r.LongestStreak,
			LastCheckinAt:   fromPtr(r.LastCheckinAt),
			FreezeTokens:    r.FreezeTokens,
			FreezeActive:    r.FreezeActive,
			FreezeExpiresAt: fromPtr(r.FreezeExpiresAt),
		},
		Pity:              r.Pity.Clone(),
		MilestonesReached: r.Milestones,
		CutoverMinutes:    r.CutoverMinutes,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
		Version:           r.Version,
	}
}

func toQuestRow(q domain.Quest) questRow {
	return questRow{
		ID:          q.ID,
		UserID:      q.UserID,
		Kind:        string(q.Kind),
		TemplateID:  q.TemplateID,
		Action:      q.Action,
		Description: q.Description,
		Difficulty:  string(q.Difficulty),
		Target:      q.Target,
		Progress:    q.Progress,
		Rewards:     q.Rewards,
		Multiplier:  q.Multiplier,
		PeriodKey:   q.PeriodKey,
		Slot:        q.Slot,
		State:       string(q.State),
		CreatedAt:   q.CreatedAt.UTC(),
		ExpiresAt:   q.ExpiresAt.UTC(),
		CompletedAt: utcPtr(q.CompletedAt),
		ClaimedAt:   utcPtr(q.ClaimedAt),
		Version:     q.Version,
	}
}

func (r questRow) toDomain() domain.Quest {
	return domain.Quest{
		ID:          r.ID,
		UserID:      r.UserID,
		Kind:        domain.QuestKind(r.Kind),
		TemplateID:  r.TemplateID,
		Action:      r.Action,
		Description: r.Description,
		Difficulty:  domain.Difficulty(r.Difficulty),
		Target:      r.Target,
		Progress:    r.Progress,
		Rewards:     r.Rewards,
		Multiplier:  r.Multiplier,
		PeriodKey:   r.PeriodKey,
		Slot:        r.Slot,
		State:       domain.QuestState(r.State),
		CreatedAt:   r.CreatedAt.UTC(),
		ExpiresAt:   r.ExpiresAt.UTC(),
		CompletedAt: utcPtr(r.CompletedAt),
		ClaimedAt:   utcPtr(r.ClaimedAt),
		Version:     r.Version,
	}
}

func toEventRow(e domain.RewardEvent) eventRow {
	var req *string
	if e.RequestID != "" {
		id := e.RequestID
		req = &id
	}
	pity := e.PityAfter
	if pity == nil {
		pity = domain.PityCounters{}
	}
	return eventRow{
		ID:             e.ID,
		UserID:         e.UserID,
		RequestID:      req,
		Source:         string(e.Source),
		Rarity:         string(e.Rarity),
		RewardType:     string(e.RewardType),
		RewardValue:    e.RewardValue,
		WasPity:        e.WasPity,
		QuestID:        e.QuestID,
		MilestoneDays:  e.MilestoneDays,
		PityAfter:      pity,
		ProfileVersion: e.ProfileVersion,
		CreatedAt:      e.Timestamp.UTC(),
	}
}

func (r eventRow) toDomain() domain.RewardEvent {
	e := domain.RewardEvent{
		ID:             r.ID,
		UserID:         r.UserID,
		Source:         domain.RewardSource(r.Source),
		Rarity:         domain.Rarity(r.Rarity),
		RewardType:     domain.RewardType(r.RewardType),
		RewardValue:    r.RewardValue,
		WasPity:        r.WasPity,
		QuestID:        r.QuestID,
		MilestoneDays:  r.MilestoneDays,
		ProfileVersion: r.ProfileVersion,
		Timestamp:      r.CreatedAt.UTC(),
	}
	if r.RequestID != nil {
		e.RequestID = *r.RequestID
	}
	if len(r.PityAfter) > 0 {
		e.PityAfter = r.PityAfter.Clone()
	}
	return e
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromPtr(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
