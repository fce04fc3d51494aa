// Package domain holds the gamification engine's core types.
// Profiles, reward events and quests are the only persisted records; every
// other component derives its view from them.
package domain

import (
	"sort"
	"time"
)

// ─── Rarity ─────────────────────────────────────────────────────────────────

// Rarity is the tier of a spin result. Tiers are totally ordered.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// Rarities lists every tier from lowest to highest.
var Rarities = []Rarity{RarityCommon, RarityRare, RarityEpic, RarityLegendary}

// PityRarities lists the tiers that carry a pity counter, highest first.
// The pity check walks them in this order.
var PityRarities = []Rarity{RarityLegendary, RarityEpic, RarityRare}

// Rank returns the tier's position in the ordering (common = 0).
// Unknown values rank below common.
func (r Rarity) Rank() int {
	for i, x := range Rarities {
		if x == r {
			return i
		}
	}
	return -1
}

// Valid reports whether r is a known tier.
func (r Rarity) Valid() bool { return r.Rank() >= 0 }

// AtLeast reports whether r is the same tier as o or a higher one.
func (r Rarity) AtLeast(o Rarity) bool { return r.Rank() >= o.Rank() }

// PityCounters maps a pity-tracked rarity to spins since its last hit.
type PityCounters map[Rarity]int

// Clone returns an independent copy with every pity rarity present.
func (p PityCounters) Clone() PityCounters {
	out := make(PityCounters, len(PityRarities))
	for _, r := range PityRarities {
		out[r] = p[r]
	}
	return out
}

// ─── Streak ─────────────────────────────────────────────────────────────────

// Streak tracks consecutive check-in periods.
type Streak struct {
	CurrentStreak   int       `json:"current_streak"`
	LongestStreak   int       `json:"longest_streak"`
	LastCheckinAt   time.Time `json:"last_checkin_at"`
	FreezeTokens    int       `json:"freeze_tokens"`
	FreezeActive    bool      `json:"freeze_active"`
	FreezeExpiresAt time.Time `json:"freeze_expires_at"`
}

// ─── Profile ────────────────────────────────────────────────────────────────

// Profile is the per-user gamification record. Mutations go through a
// compare-and-swap on Version.
type Profile struct {
	UserID            string       `json:"user_id"`
	Points            int64        `json:"points"`
	XP                int64        `json:"xp"`
	Level             int          `json:"level"`
	Coins             int64        `json:"coins"`
	ContactSlots      int64        `json:"contact_slots"`
	PremiumDays       int64        `json:"premium_days"`
	Streak            Streak       `json:"streak"`
	Pity              PityCounters `json:"pity_counters"`
	MilestonesReached []int        `json:"milestones_reached"`
	CutoverMinutes    int          `json:"cutover_minutes"` // daily reset, minutes after 00:00 UTC
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	Version           int64        `json:"version"`
}

// Clone returns a deep copy so mutators never alias a stored record.
func (p Profile) Clone() Profile {
	cp := p
	cp.Pity = p.Pity.Clone()
	cp.MilestonesReached = append([]int(nil), p.MilestonesReached...)
	return cp
}

// HasMilestone reports whether the streak threshold was already paid out.
func (p Profile) HasMilestone(days int) bool {
	for _, m := range p.MilestonesReached {
		if m == days {
			return true
		}
	}
	return false
}

// AddMilestone records a threshold once and keeps the set sorted.
func (p *Profile) AddMilestone(days int) bool {
	if p.HasMilestone(days) {
		return false
	}
	p.MilestonesReached = append(p.MilestonesReached, days)
	sort.Ints(p.MilestonesReached)
	return true
}

// ─── Rewards ────────────────────────────────────────────────────────────────

// RewardType names the profile field a reward credits.
type RewardType string

const (
	RewardXP          RewardType = "xp"
	RewardPoints      RewardType = "points"
	RewardCoins       RewardType = "coins"
	RewardFreezeToken RewardType = "freeze_token"
	RewardContactSlot RewardType = "contact_slot"
	RewardPremiumDays RewardType = "premium_days"
)

// Valid reports whether t is a known reward type.
func (t RewardType) Valid() bool {
	switch t {
	case RewardXP, RewardPoints, RewardCoins, RewardFreezeToken, RewardContactSlot, RewardPremiumDays:
		return true
	}
	return false
}

// Grant is a concrete amount of one reward type.
type Grant struct {
	Type  RewardType `json:"type" yaml:"type"`
	Value int64      `json:"value" yaml:"value"`
}

// RewardSource tells which operation issued a reward event.
type RewardSource string

const (
	SourceSpin      RewardSource = "spin"
	SourceMilestone RewardSource = "milestone"
	SourceQuest     RewardSource = "quest"
)

// RewardEvent is an immutable history record. RequestID is the caller's
// idempotency key for spins and empty otherwise.
type RewardEvent struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	RequestID      string       `json:"request_id,omitempty"`
	Source         RewardSource `json:"source"`
	Rarity         Rarity       `json:"rarity"`
	RewardType     RewardType   `json:"reward_type"`
	RewardValue    int64        `json:"reward_value"`
	WasPity        bool         `json:"was_pity"`
	QuestID        string       `json:"quest_id,omitempty"`
	MilestoneDays  int          `json:"milestone_days,omitempty"`
	PityAfter      PityCounters `json:"pity_after,omitempty"`
	ProfileVersion int64        `json:"profile_version"`
	Timestamp      time.Time    `json:"timestamp"`
}

// ─── Quests ─────────────────────────────────────────────────────────────────

// QuestKind selects the generation schedule of a quest.
type QuestKind string

const (
	QuestDaily  QuestKind = "daily"
	QuestWeekly QuestKind = "weekly"
	QuestFlash  QuestKind = "flash"
	QuestEvent  QuestKind = "event"
)

// Valid reports whether k is a known quest kind.
func (k QuestKind) Valid() bool {
	switch k {
	case QuestDaily, QuestWeekly, QuestFlash, QuestEvent:
		return true
	}
	return false
}

// Difficulty biases template selection and the rarity label of payouts.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
	DifficultyEpic   Difficulty = "epic"
)

// Difficulties lists every difficulty in ascending order.
var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard, DifficultyEpic}

// PayoutRarity is the rarity label attached to a quest's reward events.
func (d Difficulty) PayoutRarity() Rarity {
	switch d {
	case DifficultyHard:
		return RarityRare
	case DifficultyEpic:
		return RarityEpic
	default:
		return RarityCommon
	}
}

// QuestState is a node in the quest lifecycle.
//
//	Active → Completed → Claimed
//	Active → Expired
type QuestState string

const (
	QuestActive    QuestState = "active"
	QuestCompleted QuestState = "completed"
	QuestClaimed   QuestState = "claimed"
	QuestExpired   QuestState = "expired"
)

// Terminal reports whether no further transition is possible.
func (s QuestState) Terminal() bool {
	return s == QuestClaimed || s == QuestExpired
}

// Valid reports whether s is a known state.
func (s QuestState) Valid() bool {
	switch s {
	case QuestActive, QuestCompleted, QuestClaimed, QuestExpired:
		return true
	}
	return false
}

// QuestRewards are the fixed payouts of a quest before its multiplier.
type QuestRewards struct {
	XP     int64 `json:"xp" yaml:"xp"`
	Points int64 `json:"points" yaml:"points"`
	Coins  int64 `json:"coins" yaml:"coins"`
}

// Grants expands the rewards into per-type grants scaled by multiplier.
// Zero amounts are dropped.
func (r QuestRewards) Grants(multiplier float64) []Grant {
	if multiplier <= 0 {
		multiplier = 1
	}
	scale := func(v int64) int64 { return int64(float64(v)*multiplier + 0.5) }
	var out []Grant
	if v := scale(r.XP); v > 0 {
		out = append(out, Grant{Type: RewardXP, Value: v})
	}
	if v := scale(r.Points); v > 0 {
		out = append(out, Grant{Type: RewardPoints, Value: v})
	}
	if v := scale(r.Coins); v > 0 {
		out = append(out, Grant{Type: RewardCoins, Value: v})
	}
	return out
}

// Quest is a bounded task with a numeric target and an expiry.
type Quest struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Kind        QuestKind    `json:"kind"`
	TemplateID  string       `json:"template_id"`
	Action      string       `json:"action"`
	Description string       `json:"description"`
	Difficulty  Difficulty   `json:"difficulty"`
	Target      int          `json:"target"`
	Progress    int          `json:"progress"`
	Rewards     QuestRewards `json:"rewards"`
	Multiplier  float64      `json:"multiplier"`
	PeriodKey   string       `json:"period_key"`
	Slot        int          `json:"slot"`
	State       QuestState   `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	ClaimedAt   *time.Time   `json:"claimed_at,omitempty"`
	Version     int64        `json:"version"`
}

// ExpiredAt reports whether the deadline has passed at now.
func (q Quest) ExpiredAt(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// ProgressPct returns completion percentage (0-100).
func (q Quest) ProgressPct() float64 {
	if q.Target <= 0 {
		return 100.0
	}
	pct := float64(q.Progress) / float64(q.Target) * 100.0
	if pct > 100.0 {
		pct = 100.0
	}
	return pct
}

// QuestTemplate is one entry of the quest pool.
type QuestTemplate struct {
	ID          string       `json:"id" yaml:"id"`
	Action      string       `json:"action" yaml:"action"`
	Description string       `json:"description" yaml:"description"`
	Difficulty  Difficulty   `json:"difficulty" yaml:"difficulty"`
	Target      int          `json:"target" yaml:"target"`
	Kinds       []QuestKind  `json:"kinds" yaml:"kinds"`
	Rewards     QuestRewards `json:"rewards" yaml:"rewards"`
}

// Eligible reports whether the template may be generated for kind.
func (t QuestTemplate) Eligible(kind QuestKind) bool {
	for _, k := range t.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// QuestFilter narrows quest listings. Zero values match everything.
type QuestFilter struct {
	Kind      QuestKind
	States    []QuestState
	PeriodKey string
	Action    string
}

// ─── Alerts ─────────────────────────────────────────────────────────────────

// AlertType categorizes derived alerts.
type AlertType string

const (
	AlertQuestExpiring  AlertType = "quest_expiring"
	AlertQuestClaimable AlertType = "quest_claimable"
	AlertStreakAtRisk   AlertType = "streak_at_risk"
	AlertPityNear       AlertType = "pity_near"
)

// Alert is an ephemeral projection of profile and quest state. ID is stable
// for the same underlying condition so dispatchers can de-duplicate.
type Alert struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Type     AlertType `json:"type"`
	Priority int       `json:"priority"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	QuestID  string    `json:"quest_id,omitempty"`
	Rarity   Rarity    `json:"rarity,omitempty"`
	Deadline time.Time `json:"deadline,omitempty"`
}

// ─── Outcomes ───────────────────────────────────────────────────────────────

// Outcome is a business-rule result carried in a response instead of an error.
type Outcome string

const (
	OutcomeOK                  Outcome = "ok"
	OutcomeAlreadyCheckedIn    Outcome = "already_checked_in"
	OutcomeNoFreezeTokens      Outcome = "no_freeze_tokens_available"
	OutcomeFreezeAlreadyActive Outcome = "freeze_already_active"
	OutcomeQuestNotActive      Outcome = "quest_not_active"
)
