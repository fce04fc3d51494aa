package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── Rarity ─────────────────────────────────────────────────────────────────

func TestRarity_Ordering(t *testing.T) {
	assert.True(t, RarityLegendary.AtLeast(RarityEpic))
	assert.True(t, RarityRare.AtLeast(RarityRare))
	assert.False(t, RarityCommon.AtLeast(RarityRare))
	assert.False(t, Rarity("mythic").Valid())
	assert.Equal(t, []Rarity{RarityLegendary, RarityEpic, RarityRare}, PityRarities)
}

func TestPityCounters_CloneFillsAllRarities(t *testing.T) {
	src := PityCounters{RarityRare: 4}
	cp := src.Clone()
	cp[RarityRare] = 9

	assert.Equal(t, 4, src[RarityRare])
	assert.Equal(t, 0, cp[RarityLegendary])
	assert.Len(t, cp, 3)
}

// ─── Profile ────────────────────────────────────────────────────────────────

func TestProfile_CloneIsDeep(t *testing.T) {
	p := Profile{UserID: "u1", MilestonesReached: []int{3}, Pity: PityCounters{RarityEpic: 2}}
	cp := p.Clone()
	cp.AddMilestone(7)
	cp.Pity[RarityEpic] = 0

	assert.Equal(t, []int{3}, p.MilestonesReached)
	assert.Equal(t, 2, p.Pity[RarityEpic])
}

func TestProfile_AddMilestoneOnce(t *testing.T) {
	var p Profile
	require.True(t, p.AddMilestone(14))
	require.True(t, p.AddMilestone(3))
	require.False(t, p.AddMilestone(14))
	assert.Equal(t, []int{3, 14}, p.MilestonesReached)
}

// ─── Quests ─────────────────────────────────────────────────────────────────

func TestQuestRewards_GrantsScaled(t *testing.T) {
	r := QuestRewards{XP: 100, Points: 0, Coins: 15}

	grants := r.Grants(1.5)
	assert.Equal(t, []Grant{
		{Type: RewardXP, Value: 150},
		{Type: RewardCoins, Value: 23},
	}, grants)

	assert.Equal(t, r.Grants(1), r.Grants(0))
}

func TestQuestState_Terminal(t *testing.T) {
	assert.False(t, QuestActive.Terminal())
	assert.False(t, QuestCompleted.Terminal())
	assert.True(t, QuestClaimed.Terminal())
	assert.True(t, QuestExpired.Terminal())
}

func TestQuest_ProgressPct(t *testing.T) {
	assert.Equal(t, 50.0, Quest{Target: 4, Progress: 2}.ProgressPct())
	assert.Equal(t, 100.0, Quest{Target: 0}.ProgressPct())
}

// ─── Periods ────────────────────────────────────────────────────────────────

func TestPeriodIndex_Cutover(t *testing.T) {
	before := time.Date(2026, 10, 17, 3, 59, 0, 0, time.UTC)
	after := time.Date(2026, 10, 17, 4, 0, 0, 0, time.UTC)

	assert.Equal(t, PeriodIndex(before, 0), PeriodIndex(after, 0))
	assert.Equal(t, PeriodIndex(before, 240)+1, PeriodIndex(after, 240))
	assert.Equal(t, "daily:2026-10-16", DailyPeriodKey(before, 240))
	assert.Equal(t, "daily:2026-10-17", DailyPeriodKey(after, 240))
}

func TestPeriodIndex_BeforeEpoch(t *testing.T) {
	ts := time.Date(1969, 12, 31, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(-1), PeriodIndex(ts, 0))
}

func TestNextDailyBoundary(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC), NextDailyBoundary(now, 0))
	assert.Equal(t, time.Date(2026, 10, 18, 4, 0, 0, 0, time.UTC), NextDailyBoundary(now, 240))
}

func TestNextWeeklyBoundary(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC), time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), time.Date(2026, 10, 26, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 10, 18, 23, 59, 0, 0, time.UTC), time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.now.Format(time.RFC3339), func(t *testing.T) {
			assert.Equal(t, tt.want, NextWeeklyBoundary(tt.now, 0))
		})
	}
}

func TestWeeklyPeriodKey(t *testing.T) {
	sat := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	mon := time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)
	nextMon := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "weekly:2026-W42", WeeklyPeriodKey(sat, 0))
	assert.Equal(t, WeeklyPeriodKey(sat, 0), WeeklyPeriodKey(mon, 0))
	assert.Equal(t, "weekly:2026-W43", WeeklyPeriodKey(nextMon, 0))
}

// ─── Errors ─────────────────────────────────────────────────────────────────

func TestNotFoundErrors(t *testing.T) {
	assert.True(t, errors.Is(ErrUserNotFound, ErrNotFound))
	assert.True(t, errors.Is(fmt.Errorf("get: %w", ErrQuestNotFound), ErrNotFound))
	assert.False(t, errors.Is(ErrVersionConflict, ErrNotFound))
}

func TestCommit_Empty(t *testing.T) {
	assert.True(t, Commit{}.Empty())
	assert.False(t, Commit{Events: []RewardEvent{{ID: "e"}}}.Empty())
}
