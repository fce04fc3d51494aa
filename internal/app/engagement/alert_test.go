package engagement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryapp/gamify/internal/app/engagement"
	"github.com/memoryapp/gamify/internal/domain"
	"github.com/memoryapp/gamify/internal/rules"
)

// memPublisher records alerts and reports repeats as already delivered.
type memPublisher struct {
	mu   sync.Mutex
	seen map[string]domain.Alert
}

func (m *memPublisher) Publish(_ context.Context, a domain.Alert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]domain.Alert)
	}
	if _, ok := m.seen[a.ID]; ok {
		return false, nil
	}
	m.seen[a.ID] = a
	return true, nil
}

func alertTypes(alerts []domain.Alert) []domain.AlertType {
	out := make([]domain.AlertType, len(alerts))
	for i, a := range alerts {
		out[i] = a.Type
	}
	return out
}

func TestDeriveAlerts_PriorityOrder(t *testing.T) {
	r := rules.MustDefault()
	now := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
	midnight := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

	p := domain.Profile{
		UserID: "u1",
		Streak: domain.Streak{CurrentStreak: 4, LongestStreak: 4, LastCheckinAt: now.AddDate(0, 0, -1)},
		Pity:   domain.PityCounters{domain.RarityRare: 9, domain.RarityEpic: 9, domain.RarityLegendary: 9},
	}
	quests := []domain.Quest{
		{ID: "q-daily", State: domain.QuestActive, Kind: domain.QuestDaily, ExpiresAt: midnight, Target: 3, Progress: 2, Description: "Chat 3 times"},
		{ID: "q-flash", State: domain.QuestActive, Kind: domain.QuestFlash, ExpiresAt: now.Add(3 * time.Minute), Target: 1},
		{ID: "q-done", State: domain.QuestCompleted, Kind: domain.QuestDaily, ExpiresAt: midnight},
		{ID: "q-later", State: domain.QuestActive, Kind: domain.QuestWeekly, ExpiresAt: now.AddDate(0, 0, 3)},
	}

	alerts := engagement.DeriveAlerts(p, quests, r, now)
	assert.Equal(t, []domain.AlertType{
		domain.AlertQuestExpiring,
		domain.AlertStreakAtRisk,
		domain.AlertQuestExpiring,
		domain.AlertQuestClaimable,
		domain.AlertPityNear,
	}, alertTypes(alerts))
	assert.Equal(t, "quest_expiring:q-flash", alerts[0].ID)
	assert.Equal(t, midnight, alerts[1].Deadline)
	assert.Equal(t, "quest_expiring:q-daily", alerts[2].ID)
	assert.Equal(t, "Chat 3 times is 67% done and ends in 2h0m0s", alerts[2].Body)
	assert.Equal(t, domain.RarityRare, alerts[4].Rarity)

	again := engagement.DeriveAlerts(p, quests, r, now.Add(time.Minute))
	for i := range alerts {
		assert.Equal(t, alerts[i].ID, again[i].ID, "ids are stable for the same condition")
	}
}

func TestDeriveAlerts_StreakNotAtRisk(t *testing.T) {
	r := rules.MustDefault()
	late := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
	base := domain.Streak{CurrentStreak: 4, LongestStreak: 4, LastCheckinAt: late.AddDate(0, 0, -1)}

	cases := map[string]struct {
		streak func(domain.Streak) domain.Streak
		now    time.Time
	}{
		"checked in today": {
			streak: func(s domain.Streak) domain.Streak { s.LastCheckinAt = late.Add(-time.Hour); return s },
			now:    late,
		},
		"boundary far away": {
			streak: func(s domain.Streak) domain.Streak { return s },
			now:    late.Add(-10 * time.Hour),
		},
		"freeze covers today": {
			streak: func(s domain.Streak) domain.Streak {
				s.FreezeActive = true
				s.FreezeExpiresAt = time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
				return s
			},
			now: late,
		},
		"already broken": {
			streak: func(s domain.Streak) domain.Streak {
				s.LastCheckinAt = late.AddDate(0, 0, -2)
				s.FreezeTokens = 0
				return s
			},
			now: late,
		},
		"no streak": {
			streak: func(domain.Streak) domain.Streak { return domain.Streak{} },
			now:    late,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			p := domain.Profile{UserID: "u1", Streak: tc.streak(base)}
			for _, a := range engagement.DeriveAlerts(p, nil, r, tc.now) {
				assert.NotEqual(t, domain.AlertStreakAtRisk, a.Type)
			}
		})
	}
}

func TestDeriveAlerts_TokenKeepsStreakAlive(t *testing.T) {
	r := rules.MustDefault()
	now := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
	p := domain.Profile{
		UserID: "u1",
		Streak: domain.Streak{CurrentStreak: 9, LastCheckinAt: now.AddDate(0, 0, -2), FreezeTokens: 1},
	}

	alerts := engagement.DeriveAlerts(p, nil, r, now)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertStreakAtRisk, alerts[0].Type)
}

func TestDeriveAlerts_Empty(t *testing.T) {
	alerts := engagement.DeriveAlerts(domain.Profile{UserID: "u1"}, nil, rules.MustDefault(), t0)
	assert.NotNil(t, alerts)
	assert.Empty(t, alerts)
}

func TestAlerts_ActiveAlerts(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	enroll(t, e, "u1")
	q := dailyQuests(t, e, "u1")[0]
	complete(t, e, q)

	list, err := e.Alerts.ActiveAlerts(ctx, "u1", t0)
	require.NoError(t, err)
	require.Len(t, list.Alerts, 1)
	assert.Equal(t, "quest_claimable:"+q.ID, list.Alerts[0].ID)
	assert.Equal(t, int64(1), list.Version)

	_, err = e.Alerts.ActiveAlerts(ctx, "ghost", t0)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestAlerts_DispatchDeduplicates(t *testing.T) {
	pub := &memPublisher{}
	e, _ := newEngine(t, engagement.WithPublisher(pub))
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		enroll(t, e, id)
		complete(t, e, dailyQuests(t, e, id)[0])
	}

	n, err := e.Alerts.Dispatch(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.Alerts.Dispatch(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAlerts_DispatchNeedsPublisher(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.Alerts.Dispatch(context.Background(), t0)
	assert.Error(t, err)
}
