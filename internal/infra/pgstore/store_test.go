package pgstore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryapp/gamify/internal/domain"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestProfileRowZeroTimes(t *testing.T) {
	row := toProfileRow(domain.Profile{UserID: "u1", Version: 1})
	assert.Nil(t, row.LastCheckinAt)
	assert.Nil(t, row.FreezeExpiresAt)
	assert.NotNil(t, row.Pity)
	assert.Equal(t, []int{}, row.Milestones)

	p := row.toDomain()
	assert.True(t, p.Streak.LastCheckinAt.IsZero())
	assert.Len(t, p.Pity, len(domain.PityRarities))
}

func TestEventRowRequestID(t *testing.T) {
	assert.Nil(t, toEventRow(domain.RewardEvent{ID: "e1"}).RequestID)

	row := toEventRow(domain.RewardEvent{ID: "e2", RequestID: "req-1", Timestamp: testNow})
	require.NotNil(t, row.RequestID)
	assert.Equal(t, "req-1", row.toDomain().RequestID)
	assert.Nil(t, row.toDomain().PityAfter)
}

// testStore connects to GAMIFY_TEST_POSTGRES_DSN and gives each test its
// own user ids, so runs can share a database.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("GAMIFY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GAMIFY_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store) domain.Profile {
	t.Helper()
	p := domain.Profile{
		UserID:         "pg-" + uuid.NewString(),
		Level:          1,
		Pity:           domain.PityCounters{}.Clone(),
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
		Version:        1,
		Streak:         domain.Streak{FreezeTokens: 1},
		CutoverMinutes: 60,
	}
	created, err := s.CreateProfile(context.Background(), p)
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func TestPostgres_ProfileRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seed(t, s)

	created, err := s.CreateProfile(ctx, p)
	require.NoError(t, err)
	assert.False(t, created)

	next := p.Clone()
	next.XP = 300
	next.Pity[domain.RarityRare] = 4
	next.MilestonesReached = []int{3}
	next.Streak.LastCheckinAt = testNow
	require.NoError(t, s.Commit(ctx, domain.Commit{Profile: &next}))

	got, err := s.GetProfile(ctx, p.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, int64(300), got.XP)
	assert.Equal(t, 4, got.Pity[domain.RarityRare])
	assert.Equal(t, []int{3}, got.MilestonesReached)
	assert.True(t, testNow.Equal(got.Streak.LastCheckinAt))

	_, err = s.GetProfile(ctx, "pg-missing-"+uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestPostgres_StaleVersionConflicts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seed(t, s)

	a := p.Clone()
	require.NoError(t, s.Commit(ctx, domain.Commit{Profile: &a}))

	b := p.Clone()
	b.Coins = 10
	ev := domain.RewardEvent{ID: uuid.NewString(), UserID: p.UserID, Source: domain.SourceSpin, Timestamp: testNow}
	err := s.Commit(ctx, domain.Commit{Profile: &b, Events: []domain.RewardEvent{ev}})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	events, err := s.ListRewardEvents(ctx, p.UserID, 10)
	require.NoError(t, err)
	assert.Empty(t, events, "nothing from a failed commit is kept")
}

func TestPostgres_DuplicateRequestID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seed(t, s)

	ev := domain.RewardEvent{ID: uuid.NewString(), UserID: p.UserID, RequestID: "r1", Source: domain.SourceSpin,
		Rarity: domain.RarityCommon, RewardType: domain.RewardXP, RewardValue: 10, Timestamp: testNow}
	require.NoError(t, s.Commit(ctx, domain.Commit{Events: []domain.RewardEvent{ev}}))

	dup := ev
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.Commit(ctx, domain.Commit{Events: []domain.RewardEvent{dup}}), domain.ErrVersionConflict)

	got, err := s.RewardEventByRequest(ctx, p.UserID, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ev.ID, got.ID)
}

func TestPostgres_ConcurrentCommits(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seed(t, s)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := p.Clone()
			next.Coins = int64(i + 1)
			errs[i] = s.Commit(ctx, domain.Commit{Profile: &next})
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, domain.ErrVersionConflict)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestPostgres_QuestsAndArchive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seed(t, s)

	q := domain.Quest{
		ID: uuid.NewString(), UserID: p.UserID, Kind: domain.QuestDaily, TemplateID: "t", Action: "a",
		Description: "d", Difficulty: domain.DifficultyEasy, Target: 2, Multiplier: 1,
		Rewards: domain.QuestRewards{XP: 20}, PeriodKey: "daily:2026-03-02", State: domain.QuestActive,
		CreatedAt: testNow, ExpiresAt: testNow.Add(12 * time.Hour), Version: 1,
	}
	require.NoError(t, s.Commit(ctx, domain.Commit{NewQuests: []domain.Quest{q}}))

	twin := q
	twin.ID = uuid.NewString()
	assert.ErrorIs(t, s.Commit(ctx, domain.Commit{NewQuests: []domain.Quest{twin}}), domain.ErrVersionConflict)

	got, err := s.GetQuest(ctx, p.UserID, q.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.Rewards.XP)

	stale, err := s.ListStaleQuests(ctx, testNow.Add(13*time.Hour), 10_000)
	require.NoError(t, err)
	var mine *domain.Quest
	for i := range stale {
		if stale[i].ID == q.ID {
			mine = &stale[i]
		}
	}
	require.NotNil(t, mine)

	mine.State = domain.QuestExpired
	require.NoError(t, s.Commit(ctx, domain.Commit{Quests: []domain.Quest{*mine}}))

	_, err = s.ArchiveQuests(ctx, testNow.AddDate(0, 0, 1))
	require.NoError(t, err)
	_, err = s.GetQuest(ctx, p.UserID, q.ID)
	assert.ErrorIs(t, err, domain.ErrQuestNotFound)
}
