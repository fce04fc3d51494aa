package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/memoryapp/gamify/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var testNow = time.Date(2026, 10, 17, 9, 30, 15, 123_000_000, time.UTC)

func seedProfile(t *testing.T, db *DB, userID string) domain.Profile {
	t.Helper()
	p := domain.Profile{
		UserID:         userID,
		Level:          1,
		Streak:         domain.Streak{FreezeTokens: 1},
		Pity:           domain.PityCounters{},
		CutoverMinutes: 0,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
		Version:        1,
	}
	created, err := db.CreateProfile(context.Background(), p)
	if err != nil || !created {
		t.Fatalf("CreateProfile() = %v, %v", created, err)
	}
	return p
}

func newQuest(userID, id string, slot int) domain.Quest {
	return domain.Quest{
		ID:          id,
		UserID:      userID,
		Kind:        domain.QuestDaily,
		TemplateID:  "daily-memory-1",
		Action:      "memory_created",
		Description: "Save a memory",
		Difficulty:  domain.DifficultyEasy,
		Target:      1,
		Rewards:     domain.QuestRewards{XP: 50, Coins: 5},
		Multiplier:  1,
		PeriodKey:   "daily:2026-10-17",
		Slot:        slot,
		State:       domain.QuestActive,
		CreatedAt:   testNow,
		ExpiresAt:   testNow.Add(12 * time.Hour),
		Version:     1,
	}
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	seedProfile(t, db, "u1")
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("re-Open() error: %v", err)
	}
	defer db2.Close()
	if _, err := db2.GetProfile(context.Background(), "u1"); err != nil {
		t.Errorf("profile lost across reopen: %v", err)
	}
}

// ─── Profiles ───────────────────────────────────────────────────────────────

func TestCreateProfile_Idempotent(t *testing.T) {
	db := newTestDB(t)
	p := seedProfile(t, db, "u1")

	p.Coins = 999
	created, err := db.CreateProfile(context.Background(), p)
	if err != nil {
		t.Fatalf("CreateProfile() error: %v", err)
	}
	if created {
		t.Error("second CreateProfile should report false")
	}
	got, _ := db.GetProfile(context.Background(), "u1")
	if got.Coins != 0 {
		t.Errorf("coins = %d, existing profile must not be overwritten", got.Coins)
	}
}

func TestGetProfile_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	p := seedProfile(t, db, "u1")

	p.Points = 40
	p.XP = 250
	p.Level = 3
	p.Coins = 12
	p.ContactSlots = 1
	p.PremiumDays = 7
	p.Streak = domain.Streak{
		CurrentStreak:   7,
		LongestStreak:   9,
		LastCheckinAt:   testNow,
		FreezeTokens:    2,
		FreezeActive:    true,
		FreezeExpiresAt: testNow.Add(24 * time.Hour),
	}
	p.Pity = domain.PityCounters{domain.RarityRare: 3, domain.RarityEpic: 8, domain.RarityLegendary: 40}
	p.MilestonesReached = []int{3, 7}
	p.CutoverMinutes = 240
	if err := db.Commit(ctx, domain.Commit{Profile: &p}); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	got, err := db.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile() error: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
	if got.XP != 250 || got.Level != 3 || got.PremiumDays != 7 {
		t.Errorf("counters = %+v", got)
	}
	if !got.Streak.LastCheckinAt.Equal(testNow) {
		t.Errorf("last checkin = %v, want %v", got.Streak.LastCheckinAt, testNow)
	}
	if !got.Streak.FreezeActive || got.Streak.FreezeTokens != 2 {
		t.Errorf("streak = %+v", got.Streak)
	}
	if got.Pity[domain.RarityLegendary] != 40 || got.Pity[domain.RarityEpic] != 8 {
		t.Errorf("pity = %v", got.Pity)
	}
	if len(got.MilestonesReached) != 2 || got.MilestonesReached[1] != 7 {
		t.Errorf("milestones = %v", got.MilestonesReached)
	}
	if got.CutoverMinutes != 240 {
		t.Errorf("cutover = %d", got.CutoverMinutes)
	}
}

func TestGetProfile_ZeroTimesStayZero(t *testing.T) {
	db := newTestDB(t)
	seedProfile(t, db, "u1")

	got, _ := db.GetProfile(context.Background(), "u1")
	if !got.Streak.LastCheckinAt.IsZero() || !got.Streak.FreezeExpiresAt.IsZero() {
		t.Errorf("unset timestamps should scan as zero: %+v", got.Streak)
	}
	if len(got.MilestonesReached) != 0 {
		t.Errorf("milestones = %v, want none", got.MilestonesReached)
	}
}

func TestGetProfile_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetProfile(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListUserIDs_Pages(t *testing.T) {
	db := newTestDB(t)
	for _, id := range []string{"c", "a", "b", "d"} {
		seedProfile(t, db, id)
	}

	first, err := db.ListUserIDs(context.Background(), "", 3)
	if err != nil {
		t.Fatalf("ListUserIDs() error: %v", err)
	}
	if fmt.Sprint(first) != "[a b c]" {
		t.Errorf("first page = %v", first)
	}
	rest, _ := db.ListUserIDs(context.Background(), first[len(first)-1], 3)
	if fmt.Sprint(rest) != "[d]" {
		t.Errorf("second page = %v", rest)
	}
}

// ─── Commit ─────────────────────────────────────────────────────────────────

func TestCommit_StaleProfileVersion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	p := seedProfile(t, db, "u1")

	first := p.Clone()
	first.Coins = 10
	if err := db.Commit(ctx, domain.Commit{Profile: &first}); err != nil {
		t.Fatalf("first Commit() error: %v", err)
	}

	stale := p.Clone()
	stale.Coins = 20
	err := db.Commit(ctx, domain.Commit{Profile: &stale})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}

	got, _ := db.GetProfile(ctx, "u1")
	if got.Coins != 10 {
		t.Errorf("coins = %d, stale write must not land", got.Coins)
	}
}

func TestCommit_AllOrNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	p := seedProfile(t, db, "u1")
	q := newQuest("u1", "q1", 0)
	if err := db.Commit(ctx, domain.Commit{NewQuests: []domain.Quest{q}}); err != nil {
		t.Fatalf("seed quest: %v", err)
	}

	// Profile guard passes, quest guard fails: neither row may change.
	p.Coins = 50
	q.Version = 7
	q.State = domain.QuestClaimed
	err := db.Commit(ctx, domain.Commit{
		Profile: &p,
		Quests:  []domain.Quest{q},
		Events: []domain.RewardEvent{{
			ID: "e1", UserID: "u1", Source: domain.SourceQuest, Rarity: domain.RarityCommon,
			RewardType: domain.RewardCoins, RewardValue: 50, QuestID: "q1", Timestamp: testNow,
		}},
	})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}

	got, _ := db.GetProfile(ctx, "u1")
	if got.Coins != 0 || got.Version != 1 {
		t.Errorf("profile changed: coins=%d version=%d", got.Coins, got.Version)
	}
	events, _ := db.RewardEventsForQuest(ctx, "u1", "q1")
	if len(events) != 0 {
		t.Errorf("events = %d, want 0", len(events))
	}
}

func TestCommit_DuplicateRequestID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedProfile(t, db, "u1")

	ev := domain.RewardEvent{
		ID: "e1", UserID: "u1", RequestID: "req-1", Source: domain.SourceSpin,
		Rarity: domain.RarityRare, RewardType: domain.RewardCoins, RewardValue: 25,
		PityAfter:      domain.PityCounters{domain.RarityRare: 0, domain.RarityEpic: 4, domain.RarityLegendary: 4},
		ProfileVersion: 2, Timestamp: testNow,
	}
	if err := db.Commit(ctx, domain.Commit{Events: []domain.RewardEvent{ev}}); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	dup := ev
	dup.ID = "e2"
	if err := db.Commit(ctx, domain.Commit{Events: []domain.RewardEvent{dup}}); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("duplicate request err = %v, want ErrVersionConflict", err)
	}

	got, err := db.RewardEventByRequest(ctx, "u1", "req-1")
	if err != nil || got == nil {
		t.Fatalf("RewardEventByRequest() = %v, %v", got, err)
	}
	if got.ID != "e1" || got.PityAfter[domain.RarityEpic] != 4 || !got.Timestamp.Equal(testNow) {
		t.Errorf("event = %+v", got)
	}

	// Empty request ids never collide.
	for _, id := range []string{"m1", "m2"} {
		e := domain.RewardEvent{ID: id, UserID: "u1", Source: domain.SourceMilestone,
			Rarity: domain.RarityCommon, RewardType: domain.RewardXP, RewardValue: 10, Timestamp: testNow}
		if err := db.Commit(ctx, domain.Commit{Events: []domain.RewardEvent{e}}); err != nil {
			t.Errorf("event %s: %v", id, err)
		}
	}
}

func TestRewardEventByRequest_Unknown(t *testing.T) {
	db := newTestDB(t)
	got, err := db.RewardEventByRequest(context.Background(), "u1", "nope")
	if err != nil || got != nil {
		t.Errorf("RewardEventByRequest() = %v, %v; want nil, nil", got, err)
	}
}

func TestCommit_ConcurrentSameVersion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	p := seedProfile(t, db, "u1")

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mine := p.Clone()
			mine.Coins = int64(i + 1)
			err := db.Commit(ctx, domain.Commit{Profile: &mine})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Errorf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, writers-1)
	}
}

// ─── Quests ─────────────────────────────────────────────────────────────────

func TestQuest_SlotUnique(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedProfile(t, db, "u1")

	if err := db.Commit(ctx, domain.Commit{NewQuests: []domain.Quest{newQuest("u1", "q1", 0)}}); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	err := db.Commit(ctx, domain.Commit{NewQuests: []domain.Quest{newQuest("u1", "q2", 0)}})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("err = %v, want ErrVersionConflict for reused slot", err)
	}
}

func TestQuest_UpdateAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedProfile(t, db, "u1")
	q := newQuest("u1", "q1", 0)
	db.Commit(ctx, domain.Commit{NewQuests: []domain.Quest{q}})

	done := testNow.Add(time.Hour)
	q.Progress = 1
	q.State = domain.QuestCompleted
	q.CompletedAt = &done
	if err := db.Commit(ctx, domain.Commit{Quests: []domain.Quest{q}}); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	got, err := db.GetQuest(ctx, "u1", "q1")
	if err != nil {
		t.Fatalf("GetQuest() error: %v", err)
	}
	if got.State != domain.QuestCompleted || got.Progress != 1 || got.Version != 2 {
		t.Errorf("quest = %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completed_at = %v", got.CompletedAt)
	}
	if got.ClaimedAt != nil {
		t.Errorf("claimed_at = %v, want nil", got.ClaimedAt)
	}
}

func TestGetQuest_OtherUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedProfile(t, db, "u1")
	seedProfile(t, db, "u2")
	db.Commit(ctx, domain.Commit{NewQuests: []domain.Quest{newQuest("u1", "q1", 0)}})

	if _, err := db.GetQuest(ctx, "u2", "q1"); !errors.Is(err, domain.ErrQuestNotFound) {
		t.Errorf("err = %v, want ErrQuestNotFound", err)
	}
}

func TestListQuests_Filter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedProfile(t, db, "u1")

	a := newQuest("u1", "qa", 0)
	a.ExpiresAt = testNow.Add(3 * time.Hour)
	b := newQuest("u1", "qb", 1)
	b.ExpiresAt = testNow.Add(time.Hour)
	b.Action = "chat_message"
	c := newQuest("u1", "qc", 0)
	c.Kind = domain.QuestWeekly
	c.PeriodKey = "weekly:2026-W42"
	c.State = domain.QuestExpired
	db.Commit(ctx, domain.Commit{NewQuests: []domain.Quest{a, b, c}})

	all, _ := db.ListQuests(ctx, "u1", domain.QuestFilter{})
	if len(all) != 3 || all[0].ID != "qb" {
		t.Errorf("all = %d quests, first %s; want 3, qb", len(all), all[0].ID)
	}

	active, _ := db.ListQuests(ctx, "u1", domain.QuestFilter{States: []domain.QuestState{domain.QuestActive}})
	if len(active) != 2 {
		t.Errorf("active = %d, want 2", len(active))
	}

	daily, _ := db.ListQuests(ctx, "u1", domain.QuestFilter{Kind: domain.QuestDaily, Action: "memory_created"})
	if len(daily) != 1 || daily[0].ID != "qa" {
		t.Errorf("daily memory quests = %v", daily)
	}

	period, _ := db.ListQuests(ctx, "u1", domain.QuestFilter{PeriodKey: "weekly:2026-W42"})
	if len(period) != 1 || period[0].ID != "qc" {
		t.Errorf("weekly period quests = %v", period)
	}
}

func TestListStaleQuests(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedProfile(t, db, "u1")

	stale := newQuest("u1", "stale", 0)
	stale.ExpiresAt = testNow.Add(-time.Minute)
	fresh := newQuest("u1", "fresh", 1)
	done := newQuest("u1", "done", 2)
	done.ExpiresAt = testNow.Add(-time.Minute)
	done.State = domain.QuestCompleted
	db.Commit(ctx, domain.Commit{NewQuests: []domain.Quest{stale, fresh, done}})

	got, err := db.ListStaleQuests(ctx, testNow, 10)
	if err != nil {
		t.Fatalf("ListStaleQuests() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "stale" {
		t.Errorf("stale = %v, want only the active overdue quest", got)
	}
}

func TestArchiveQuests(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedProfile(t, db, "u1")

	old := testNow.Add(-60 * 24 * time.Hour)
	claimed := newQuest("u1", "claimed", 0)
	claimed.State = domain.QuestClaimed
	claimed.ClaimedAt = &old
	expired := newQuest("u1", "expired", 1)
	expired.State = domain.QuestExpired
	expired.ExpiresAt = old
	recent := newQuest("u1", "recent", 2)
	recent.State = domain.QuestClaimed
	recent.ClaimedAt = &testNow
	active := newQuest("u1", "active", 3)
	active.ExpiresAt = old
	db.Commit(ctx, domain.Commit{NewQuests: []domain.Quest{claimed, expired, recent, active}})

	n, err := db.ArchiveQuests(ctx, testNow.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("ArchiveQuests() error: %v", err)
	}
	if n != 2 {
		t.Errorf("archived = %d, want 2", n)
	}

	left, _ := db.ListQuests(ctx, "u1", domain.QuestFilter{})
	if len(left) != 2 {
		t.Errorf("remaining = %d, want 2", len(left))
	}
	archived, _ := db.CountArchivedQuests(ctx, "u1")
	if archived != 2 {
		t.Errorf("archive rows = %d, want 2", archived)
	}
}

// ─── Reward History ─────────────────────────────────────────────────────────

func TestListRewardEvents_NewestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedProfile(t, db, "u1")

	for i := 0; i < 5; i++ {
		e := domain.RewardEvent{
			ID: fmt.Sprintf("e%d", i), UserID: "u1", RequestID: fmt.Sprintf("r%d", i),
			Source: domain.SourceSpin, Rarity: domain.RarityCommon, RewardType: domain.RewardCoins,
			RewardValue: int64(i + 1), Timestamp: testNow.Add(time.Duration(i) * time.Second),
		}
		if err := db.Commit(ctx, domain.Commit{Events: []domain.RewardEvent{e}}); err != nil {
			t.Fatalf("Commit(%d) error: %v", i, err)
		}
	}

	got, err := db.ListRewardEvents(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("ListRewardEvents() error: %v", err)
	}
	if len(got) != 3 || got[0].ID != "e4" || got[2].ID != "e2" {
		t.Errorf("events = %v", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if _, err := db.db.ExecContext(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, u TEXT UNIQUE, n TEXT NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.db.ExecContext(ctx, `INSERT INTO kv VALUES ('a', 'x', 'n')`); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	_, pkErr := db.db.ExecContext(ctx, `INSERT INTO kv VALUES ('a', 'y', 'n')`)
	_, uniqueErr := db.db.ExecContext(ctx, `INSERT INTO kv VALUES ('b', 'x', 'n')`)
	_, notNullErr := db.db.ExecContext(ctx, `INSERT INTO kv VALUES ('c', 'z', NULL)`)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"primary key", pkErr, true},
		{"unique column", uniqueErr, true},
		{"wrapped", fmt.Errorf("insert: %w", uniqueErr), true},
		{"not null", notNullErr, false},
		{"plain text", errors.New("UNIQUE constraint failed: kv.u"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
