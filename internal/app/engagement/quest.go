package engagement

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/memoryapp/gamify/internal/domain"
	"github.com/memoryapp/gamify/internal/infra/metrics"
	"github.com/memoryapp/gamify/internal/log"
)

const staleBatch = 500

// QuestService generates quests, tracks progress, pays out claims and
// expires what was left unfinished.
//
// Expiry is evaluated against the deadline on every access; the sweep only
// tidies up rows nobody touched.
type QuestService struct {
	*core
}

// ProgressResult is the outcome of a progress report.
type ProgressResult struct {
	Outcome domain.Outcome `json:"outcome"`
	Quest   domain.Quest   `json:"quest"`
	Version int64          `json:"version"`
}

// QuestList is a set of quests plus the profile version they were read
// against.
type QuestList struct {
	Quests  []domain.Quest `json:"quests"`
	Version int64          `json:"version"`
}

// ClaimResult is the outcome of a claim. Claiming an already-claimed quest
// returns the events issued by the first claim.
type ClaimResult struct {
	Outcome domain.Outcome       `json:"outcome"`
	Quest   domain.Quest         `json:"quest"`
	Rewards []domain.RewardEvent `json:"rewards"`
	Version int64                `json:"version"`

	Replayed bool `json:"-"`
}

// GenerateDailyQuests creates the day's batch, or returns it if it exists.
func (s *QuestService) GenerateDailyQuests(ctx context.Context, userID string, now time.Time) (*QuestList, error) {
	return s.generate(ctx, userID, domain.QuestDaily, now)
}

// GenerateWeeklyQuests creates the week's batch, or returns it if it exists.
func (s *QuestService) GenerateWeeklyQuests(ctx context.Context, userID string, now time.Time) (*QuestList, error) {
	return s.generate(ctx, userID, domain.QuestWeekly, now)
}

func (s *QuestService) generate(ctx context.Context, userID string, kind domain.QuestKind, now time.Time) (*QuestList, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	now = stamp(now)
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	var key string
	var expires time.Time
	var count int
	switch kind {
	case domain.QuestDaily:
		key = domain.DailyPeriodKey(now, p.CutoverMinutes)
		expires = domain.NextDailyBoundary(now, p.CutoverMinutes)
		count = s.rules.Quests.DailyCount
	case domain.QuestWeekly:
		key = domain.WeeklyPeriodKey(now, p.CutoverMinutes)
		expires = domain.NextWeeklyBoundary(now, p.CutoverMinutes)
		count = s.rules.Quests.WeeklyCount
	default:
		return nil, fmt.Errorf("%w: %q quests are not generated on a schedule", domain.ErrInvalidRequest, kind)
	}

	var out []domain.Quest
	created := false
	err = s.retry(ctx, "generate_"+string(kind), func() error {
		existing, err := s.store.ListQuests(ctx, userID, domain.QuestFilter{PeriodKey: key})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out = existing
			created = false
			return nil
		}

		rng := rand.New(rand.NewSource(seedFor(userID, key)))
		picked := pickTemplates(s.rules.TemplatesFor(kind), s.rules.Quests.DifficultyWeights[kind], count, rng)
		fresh := make([]domain.Quest, 0, len(picked))
		for slot, t := range picked {
			fresh = append(fresh, s.newQuest(userID, kind, t, key, slot, now, expires, 1))
		}
		if err := s.store.Commit(ctx, domain.Commit{NewQuests: fresh}); err != nil {
			return err
		}
		out = fresh
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	if created {
		metrics.QuestTransitions.WithLabelValues(string(kind), string(domain.QuestActive)).Add(float64(len(out)))
		log.Debugf("[quest] generated %d %s quests for %s (%s)", len(out), kind, userID, key)
	}
	return &QuestList{Quests: viewQuests(out, now), Version: p.Version}, nil
}

// MaybeSpawnFlashQuest rolls the flash chance for one user. It returns the
// new quest, or nil when nothing spawned or a flash quest is still running.
func (s *QuestService) MaybeSpawnFlashQuest(ctx context.Context, userID string, now time.Time) (*domain.Quest, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	flash := s.rules.Quests.Flash
	if flash.Chance <= 0 || flash.Duration.Duration <= 0 {
		return nil, nil
	}
	now = stamp(now)
	if _, err := s.store.GetProfile(ctx, userID); err != nil {
		return nil, err
	}

	running, err := s.store.ListQuests(ctx, userID, domain.QuestFilter{
		Kind:   domain.QuestFlash,
		States: []domain.QuestState{domain.QuestActive},
	})
	if err != nil {
		return nil, err
	}
	for _, q := range running {
		if !q.ExpiredAt(now) {
			return nil, nil
		}
	}

	if s.rng.Float64() >= flash.Chance {
		return nil, nil
	}

	// Ticks landing in the same window share a period key, so concurrent
	// spawners collide on the slot constraint instead of doubling up.
	window := now.UnixNano() / int64(flash.Duration.Duration)
	key := "flash:" + strconv.FormatInt(window, 10)
	rng := rand.New(rand.NewSource(seedFor(userID, key)))
	picked := pickTemplates(s.rules.TemplatesFor(domain.QuestFlash), s.rules.Quests.DifficultyWeights[domain.QuestFlash], 1, rng)
	if len(picked) == 0 {
		return nil, nil
	}

	q := s.newQuest(userID, domain.QuestFlash, picked[0], key, 0, now, now.Add(flash.Duration.Duration), flash.Multiplier)
	err = s.store.Commit(ctx, domain.Commit{NewQuests: []domain.Quest{q}})
	if errors.Is(err, domain.ErrVersionConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.QuestTransitions.WithLabelValues(string(domain.QuestFlash), string(domain.QuestActive)).Inc()
	log.Infof("[quest] flash quest %s for %s until %s", q.TemplateID, userID, q.ExpiresAt.Format(time.RFC3339))
	return &q, nil
}

// FlashTick rolls MaybeSpawnFlashQuest for every enrolled user and returns
// how many quests spawned.
func (s *QuestService) FlashTick(ctx context.Context, now time.Time) (int, error) {
	spawned := 0
	err := s.forEachUser(ctx, func(ctx context.Context, userID string) (int, error) {
		q, err := s.MaybeSpawnFlashQuest(ctx, userID, now)
		if err != nil || q == nil {
			return 0, err
		}
		return 1, nil
	}, &spawned)
	return spawned, err
}

// ReportProgress adds delta to one quest, clamped to its target. Reaching
// the target completes the quest. A quest past its deadline is expired on
// the spot and reported as not active.
func (s *QuestService) ReportProgress(ctx context.Context, userID, questID string, delta int, now time.Time) (*ProgressResult, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	if questID == "" {
		return nil, fmt.Errorf("%w: quest id is required", domain.ErrInvalidRequest)
	}
	if delta < 0 {
		return nil, fmt.Errorf("%w: progress delta must not be negative", domain.ErrInvalidRequest)
	}
	now = stamp(now)

	var result *ProgressResult
	var transition domain.QuestState
	err := s.retry(ctx, "progress", func() error {
		transition = ""
		p, err := s.store.GetProfile(ctx, userID)
		if err != nil {
			return err
		}
		q, err := s.store.GetQuest(ctx, userID, questID)
		if err != nil {
			return err
		}

		next, changed := advanceQuest(*q, delta, now)
		result = &ProgressResult{Outcome: domain.OutcomeOK, Quest: next, Version: p.Version}
		if q.State != domain.QuestActive || next.State == domain.QuestExpired {
			result.Outcome = domain.OutcomeQuestNotActive
		}
		if !changed {
			return nil
		}
		if err := s.store.Commit(ctx, domain.Commit{Quests: []domain.Quest{next}}); err != nil {
			return err
		}
		result.Quest.Version++
		if next.State != q.State {
			transition = next.State
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if transition != "" {
		metrics.QuestTransitions.WithLabelValues(string(result.Quest.Kind), string(transition)).Inc()
	}
	return result, nil
}

// RecordAction applies delta to every Active quest of userID that tracks
// action, in one commit. It returns the quests it changed.
func (s *QuestService) RecordAction(ctx context.Context, userID, action string, delta int, now time.Time) (*QuestList, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, fmt.Errorf("%w: action is required", domain.ErrInvalidRequest)
	}
	if delta < 0 {
		return nil, fmt.Errorf("%w: progress delta must not be negative", domain.ErrInvalidRequest)
	}
	now = stamp(now)
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	var touched []domain.Quest
	err = s.retry(ctx, "record_action", func() error {
		touched = nil
		active, err := s.store.ListQuests(ctx, userID, domain.QuestFilter{
			Action: action,
			States: []domain.QuestState{domain.QuestActive},
		})
		if err != nil {
			return err
		}
		for _, q := range active {
			if next, changed := advanceQuest(q, delta, now); changed {
				touched = append(touched, next)
			}
		}
		if len(touched) == 0 {
			return nil
		}
		return s.store.Commit(ctx, domain.Commit{Quests: touched})
	})
	if err != nil {
		return nil, err
	}

	for i := range touched {
		touched[i].Version++
		if touched[i].State != domain.QuestActive {
			metrics.QuestTransitions.WithLabelValues(string(touched[i].Kind), string(touched[i].State)).Inc()
		}
	}
	if touched == nil {
		touched = []domain.Quest{}
	}
	return &QuestList{Quests: touched, Version: p.Version}, nil
}

// advanceQuest applies delta to an Active quest at now. A quest past its
// deadline becomes Expired instead. Other states are returned unchanged.
func advanceQuest(q domain.Quest, delta int, now time.Time) (domain.Quest, bool) {
	if q.State != domain.QuestActive {
		return q, false
	}
	if q.ExpiredAt(now) {
		q.State = domain.QuestExpired
		return q, true
	}
	if delta == 0 {
		return q, false
	}
	progress := q.Progress + delta
	if progress > q.Target {
		progress = q.Target
	}
	if progress == q.Progress {
		return q, false
	}
	q.Progress = progress
	if q.Progress >= q.Target {
		q.State = domain.QuestCompleted
		done := now
		q.CompletedAt = &done
	}
	return q, true
}

// ClaimRewards pays out a Completed quest once. The state change and the
// profile credit commit together; a repeat claim returns the first payout.
func (s *QuestService) ClaimRewards(ctx context.Context, userID, questID string, now time.Time) (*ClaimResult, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	if questID == "" {
		return nil, fmt.Errorf("%w: quest id is required", domain.ErrInvalidRequest)
	}
	now = stamp(now)

	var result *ClaimResult
	err := s.retry(ctx, "claim", func() error {
		p, err := s.store.GetProfile(ctx, userID)
		if err != nil {
			return err
		}
		q, err := s.store.GetQuest(ctx, userID, questID)
		if err != nil {
			return err
		}

		switch {
		case q.State == domain.QuestClaimed:
			result, err = s.replayClaim(ctx, *q, p.Version)
			return err

		case q.State == domain.QuestActive && q.ExpiredAt(now):
			expired := *q
			expired.State = domain.QuestExpired
			if err := s.store.Commit(ctx, domain.Commit{Quests: []domain.Quest{expired}}); err != nil {
				return err
			}
			expired.Version++
			result = &ClaimResult{Outcome: domain.OutcomeQuestNotActive, Quest: expired, Rewards: []domain.RewardEvent{}, Version: p.Version}
			return nil

		case q.State != domain.QuestCompleted:
			result = &ClaimResult{Outcome: domain.OutcomeQuestNotActive, Quest: *q, Rewards: []domain.RewardEvent{}, Version: p.Version}
			return nil
		}

		next := p.Clone()
		events := []domain.RewardEvent{}
		for _, g := range q.Rewards.Grants(q.Multiplier) {
			applyGrant(&next, g)
			ev := s.event(p, domain.SourceQuest, q.Difficulty.PayoutRarity(), g, now)
			ev.QuestID = q.ID
			events = append(events, ev)
		}
		next.UpdatedAt = now

		claimed := *q
		claimed.State = domain.QuestClaimed
		claimed.ClaimedAt = &now
		if err := s.store.Commit(ctx, domain.Commit{
			Profile: &next,
			Quests:  []domain.Quest{claimed},
			Events:  events,
		}); err != nil {
			return err
		}
		claimed.Version++
		result = &ClaimResult{
			Outcome: domain.OutcomeOK,
			Quest:   claimed,
			Rewards: events,
			Version: p.Version + 1,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case result.Replayed:
		log.Debugf("[quest] claim of %s by %s replayed", questID, userID)
	case result.Outcome == domain.OutcomeOK:
		metrics.QuestTransitions.WithLabelValues(string(result.Quest.Kind), string(domain.QuestClaimed)).Inc()
		countIssued(result.Rewards)
	}
	return result, nil
}

// replayClaim rebuilds the first claim's result from its reward events.
// Catalog validation guarantees every quest pays something, so current is
// only used for quests stored before that rule.
func (s *QuestService) replayClaim(ctx context.Context, q domain.Quest, current int64) (*ClaimResult, error) {
	events, err := s.store.RewardEventsForQuest(ctx, q.UserID, q.ID)
	if err != nil {
		return nil, err
	}
	res := &ClaimResult{Outcome: domain.OutcomeOK, Quest: q, Rewards: events, Version: current, Replayed: true}
	if len(events) > 0 {
		res.Version = events[0].ProfileVersion
	} else {
		res.Rewards = []domain.RewardEvent{}
	}
	return res, nil
}

// ExpireStaleQuests moves Active quests past their deadline to Expired.
// Rows that change underneath the sweep are skipped; the next access
// expires them lazily anyway.
func (s *QuestService) ExpireStaleQuests(ctx context.Context, now time.Time) (int, error) {
	now = stamp(now)
	expired := 0
	for {
		stale, err := s.store.ListStaleQuests(ctx, now, staleBatch)
		if err != nil {
			return expired, err
		}
		moved := 0
		for _, q := range stale {
			if err := ctx.Err(); err != nil {
				return expired, err
			}
			q.State = domain.QuestExpired
			err := s.store.Commit(ctx, domain.Commit{Quests: []domain.Quest{q}})
			if errors.Is(err, domain.ErrVersionConflict) {
				log.Debugf("[quest] sweep skipped %s: changed concurrently", q.ID)
				continue
			}
			if err != nil {
				return expired, err
			}
			metrics.QuestTransitions.WithLabelValues(string(q.Kind), string(domain.QuestExpired)).Inc()
			moved++
		}
		expired += moved
		if len(stale) < staleBatch || moved == 0 {
			break
		}
	}
	if expired > 0 {
		log.Infof("[quest] sweep expired %d quests", expired)
	}
	return expired, nil
}

// ArchiveQuests moves terminal quests older than the retention window out
// of the live table.
func (s *QuestService) ArchiveQuests(ctx context.Context, now time.Time) (int64, error) {
	retention := s.rules.Quests.Retention.Duration
	if retention <= 0 {
		return 0, nil
	}
	n, err := s.store.ArchiveQuests(ctx, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("archive quests: %w", err)
	}
	if n > 0 {
		metrics.QuestsArchived.Add(float64(n))
		log.Infof("[quest] archived %d quests", n)
	}
	return n, nil
}

// ListQuests returns userID's quests as of now, optionally narrowed by
// kind and states. Overdue Active quests are reported as Expired.
func (s *QuestService) ListQuests(ctx context.Context, userID string, kind domain.QuestKind, states []domain.QuestState, now time.Time) (*QuestList, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown quest kind %q", domain.ErrInvalidRequest, kind)
	}
	for _, st := range states {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown quest state %q", domain.ErrInvalidRequest, st)
		}
	}
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	quests, err := s.store.ListQuests(ctx, userID, domain.QuestFilter{Kind: kind})
	if err != nil {
		return nil, err
	}

	out := []domain.Quest{}
	for _, q := range viewQuests(quests, stamp(now)) {
		if len(states) == 0 || containsState(states, q.State) {
			out = append(out, q)
		}
	}
	return &QuestList{Quests: out, Version: p.Version}, nil
}

// viewQuests reports overdue Active quests as Expired without writing.
func viewQuests(quests []domain.Quest, now time.Time) []domain.Quest {
	out := make([]domain.Quest, len(quests))
	for i, q := range quests {
		if q.State == domain.QuestActive && q.ExpiredAt(now) {
			q.State = domain.QuestExpired
		}
		out[i] = q
	}
	return out
}

func containsState(states []domain.QuestState, st domain.QuestState) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

func (s *QuestService) newQuest(userID string, kind domain.QuestKind, t domain.QuestTemplate, key string, slot int, now, expires time.Time, multiplier float64) domain.Quest {
	if multiplier <= 0 {
		multiplier = 1
	}
	return domain.Quest{
		ID:          s.newID(),
		UserID:      userID,
		Kind:        kind,
		TemplateID:  t.ID,
		Action:      t.Action,
		Description: t.Description,
		Difficulty:  t.Difficulty,
		Target:      t.Target,
		Rewards:     t.Rewards,
		Multiplier:  multiplier,
		PeriodKey:   key,
		Slot:        slot,
		State:       domain.QuestActive,
		CreatedAt:   now,
		ExpiresAt:   expires,
		Version:     1,
	}
}

// pickTemplates selects n templates. Each pick first draws a difficulty by
// weight among the difficulties still available, then a template of that
// difficulty, preferring actions not yet picked. Difficulties without a
// weight are never drawn unless no weighted one remains.
func pickTemplates(pool []domain.QuestTemplate, weights map[domain.Difficulty]float64, n int, r *rand.Rand) []domain.QuestTemplate {
	remaining := make([]domain.QuestTemplate, len(pool))
	copy(remaining, pool)

	seen := make(map[string]bool)
	var result []domain.QuestTemplate
	for len(result) < n && len(remaining) > 0 {
		var idxs []int
		for i, t := range remaining {
			if !seen[t.Action] {
				idxs = append(idxs, i)
			}
		}
		if len(idxs) == 0 {
			for i := range remaining {
				idxs = append(idxs, i)
			}
		}
		candidates := make([]domain.QuestTemplate, len(idxs))
		for j, i := range idxs {
			candidates[j] = remaining[i]
		}

		d := pickDifficulty(candidates, weights, r)
		var tier []int
		for _, i := range idxs {
			if remaining[i].Difficulty == d {
				tier = append(tier, i)
			}
		}
		idx := tier[r.Intn(len(tier))]
		chosen := remaining[idx]
		result = append(result, chosen)
		seen[chosen.Action] = true
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return result
}

func pickDifficulty(candidates []domain.QuestTemplate, weights map[domain.Difficulty]float64, r *rand.Rand) domain.Difficulty {
	present := make(map[domain.Difficulty]bool)
	for _, t := range candidates {
		present[t.Difficulty] = true
	}

	var total float64
	for _, d := range domain.Difficulties {
		if present[d] {
			total += weights[d]
		}
	}
	if total <= 0 {
		// Nothing weighted is left: fall back to uniform over what exists.
		var avail []domain.Difficulty
		for _, d := range domain.Difficulties {
			if present[d] {
				avail = append(avail, d)
			}
		}
		return avail[r.Intn(len(avail))]
	}

	roll := r.Float64() * total
	var acc float64
	var last domain.Difficulty
	for _, d := range domain.Difficulties {
		if !present[d] || weights[d] <= 0 {
			continue
		}
		acc += weights[d]
		last = d
		if roll < acc {
			return d
		}
	}
	return last
}
