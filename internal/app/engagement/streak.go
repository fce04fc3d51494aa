package engagement

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/memoryapp/gamify/internal/domain"
	"github.com/memoryapp/gamify/internal/infra/metrics"
	"github.com/memoryapp/gamify/internal/log"
)

// StreakService manages check-in streaks, freeze tokens and milestones.
// A period runs from one daily cutover to the next; a check-in anywhere in
// the period counts for it.
type StreakService struct {
	*core
}

// CheckInResult is the outcome of one check-in.
type CheckInResult struct {
	Outcome            domain.Outcome       `json:"outcome"`
	Streak             domain.Streak        `json:"streak"`
	FreezeUsed         bool                 `json:"freeze_used"`
	MilestonesUnlocked []int                `json:"milestones_unlocked"`
	Rewards            []domain.RewardEvent `json:"rewards"`
	NextMilestone      int                  `json:"next_milestone,omitempty"`
	Version            int64                `json:"version"`
}

// FreezeResult is the outcome of a proactive freeze.
type FreezeResult struct {
	Outcome         domain.Outcome `json:"outcome"`
	FreezeTokens    int            `json:"freeze_tokens"`
	FreezeActive    bool           `json:"freeze_active"`
	FreezeExpiresAt time.Time      `json:"freeze_expires_at"`
	Version         int64          `json:"version"`
}

// CheckIn records activity for the period containing now.
//
//	same period       → already_checked_in, no write
//	next period       → streak + 1
//	one missed period → a freeze covering it, else one token, keeps the streak
//	longer gap        → streak restarts at 1
//
// Milestones reached by the new streak are paid in the same commit.
func (s *StreakService) CheckIn(ctx context.Context, userID, activity string, now time.Time) (*CheckInResult, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	activity = strings.TrimSpace(activity)
	if activity == "" {
		activity = "app_open"
	}
	now = stamp(now)

	var result *CheckInResult
	var kind string
	err := s.retry(ctx, "checkin", func() error {
		p, err := s.store.GetProfile(ctx, userID)
		if err != nil {
			return err
		}
		next := p.Clone()
		res, k := s.advance(&next, now)
		kind = k
		if res.Outcome == domain.OutcomeAlreadyCheckedIn {
			res.Version = p.Version
			result = res
			return nil
		}

		if m, ok := s.rules.Milestone(next.Streak.CurrentStreak); ok && next.AddMilestone(m.Days) {
			res.MilestonesUnlocked = append(res.MilestonesUnlocked, m.Days)
			for _, g := range m.Rewards {
				applyGrant(&next, g)
				ev := s.event(p, domain.SourceMilestone, domain.RarityCommon, g, now)
				ev.MilestoneDays = m.Days
				res.Rewards = append(res.Rewards, ev)
			}
		}
		next.UpdatedAt = now

		if err := s.store.Commit(ctx, domain.Commit{Profile: &next, Events: res.Rewards}); err != nil {
			return err
		}
		res.Streak = next.Streak
		res.Version = p.Version + 1
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	if nm, ok := s.rules.NextMilestone(result.Streak.CurrentStreak); ok {
		result.NextMilestone = nm.Days
	}
	if result.MilestonesUnlocked == nil {
		result.MilestonesUnlocked = []int{}
	}
	if result.Rewards == nil {
		result.Rewards = []domain.RewardEvent{}
	}

	metrics.CheckIns.WithLabelValues(kind).Inc()
	if kind == "frozen_token" {
		metrics.FreezeTokensUsed.WithLabelValues("on_miss").Inc()
	}
	for _, m := range result.MilestonesUnlocked {
		metrics.Milestones.WithLabelValues(strconv.Itoa(m)).Inc()
		log.Infof("[streak] %s reached the %d-day milestone", userID, m)
	}
	countIssued(result.Rewards)
	log.Debugf("[streak] %s checked in (%s): %s, streak %d", userID, activity, kind, result.Streak.CurrentStreak)
	return result, nil
}

// advance applies the streak rules to p for a check-in at now and returns
// the partial result plus a metrics label.
func (s *StreakService) advance(p *domain.Profile, now time.Time) (*CheckInResult, string) {
	st := &p.Streak
	cut := p.CutoverMinutes
	today := domain.PeriodIndex(now, cut)
	res := &CheckInResult{Outcome: domain.OutcomeOK}

	if st.LastCheckinAt.IsZero() {
		st.CurrentStreak = 1
		st.LastCheckinAt = now
		bumpLongest(st)
		res.Streak = *st
		return res, "first"
	}

	last := domain.PeriodIndex(st.LastCheckinAt, cut)
	gap := today - last
	if gap <= 0 {
		res.Outcome = domain.OutcomeAlreadyCheckedIn
		res.Streak = *st
		return res, "already"
	}

	missed := last + 1
	missedEnd := domain.PeriodStart(missed+1, cut)
	covered := st.FreezeActive && st.FreezeExpiresAt.Equal(missedEnd)

	// A freeze that ended before today and is not bridging this gap is spent.
	if st.FreezeActive && !st.FreezeExpiresAt.After(domain.PeriodStart(today, cut)) && !(gap == 2 && covered) {
		st.FreezeActive = false
	}

	kind := "extended"
	switch {
	case gap == 1:
		st.CurrentStreak++
	case gap == 2 && covered:
		st.CurrentStreak++
		res.FreezeUsed = true
		kind = "frozen"
	case gap == 2 && st.FreezeTokens > 0:
		st.FreezeTokens--
		st.FreezeActive = true
		st.FreezeExpiresAt = missedEnd
		st.CurrentStreak++
		res.FreezeUsed = true
		kind = "frozen_token"
	default:
		st.CurrentStreak = 1
		kind = "reset"
	}

	st.LastCheckinAt = now
	bumpLongest(st)
	res.Streak = *st
	return res, kind
}

func bumpLongest(st *domain.Streak) {
	if st.CurrentStreak > st.LongestStreak {
		st.LongestStreak = st.CurrentStreak
	}
}

// UseFreezeToken spends a token ahead of a miss. The freeze covers the
// current period when the user has not checked in yet, otherwise the next.
// A user who missed only yesterday gets yesterday covered instead.
func (s *StreakService) UseFreezeToken(ctx context.Context, userID string, now time.Time) (*FreezeResult, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	now = stamp(now)

	var result *FreezeResult
	err := s.retry(ctx, "freeze", func() error {
		p, err := s.store.GetProfile(ctx, userID)
		if err != nil {
			return err
		}
		st := p.Streak
		res := &FreezeResult{
			Outcome:         domain.OutcomeOK,
			FreezeTokens:    st.FreezeTokens,
			FreezeActive:    freezeInForce(st, now),
			FreezeExpiresAt: st.FreezeExpiresAt,
			Version:         p.Version,
		}

		cut := p.CutoverMinutes
		today := domain.PeriodIndex(now, cut)
		target := today
		if !st.LastCheckinAt.IsZero() {
			switch last := domain.PeriodIndex(st.LastCheckinAt, cut); {
			case last >= today:
				target = today + 1
			case last == today-2:
				// Only yesterday was missed; bridge it.
				target = today - 1
			}
		}
		bridged := target == today-1 && st.FreezeActive && st.FreezeExpiresAt.Equal(domain.PeriodStart(today, cut))

		switch {
		case freezeInForce(st, now) || bridged:
			res.Outcome = domain.OutcomeFreezeAlreadyActive
			res.FreezeActive = true
			result = res
			return nil
		case st.FreezeTokens <= 0:
			res.Outcome = domain.OutcomeNoFreezeTokens
			result = res
			return nil
		}

		next := p.Clone()
		next.Streak.FreezeTokens--
		next.Streak.FreezeActive = true
		next.Streak.FreezeExpiresAt = domain.PeriodStart(target+1, cut)
		next.UpdatedAt = now
		if err := s.store.Commit(ctx, domain.Commit{Profile: &next}); err != nil {
			return err
		}

		res.FreezeTokens = next.Streak.FreezeTokens
		res.FreezeActive = true
		res.FreezeExpiresAt = next.Streak.FreezeExpiresAt
		res.Version = p.Version + 1
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Outcome == domain.OutcomeOK {
		metrics.FreezeTokensUsed.WithLabelValues("proactive").Inc()
		log.Debugf("[streak] %s froze the period ending %s", userID, result.FreezeExpiresAt.Format(time.RFC3339))
	}
	return result, nil
}

// freezeInForce reports whether a freeze covers a period that has not ended.
func freezeInForce(st domain.Streak, now time.Time) bool {
	return st.FreezeActive && now.Before(st.FreezeExpiresAt)
}
