package engagement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/memoryapp/gamify/internal/domain"
	"github.com/memoryapp/gamify/internal/infra/metrics"
	"github.com/memoryapp/gamify/internal/log"
	"github.com/memoryapp/gamify/internal/rules"
)

const (
	priorityFlashExpiring = 90
	priorityStreakAtRisk  = 80
	priorityQuestExpiring = 70
	priorityClaimable     = 60
	priorityPityNear      = 50
)

// AlertService derives alerts from current state. Alerts are never stored;
// the same state always yields the same list with the same ids.
type AlertService struct {
	*core
}

// AlertList is a user's current alerts and the profile version they were
// derived from.
type AlertList struct {
	Alerts  []domain.Alert `json:"alerts"`
	Version int64          `json:"version"`
}

// ActiveAlerts returns userID's alerts at now, most urgent first.
func (s *AlertService) ActiveAlerts(ctx context.Context, userID string, now time.Time) (*AlertList, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	quests, err := s.store.ListQuests(ctx, userID, domain.QuestFilter{
		States: []domain.QuestState{domain.QuestActive, domain.QuestCompleted},
	})
	if err != nil {
		return nil, err
	}
	return &AlertList{Alerts: DeriveAlerts(*p, quests, s.rules, stamp(now)), Version: p.Version}, nil
}

// Dispatch publishes every user's current alerts and returns how many were
// new to the publisher.
func (s *AlertService) Dispatch(ctx context.Context, now time.Time) (int, error) {
	if s.publisher == nil {
		return 0, errors.New("alert dispatch: no publisher configured")
	}
	var total int
	err := s.forEachUser(ctx, func(ctx context.Context, userID string) (int, error) {
		list, err := s.ActiveAlerts(ctx, userID, now)
		if err != nil {
			return 0, err
		}
		sent := 0
		for _, a := range list.Alerts {
			fresh, err := s.publisher.Publish(ctx, a)
			if err != nil {
				return sent, fmt.Errorf("publish %s: %w", a.ID, err)
			}
			if fresh {
				sent++
				metrics.AlertsPublished.WithLabelValues(string(a.Type)).Inc()
			}
		}
		return sent, nil
	}, &total)
	if total > 0 {
		log.Infof("[alerts] published %d new alerts", total)
	}
	return total, err
}

// DeriveAlerts projects a profile and its open quests onto alerts.
func DeriveAlerts(p domain.Profile, quests []domain.Quest, r *rules.Rules, now time.Time) []domain.Alert {
	out := []domain.Alert{}
	urgency := r.Alerts.QuestUrgencyWindow.Duration

	for _, q := range quests {
		switch {
		case q.State == domain.QuestActive && !q.ExpiredAt(now) && q.ExpiresAt.Sub(now) <= urgency:
			prio := priorityQuestExpiring
			if q.Kind == domain.QuestFlash {
				prio = priorityFlashExpiring
			}
			out = append(out, domain.Alert{
				ID:       fmt.Sprintf("%s:%s", domain.AlertQuestExpiring, q.ID),
				UserID:   p.UserID,
				Type:     domain.AlertQuestExpiring,
				Priority: prio,
				Title:    "Quest ending soon",
				Body:     fmt.Sprintf("%s is %.0f%% done and ends in %s", q.Description, q.ProgressPct(), roundLeft(q.ExpiresAt.Sub(now))),
				QuestID:  q.ID,
				Deadline: q.ExpiresAt,
			})
		case q.State == domain.QuestCompleted:
			out = append(out, domain.Alert{
				ID:       fmt.Sprintf("%s:%s", domain.AlertQuestClaimable, q.ID),
				UserID:   p.UserID,
				Type:     domain.AlertQuestClaimable,
				Priority: priorityClaimable,
				Title:    "Reward waiting",
				Body:     fmt.Sprintf("%s is complete, claim your reward", q.Description),
				QuestID:  q.ID,
			})
		}
	}

	if a, ok := streakAtRisk(p, r, now); ok {
		out = append(out, a)
	}

	if next := guaranteedNext(p.Pity, r.Spin.PityThresholds); len(next) > 0 {
		top := next[0]
		out = append(out, domain.Alert{
			ID:       fmt.Sprintf("%s:%s:%s:%d", domain.AlertPityNear, p.UserID, top, p.Pity[top]),
			UserID:   p.UserID,
			Type:     domain.AlertPityNear,
			Priority: priorityPityNear,
			Title:    "Lucky spin",
			Body:     fmt.Sprintf("Your next spin is guaranteed %s or better", top),
			Rarity:   top,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.Deadline.Equal(b.Deadline) {
			if a.Deadline.IsZero() || b.Deadline.IsZero() {
				return b.Deadline.IsZero()
			}
			return a.Deadline.Before(b.Deadline)
		}
		return a.ID < b.ID
	})
	return out
}

// streakAtRisk fires when the streak survives today only with a check-in
// and the period ends within the risk window.
func streakAtRisk(p domain.Profile, r *rules.Rules, now time.Time) (domain.Alert, bool) {
	st := p.Streak
	if st.CurrentStreak == 0 || st.LastCheckinAt.IsZero() {
		return domain.Alert{}, false
	}
	cut := p.CutoverMinutes
	today := domain.PeriodIndex(now, cut)
	last := domain.PeriodIndex(st.LastCheckinAt, cut)
	end := domain.PeriodStart(today+1, cut)

	switch {
	case last >= today:
		return domain.Alert{}, false
	case last == today-1:
	case last == today-2:
		bridged := st.FreezeActive && st.FreezeExpiresAt.Equal(domain.PeriodStart(today, cut))
		if !bridged && st.FreezeTokens == 0 {
			return domain.Alert{}, false
		}
	default:
		return domain.Alert{}, false
	}
	if st.FreezeActive && st.FreezeExpiresAt.Equal(end) {
		return domain.Alert{}, false
	}
	if end.Sub(now) > r.Alerts.StreakRiskWindow.Duration {
		return domain.Alert{}, false
	}

	return domain.Alert{
		ID:       fmt.Sprintf("%s:%s:%d", domain.AlertStreakAtRisk, p.UserID, today),
		UserID:   p.UserID,
		Type:     domain.AlertStreakAtRisk,
		Priority: priorityStreakAtRisk,
		Title:    "Keep your streak",
		Body:     fmt.Sprintf("Check in within %s to keep your %d-day streak", roundLeft(end.Sub(now)), st.CurrentStreak),
		Deadline: end,
	}, true
}

func roundLeft(d time.Duration) time.Duration {
	if d < time.Minute {
		return d.Round(time.Second)
	}
	return d.Round(time.Minute)
}
