package engagement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/memoryapp/gamify/internal/domain"
	"github.com/memoryapp/gamify/internal/infra/metrics"
	"github.com/memoryapp/gamify/internal/log"
	"github.com/memoryapp/gamify/internal/rules"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	maxRequestIDLen     = 128
)

// RewardService runs spins and serves reward history.
type RewardService struct {
	*core
}

// PityProgress is one rarity's distance from its guaranteed hit.
type PityProgress struct {
	Rarity    domain.Rarity `json:"rarity"`
	Count     int           `json:"count"`
	Threshold int           `json:"threshold"`
	Remaining int           `json:"remaining"`
}

// SpinResult is what a spin returns. It is rebuilt from the stored event,
// so a replayed request serializes byte-for-byte like the original.
type SpinResult struct {
	EventID      string          `json:"event_id"`
	RequestID    string          `json:"request_id"`
	Reward       domain.Grant    `json:"reward"`
	Rarity       domain.Rarity   `json:"rarity"`
	WasPity      bool            `json:"was_pity"`
	PityProgress []PityProgress  `json:"pity_progress"`
	NearMiss     []domain.Rarity `json:"near_miss"`
	Version      int64           `json:"version"`
	Timestamp    time.Time       `json:"timestamp"`

	// Replayed is true when the result came from an earlier request.
	// It is left out of the payload so both answers stay identical.
	Replayed bool `json:"-"`
}

// Spin issues one reward for requestID. Repeating a request id returns the
// first result without touching the profile.
func (s *RewardService) Spin(ctx context.Context, userID, requestID string, now time.Time) (*SpinResult, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	if requestID == "" || len(requestID) > maxRequestIDLen {
		return nil, fmt.Errorf("%w: request id must be 1-%d bytes", domain.ErrInvalidRequest, maxRequestIDLen)
	}
	now = stamp(now)

	var result *SpinResult
	err := s.retry(ctx, "spin", func() error {
		prior, err := s.store.RewardEventByRequest(ctx, userID, requestID)
		if err != nil {
			return err
		}
		if prior != nil {
			result = s.resultFrom(prior)
			result.Replayed = true
			return nil
		}

		p, err := s.store.GetProfile(ctx, userID)
		if err != nil {
			return err
		}

		rarity, wasPity := pickRarity(p.Pity, s.rules.Spin, s.rng)
		grant := pickGrant(s.rules.Spin.Rewards[rarity], s.rng)

		next := p.Clone()
		applyGrant(&next, grant)
		next.Pity = advancePity(p.Pity, rarity)
		next.UpdatedAt = now

		ev := s.event(p, domain.SourceSpin, rarity, grant, now)
		ev.RequestID = requestID
		ev.WasPity = wasPity
		ev.PityAfter = next.Pity.Clone()

		if err := s.store.Commit(ctx, domain.Commit{Profile: &next, Events: []domain.RewardEvent{ev}}); err != nil {
			return err
		}
		result = s.resultFrom(&ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Replayed {
		metrics.SpinReplays.Inc()
		log.Debugf("[reward] spin %s for %s replayed", requestID, userID)
	} else {
		metrics.Spins.WithLabelValues(string(result.Rarity), strconv.FormatBool(result.WasPity)).Inc()
		metrics.RewardsIssued.WithLabelValues(string(domain.SourceSpin), string(result.Reward.Type)).Add(float64(result.Reward.Value))
	}
	return result, nil
}

// RewardHistory is a page of reward events and the profile version read
// with it.
type RewardHistory struct {
	Rewards []domain.RewardEvent `json:"rewards"`
	Version int64                `json:"version"`
}

// History returns userID's reward events, newest first. limit defaults to
// 20 and is clamped to [1, 100].
func (s *RewardService) History(ctx context.Context, userID string, limit int) (*RewardHistory, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListRewardEvents(ctx, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []domain.RewardEvent{}
	}
	return &RewardHistory{Rewards: events, Version: p.Version}, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	}
	return limit
}

func (s *RewardService) resultFrom(ev *domain.RewardEvent) *SpinResult {
	return &SpinResult{
		EventID:      ev.ID,
		RequestID:    ev.RequestID,
		Reward:       domain.Grant{Type: ev.RewardType, Value: ev.RewardValue},
		Rarity:       ev.Rarity,
		WasPity:      ev.WasPity,
		PityProgress: pityProgress(ev.PityAfter, s.rules.Spin.PityThresholds),
		NearMiss:     guaranteedNext(ev.PityAfter, s.rules.Spin.PityThresholds),
		Version:      ev.ProfileVersion,
		Timestamp:    ev.Timestamp,
	}
}

// pickRarity is the two-phase decision: the pity floor first, highest
// rarity wins; otherwise a weighted draw over the base probabilities.
func pickRarity(pity domain.PityCounters, spin rules.SpinRules, rng Rand) (domain.Rarity, bool) {
	for _, r := range domain.PityRarities {
		if pity[r]+1 >= spin.PityThresholds[r] {
			return r, true
		}
	}

	roll := rng.Float64()
	var acc float64
	last := domain.RarityCommon
	for _, r := range domain.Rarities {
		p := spin.Probabilities[r]
		if p <= 0 {
			continue
		}
		acc += p
		last = r
		if roll < acc {
			return r, false
		}
	}
	// Only reachable through float rounding at the top of the range.
	return last, false
}

// pickGrant draws one entry of a rarity's reward table by weight.
func pickGrant(table []rules.WeightedGrant, rng Rand) domain.Grant {
	var total float64
	for _, wg := range table {
		total += wg.Weight
	}
	roll := rng.Float64() * total
	var acc float64
	for _, wg := range table {
		if wg.Weight <= 0 {
			continue
		}
		acc += wg.Weight
		if roll < acc {
			return wg.Grant
		}
	}
	for i := len(table) - 1; i >= 0; i-- {
		if table[i].Weight > 0 {
			return table[i].Grant
		}
	}
	return domain.Grant{}
}

// advancePity resets every counter at or below the issued rarity and
// increments the ones above it.
func advancePity(pity domain.PityCounters, issued domain.Rarity) domain.PityCounters {
	next := pity.Clone()
	for _, r := range domain.PityRarities {
		if issued.AtLeast(r) {
			next[r] = 0
		} else {
			next[r]++
		}
	}
	return next
}

// guaranteedNext lists the rarities the pity floor will force on the next
// spin, highest first. Empty, never nil, so the payload shape is stable.
func guaranteedNext(pity domain.PityCounters, thresholds map[domain.Rarity]int) []domain.Rarity {
	out := []domain.Rarity{}
	for _, r := range domain.PityRarities {
		if pity[r]+1 >= thresholds[r] {
			out = append(out, r)
		}
	}
	return out
}

func pityProgress(pity domain.PityCounters, thresholds map[domain.Rarity]int) []PityProgress {
	out := make([]PityProgress, 0, len(domain.PityRarities))
	for _, r := range domain.PityRarities {
		remaining := thresholds[r] - pity[r]
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, PityProgress{
			Rarity:    r,
			Count:     pity[r],
			Threshold: thresholds[r],
			Remaining: remaining,
		})
	}
	return out
}
