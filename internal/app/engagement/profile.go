package engagement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/memoryapp/gamify/internal/domain"
	"github.com/memoryapp/gamify/internal/log"
)

// ProfileService reads, enrolls and adjusts profiles.
type ProfileService struct {
	*core
}

// Get returns the stored profile or domain.ErrUserNotFound.
func (s *ProfileService) Get(ctx context.Context, userID string) (*domain.Profile, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	return s.store.GetProfile(ctx, userID)
}

// Enroll creates a profile with the catalog's starting values. Enrolling
// an existing user returns the stored profile and created=false.
func (s *ProfileService) Enroll(ctx context.Context, userID string, now time.Time) (*domain.Profile, bool, error) {
	if err := validUserID(userID); err != nil {
		return nil, false, err
	}
	now = stamp(now)
	p := domain.Profile{
		UserID:         userID,
		Level:          1,
		Streak:         domain.Streak{FreezeTokens: s.rules.StartingFreezeTokens},
		Pity:           domain.PityCounters{}.Clone(),
		CutoverMinutes: s.rules.CutoverMinutes,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	created, err := s.store.CreateProfile(ctx, p)
	if err != nil {
		return nil, false, fmt.Errorf("enroll %s: %w", userID, err)
	}
	if created {
		log.Infof("[profile] enrolled %s", userID)
		return &p, true, nil
	}
	existing, err := s.store.GetProfile(ctx, userID)
	return existing, false, err
}

// Update applies mutate under a single compare-and-swap. It fails with
// domain.ErrVersionConflict when the stored version is not
// expectedVersion, or when another writer commits first.
func (s *ProfileService) Update(ctx context.Context, userID string, expectedVersion int64, mutate func(*domain.Profile) error) (*domain.Profile, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}
	next := p.Clone()
	if err := mutate(&next); err != nil {
		return nil, err
	}
	next.UserID = p.UserID
	next.Version = p.Version
	next.UpdatedAt = stamp(time.Now())
	if err := s.store.Commit(ctx, domain.Commit{Profile: &next}); err != nil {
		return nil, err
	}
	next.Version++
	return &next, nil
}

// Adjustment is an administrative correction. It is the only path that
// may lower points, XP or coins.
type Adjustment struct {
	Points       int64  `json:"points"`
	XP           int64  `json:"xp"`
	Coins        int64  `json:"coins"`
	FreezeTokens int    `json:"freeze_tokens"`
	ContactSlots int64  `json:"contact_slots"`
	PremiumDays  int64  `json:"premium_days"`
	Reason       string `json:"reason"`
}

// Adjust applies a signed correction with the usual retry loop. A result
// below zero on any field is rejected.
func (s *ProfileService) Adjust(ctx context.Context, userID string, adj Adjustment, now time.Time) (*domain.Profile, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(adj.Reason) == "" {
		return nil, fmt.Errorf("%w: adjustment needs a reason", domain.ErrInvalidRequest)
	}
	now = stamp(now)

	var out *domain.Profile
	err := s.retry(ctx, "adjust", func() error {
		p, err := s.store.GetProfile(ctx, userID)
		if err != nil {
			return err
		}
		next := p.Clone()
		next.Points += adj.Points
		next.XP += adj.XP
		next.Coins += adj.Coins
		next.Streak.FreezeTokens += adj.FreezeTokens
		next.ContactSlots += adj.ContactSlots
		next.PremiumDays += adj.PremiumDays
		if next.Points < 0 || next.XP < 0 || next.Coins < 0 || next.Streak.FreezeTokens < 0 ||
			next.ContactSlots < 0 || next.PremiumDays < 0 {
			return fmt.Errorf("%w: adjustment would leave a negative balance", domain.ErrInvalidRequest)
		}
		next.Level = LevelForXP(next.XP)
		next.UpdatedAt = now
		if err := s.store.Commit(ctx, domain.Commit{Profile: &next}); err != nil {
			return err
		}
		next.Version++
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"user_id": userID, "reason": adj.Reason, "version": out.Version}).
		Info("[profile] admin adjustment applied")
	return out, nil
}
