// Package engagement implements the gamify engine: streaks, spins with a
// pity floor, the quest lifecycle, and derived alerts.
//
// The services hold no per-user state. Every mutation is a read, a pure
// computation, and one atomic domain.Commit guarded by the profile and
// quest versions; a lost race is retried against fresh state a bounded
// number of times and then surfaces as domain.ErrContention.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/memoryapp/gamify/internal/domain"
	"github.com/memoryapp/gamify/internal/infra/metrics"
	"github.com/memoryapp/gamify/internal/log"
	"github.com/memoryapp/gamify/internal/rules"
)

const maxUserIDLen = 128

// core is shared by every service.
type core struct {
	store       domain.Store
	rules       *rules.Rules
	rng         Rand
	maxAttempts int
	backoff     time.Duration
	parallelism int
	newID       func() string
	publisher   domain.AlertPublisher
}

// Option configures an Engine.
type Option func(*core)

// WithRand injects the randomness source used by spins and flash quests.
func WithRand(r Rand) Option {
	return func(c *core) { c.rng = r }
}

// WithMaxAttempts overrides the CAS retry budget from the rules catalog.
func WithMaxAttempts(n int) Option {
	return func(c *core) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the base pause between CAS attempts.
func WithBackoff(d time.Duration) Option {
	return func(c *core) { c.backoff = d }
}

// WithParallelism bounds per-user fan-out in background sweeps.
func WithParallelism(n int) Option {
	return func(c *core) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// WithPublisher sets where AlertService.Dispatch delivers alerts.
func WithPublisher(p domain.AlertPublisher) Option {
	return func(c *core) { c.publisher = p }
}

// Engine bundles the services over one store and rules catalog.
type Engine struct {
	Profiles *ProfileService
	Streaks  *StreakService
	Rewards  *RewardService
	Quests   *QuestService
	Alerts   *AlertService
}

// New wires an Engine.
func New(store domain.Store, r *rules.Rules, opts ...Option) *Engine {
	c := &core{
		store:       store,
		rules:       r,
		maxAttempts: r.MaxCASAttempts,
		backoff:     5 * time.Millisecond,
		parallelism: 8,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rng == nil {
		c.rng = NewRand(time.Now().UnixNano())
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 5
	}

	return &Engine{
		Profiles: &ProfileService{core: c},
		Streaks:  &StreakService{core: c},
		Rewards:  &RewardService{core: c},
		Quests:   &QuestService{core: c},
		Alerts:   &AlertService{core: c},
	}
}

// Rules returns the catalog the engine was built with.
func (e *Engine) Rules() *rules.Rules {
	return e.Profiles.rules
}

// retry runs attempt until it returns something other than
// domain.ErrVersionConflict. Each attempt must re-read what it mutates.
func (c *core) retry(ctx context.Context, op string, attempt func() error) error {
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := attempt()
		if !errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		metrics.CASConflicts.WithLabelValues(op).Inc()
		if n >= c.maxAttempts {
			metrics.Contention.WithLabelValues(op).Inc()
			log.Warnf("[engine] %s: gave up after %d conflicting attempts", op, n)
			return fmt.Errorf("%s: %w", op, domain.ErrContention)
		}
		log.Debugf("[engine] %s: version conflict, attempt %d/%d", op, n, c.maxAttempts)
		if err := pause(ctx, jitter(c.backoff*time.Duration(n))); err != nil {
			return err
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter spreads d over [d, 2d) so colliding writers do not retry in step.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d)))
}

// stamp normalizes now to the precision the store persists.
func stamp(now time.Time) time.Time {
	return now.UTC().Truncate(time.Millisecond)
}

func validUserID(userID string) error {
	if userID == "" || len(userID) > maxUserIDLen {
		return fmt.Errorf("%w: user id must be 1-%d bytes", domain.ErrInvalidRequest, maxUserIDLen)
	}
	return nil
}

func (c *core) event(p *domain.Profile, src domain.RewardSource, rarity domain.Rarity, g domain.Grant, now time.Time) domain.RewardEvent {
	return domain.RewardEvent{
		ID:             c.newID(),
		UserID:         p.UserID,
		Source:         src,
		Rarity:         rarity,
		RewardType:     g.Type,
		RewardValue:    g.Value,
		ProfileVersion: p.Version + 1,
		Timestamp:      now,
	}
}

func countIssued(events []domain.RewardEvent) {
	for _, e := range events {
		metrics.RewardsIssued.WithLabelValues(string(e.Source), string(e.RewardType)).Add(float64(e.RewardValue))
	}
}

// forEachUser pages through every enrolled user and runs fn with bounded
// parallelism, summing fn's counts into total. Per-user errors are logged
// and do not stop the fan-out; only listing failures are returned.
func (c *core) forEachUser(ctx context.Context, fn func(ctx context.Context, userID string) (int, error), total *int) error {
	after := ""
	for {
		ids, err := c.store.ListUserIDs(ctx, after, 200)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		counts := make([]int, len(ids))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.parallelism)
		for i, id := range ids {
			i, id := i, id
			g.Go(func() error {
				n, err := fn(gctx, id)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					log.Warnf("[engine] user %s: %v", id, err)
					return nil
				}
				counts[i] = n
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, n := range counts {
			*total += n
		}
		after = ids[len(ids)-1]
	}
}
