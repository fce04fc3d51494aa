// Package alertbus delivers derived alerts to subscribers. Each alert id is
// delivered at most once per dedup window.
package alertbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/memoryapp/gamify/internal/domain"
	"github.com/memoryapp/gamify/internal/log"
)

const (
	// DefaultChannel is the pub/sub channel alerts are published on.
	DefaultChannel = "gamify:alerts"
	// DefaultTTL is how long a delivered alert id is remembered.
	DefaultTTL = 24 * time.Hour

	seenPrefix = "gamify:alert:seen:"
)

var (
	_ domain.AlertPublisher = (*RedisPublisher)(nil)
	_ domain.AlertPublisher = (*LogPublisher)(nil)
)

// RedisPublisher claims each alert id with SETNX and publishes the alert
// as JSON on a channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	ttl     time.Duration
}

// NewRedisPublisher connects to addr. Empty channel and zero ttl fall back
// to the defaults.
func NewRedisPublisher(addr, channel string, ttl time.Duration) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
		channel: channel,
		ttl:     ttl,
	}
}

// Publish implements domain.AlertPublisher.
func (p *RedisPublisher) Publish(ctx context.Context, a domain.Alert) (bool, error) {
	key := seenPrefix + a.ID
	fresh, err := p.client.SetNX(ctx, key, a.UserID, p.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim alert %s: %w", a.ID, err)
	}
	if !fresh {
		return false, nil
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		// Release the claim so the next dispatch retries.
		if delErr := p.client.Del(ctx, key).Err(); delErr != nil {
			log.Warnf("[alertbus] release %s: %v", key, delErr)
		}
		return false, fmt.Errorf("publish alert %s: %w", a.ID, err)
	}
	return true, nil
}

// Subscribe returns a subscription to the alert channel.
func (p *RedisPublisher) Subscribe(ctx context.Context) *redis.PubSub {
	return p.client.Subscribe(ctx, p.channel)
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// LogPublisher writes alerts to the log and remembers ids in memory. It is
// used when no Redis address is configured.
type LogPublisher struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewLogPublisher returns a LogPublisher with the given dedup window.
func NewLogPublisher(ttl time.Duration) *LogPublisher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LogPublisher{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Publish implements domain.AlertPublisher.
func (p *LogPublisher) Publish(_ context.Context, a domain.Alert) (bool, error) {
	p.mu.Lock()
	now := p.now()
	for id, at := range p.seen {
		if now.Sub(at) >= p.ttl {
			delete(p.seen, id)
		}
	}
	if _, ok := p.seen[a.ID]; ok {
		p.mu.Unlock()
		return false, nil
	}
	p.seen[a.ID] = now
	p.mu.Unlock()

	log.WithFields(log.Fields{
		"alert_id": a.ID,
		"user_id":  a.UserID,
		"type":     a.Type,
		"priority": a.Priority,
	}).Info("[alertbus] " + a.Title)
	return true, nil
}
