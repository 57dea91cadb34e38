package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// EventStore remembers which webhook events have been applied so provider
// redeliveries are not applied twice
type EventStore interface {
	// Claim reserves eventID for processing. It returns false when the event
	// was already applied or another delivery is processing it.
	Claim(ctx context.Context, eventID string) (bool, error)

	// Complete records eventID as applied
	Complete(ctx context.Context, eventID string) error

	// Release drops a claim so a later delivery is processed again
	Release(ctx context.Context, eventID string) error
}

const (
	eventKeyPrefix = "qp:webhook:event:"

	// claimTTL bounds how long a crashed delivery blocks redeliveries
	claimTTL = 5 * time.Minute

	claimPending = "pending"
	claimDone    = "done"
)

// RedisEventStore keeps event ids in Redis
type RedisEventStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEventStore creates a store whose applied markers live for ttl
func NewRedisEventStore(client *redis.Client, ttl time.Duration) *RedisEventStore {
	return &RedisEventStore{client: client, ttl: ttl}
}

func eventKey(eventID string) string {
	return eventKeyPrefix + eventID
}

// Claim sets a short-lived pending marker if none exists
func (s *RedisEventStore) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, eventKey(eventID), claimPending, claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim event %s: %w", eventID, err)
	}
	return ok, nil
}

// Complete replaces the claim with a marker that lives for the dedupe TTL
func (s *RedisEventStore) Complete(ctx context.Context, eventID string) error {
	if err := s.client.Set(ctx, eventKey(eventID), claimDone, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record event %s: %w", eventID, err)
	}
	return nil
}

// Release deletes the claim
func (s *RedisEventStore) Release(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, eventKey(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release event %s: %w", eventID, err)
	}
	return nil
}

// MemoryEventStore keeps event ids in a bounded in-process cache. Pending
// claims go stale after claimTTL, like their Redis counterparts.
type MemoryEventStore struct {
	mu     sync.Mutex
	events *lru.LRU[string, eventMark]
	now    func() time.Time
}

type eventMark struct {
	state     string
	claimedAt time.Time
}

// NewMemoryEventStore creates a store remembering up to size events for ttl
func NewMemoryEventStore(size int, ttl time.Duration) *MemoryEventStore {
	if size <= 0 {
		size = 10000
	}
	return &MemoryEventStore{
		events: lru.NewLRU[string, eventMark](size, nil, ttl),
		now:    time.Now,
	}
}

// Claim marks eventID pending if it is unknown or its claim went stale
func (s *MemoryEventStore) Claim(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if mark, ok := s.events.Get(eventID); ok {
		if mark.state == claimDone || now.Sub(mark.claimedAt) < claimTTL {
			return false, nil
		}
	}
	s.events.Add(eventID, eventMark{state: claimPending, claimedAt: now})
	return true, nil
}

// Complete marks eventID applied
func (s *MemoryEventStore) Complete(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events.Add(eventID, eventMark{state: claimDone, claimedAt: s.now()})
	return nil
}

// Release forgets eventID
func (s *MemoryEventStore) Release(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events.Remove(eventID)
	return nil
}

var (
	_ EventStore = (*RedisEventStore)(nil)
	_ EventStore = (*MemoryEventStore)(nil)
)
