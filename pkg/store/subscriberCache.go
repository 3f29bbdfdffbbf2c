package store

import (
	"context"
	"sync"
	"time"
)

const defaultCacheTTL = 30 * time.Second

// SubscriberCache is a read-mostly process-local cache over the subscriber
// tables. The management surface bumps the version on mutation via
// Invalidate; reads reload when the version has advanced or the TTL elapsed.
type SubscriberCache struct {
	repo Repository
	ttl  time.Duration

	mu          sync.RWMutex
	version     int64
	loadedAt    time.Time
	loadedVer   int64
	subscribers []Subscriber
	transports  map[int64]*TransportBinding
}

func NewSubscriberCache(repo Repository, ttl time.Duration) *SubscriberCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &SubscriberCache{
		repo:       repo,
		ttl:        ttl,
		transports: make(map[int64]*TransportBinding),
	}
}

// Invalidate bumps the version counter. The next read reloads from the store.
func (c *SubscriberCache) Invalidate() {
	c.mu.Lock()
	c.version++
	c.mu.Unlock()
}

// Matching returns the subscribers whose event set contains eventType.
func (c *SubscriberCache) Matching(ctx context.Context, eventType string) ([]Subscriber, error) {
	subs, err := c.Subscribers(ctx)
	if err != nil {
		return nil, err
	}
	var matching []Subscriber
	for _, sub := range subs {
		if sub.WantsEvent(eventType) {
			matching = append(matching, sub)
		}
	}
	return matching, nil
}

// Subscribers returns the cached subscriber list, reloading if stale.
func (c *SubscriberCache) Subscribers(ctx context.Context) ([]Subscriber, error) {
	c.mu.RLock()
	if c.fresh() {
		subs := c.subscribers
		c.mu.RUnlock()
		return subs, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fresh() {
		return c.subscribers, nil
	}

	subs, err := c.repo.ListSubscribers(ctx)
	if err != nil {
		return nil, err
	}
	c.subscribers = subs
	c.transports = make(map[int64]*TransportBinding)
	c.loadedAt = time.Now()
	c.loadedVer = c.version
	return subs, nil
}

// TransportFor returns the transport binding for a subscriber, caching per
// subscriber until the next invalidation.
func (c *SubscriberCache) TransportFor(ctx context.Context, subscriberID int64) (*TransportBinding, error) {
	c.mu.RLock()
	if c.fresh() {
		if binding, ok := c.transports[subscriberID]; ok {
			c.mu.RUnlock()
			return binding, nil
		}
	}
	c.mu.RUnlock()

	binding, err := c.repo.GetTransportFor(ctx, subscriberID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.fresh() {
		c.transports[subscriberID] = binding
	}
	c.mu.Unlock()
	return binding, nil
}

// fresh must be called with at least a read lock held.
func (c *SubscriberCache) fresh() bool {
	return !c.loadedAt.IsZero() && c.loadedVer == c.version && time.Since(c.loadedAt) < c.ttl
}
