package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const receivePollInterval = 20 * time.Millisecond

type memoryEntry struct {
	message        Message
	invisibleUntil time.Time
}

// MemoryQueue implements the queue contract in process. Durability equals
// process lifetime; leases and delays are honored by timestamp comparison, so
// an expired lease makes the message receivable again without a sweeper.
type MemoryQueue struct {
	mu                sync.Mutex
	entries           map[string]*memoryEntry
	visibilityTimeout time.Duration
	maxAttempts       int
	closed            bool
}

func NewMemoryQueue(visibilityTimeout time.Duration, maxAttempts int) *MemoryQueue {
	return &MemoryQueue{
		entries:           make(map[string]*memoryEntry),
		visibilityTimeout: visibilityTimeout,
		maxAttempts:       maxAttempts,
	}
}

func (q *MemoryQueue) Send(ctx context.Context, job FanoutJob, opts SendOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.NewString()
	message := Message{
		ID:          id,
		Data:        job,
		Timestamp:   time.Now(),
		MaxAttempts: q.maxAttempts,
	}
	entry := &memoryEntry{message: message}
	if opts.Delay > 0 {
		until := time.Now().Add(opts.Delay)
		entry.message.DelayUntil = &until
		entry.invisibleUntil = until
	}
	q.entries[id] = entry
	return id, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error) {
	deadline := time.Now().Add(waitTime)
	for {
		messages := q.receiveVisible(maxMessages)
		if len(messages) > 0 {
			return messages, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receivePollInterval):
		}
	}
}

func (q *MemoryQueue) receiveVisible(maxMessages int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var visible []*memoryEntry
	for _, entry := range q.entries {
		if entry.invisibleUntil.Before(now) || entry.invisibleUntil.Equal(now) {
			visible = append(visible, entry)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		return visible[i].message.Timestamp.Before(visible[j].message.Timestamp)
	})
	if len(visible) > maxMessages {
		visible = visible[:maxMessages]
	}

	messages := make([]Message, 0, len(visible))
	for _, entry := range visible {
		entry.message.Attempts++
		entry.message.DelayUntil = nil
		entry.invisibleUntil = now.Add(q.visibilityTimeout)
		messages = append(messages, entry.message)
	}
	return messages
}

func (q *MemoryQueue) Delete(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[messageID]; !ok {
		return ErrMessageNotFound
	}
	delete(q.entries, messageID)
	return nil
}

func (q *MemoryQueue) ChangeVisibility(ctx context.Context, messageID string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	entry.invisibleUntil = time.Now().Add(d)
	return nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var stats Stats
	for _, entry := range q.entries {
		switch {
		case entry.message.DelayUntil != nil && entry.message.DelayUntil.After(now):
			stats.Delayed++
		case entry.invisibleUntil.After(now):
			stats.InFlight++
		default:
			stats.Approximate++
		}
	}
	return stats, nil
}

func (q *MemoryQueue) Purge(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]*memoryEntry)
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.entries = make(map[string]*memoryEntry)
	return nil
}

func (q *MemoryQueue) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

func (q *MemoryQueue) Kind() string {
	return "memory"
}
