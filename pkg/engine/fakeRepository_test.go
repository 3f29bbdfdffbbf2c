package engine

import (
	"context"
	"sync"
	"time"

	"github.com/coopernetes/github-event-router/pkg/store"
)

// memoryRepository is an in-memory store.Repository for engine tests.
type memoryRepository struct {
	mu          sync.Mutex
	nextEventID int64
	events      map[int64]*store.Event
	attempts    []*store.DeliveryAttempt
	subscribers map[int64]store.Subscriber
	transports  map[int64]*store.TransportBinding
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		events:      make(map[int64]*store.Event),
		subscribers: make(map[int64]store.Subscriber),
		transports:  make(map[int64]*store.TransportBinding),
	}
}

func (r *memoryRepository) addSubscriber(sub store.Subscriber, binding *store.TransportBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[sub.ID] = sub
	if binding != nil {
		r.transports[sub.ID] = binding
	}
}

func (r *memoryRepository) removeSubscriber(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, id)
	delete(r.transports, id)
}

func (r *memoryRepository) attemptsFor(eventID, subscriberID int64) []*store.DeliveryAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rows []*store.DeliveryAttempt
	for _, attempt := range r.attempts {
		if attempt.EventID == eventID && attempt.SubscriberID == subscriberID {
			rows = append(rows, attempt)
		}
	}
	return rows
}

func (r *memoryRepository) eventStatus(eventID int64) store.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event, ok := r.events[eventID]; ok {
		return event.Status
	}
	return ""
}

func (r *memoryRepository) StoreEvent(ctx context.Context, event *store.Event) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.events {
		if existing.DeliveryID == event.DeliveryID {
			return 0, store.ErrAlreadyExists
		}
	}
	r.nextEventID++
	event.ID = r.nextEventID
	event.Status = store.StatusPending
	copied := *event
	r.events[event.ID] = &copied
	return event.ID, nil
}

func (r *memoryRepository) GetEvent(ctx context.Context, eventID int64) (*store.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *event
	return &copied, nil
}

func (r *memoryRepository) SetEventStatus(ctx context.Context, eventID int64, status store.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event, ok := r.events[eventID]; ok {
		event.Status = status
	}
	return nil
}

func (r *memoryRepository) EventStats(ctx context.Context) (store.EventStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stats store.EventStats
	for _, event := range r.events {
		stats.Total++
		switch event.Status {
		case store.StatusPending:
			stats.Pending++
		case store.StatusCompleted:
			stats.Completed++
		case store.StatusFailed, store.StatusDeadLetter:
			stats.Failed++
		}
	}
	return stats, nil
}

func (r *memoryRepository) FailureRate(ctx context.Context, window time.Duration) (float64, error) {
	return 0, nil
}

func (r *memoryRepository) RecordAttempt(ctx context.Context, attempt *store.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *attempt
	copied.ID = int64(len(r.attempts) + 1)
	r.attempts = append(r.attempts, &copied)
	attempt.ID = copied.ID
	return nil
}

func (r *memoryRepository) ScheduleRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int, when time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, attempt := range r.attempts {
		if attempt.EventID == eventID && attempt.SubscriberID == subscriberID && attempt.AttemptNumber == attemptNumber {
			scheduled := when
			attempt.NextRetryAt = &scheduled
		}
	}
	return nil
}

func (r *memoryRepository) ClearRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, attempt := range r.attempts {
		if attempt.EventID == eventID && attempt.SubscriberID == subscriberID && attempt.AttemptNumber == attemptNumber {
			attempt.NextRetryAt = nil
		}
	}
	return nil
}

func (r *memoryRepository) PendingRetries(ctx context.Context, limit int) ([]store.RetryTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var tasks []store.RetryTask
	for _, attempt := range r.attempts {
		if len(tasks) == limit {
			break
		}
		if attempt.NextRetryAt == nil || attempt.NextRetryAt.After(now) {
			continue
		}
		event := r.events[attempt.EventID]
		attempt.NextRetryAt = nil // claim
		tasks = append(tasks, store.RetryTask{
			EventID:       attempt.EventID,
			SubscriberID:  attempt.SubscriberID,
			AttemptNumber: attempt.AttemptNumber,
			NextAttempt:   attempt.AttemptNumber + 1,
			EventType:     event.EventType,
			DeliveryID:    event.DeliveryID,
			Payload:       event.Payload,
			HeadersData:   event.HeadersData,
		})
	}
	return tasks, nil
}

func (r *memoryRepository) HasScheduledRetries(ctx context.Context, eventID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, attempt := range r.attempts {
		if attempt.EventID == eventID && attempt.NextRetryAt != nil {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepository) HasPermanentFailure(ctx context.Context, eventID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := make(map[int64]*store.DeliveryAttempt)
	for _, attempt := range r.attempts {
		if attempt.EventID != eventID {
			continue
		}
		if current, ok := latest[attempt.SubscriberID]; !ok || attempt.AttemptNumber > current.AttemptNumber {
			latest[attempt.SubscriberID] = attempt
		}
	}
	for _, attempt := range latest {
		if attempt.NextRetryAt != nil {
			continue
		}
		if attempt.StatusCode == nil || *attempt.StatusCode < 200 || *attempt.StatusCode >= 300 {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepository) GetSubscriber(ctx context.Context, subscriberID int64) (*store.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscribers[subscriberID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sub, nil
}

func (r *memoryRepository) ListSubscribers(ctx context.Context) ([]store.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var subs []store.Subscriber
	for _, sub := range r.subscribers {
		subs = append(subs, sub)
	}
	return subs, nil
}

func (r *memoryRepository) GetTransportFor(ctx context.Context, subscriberID int64) (*store.TransportBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	binding, ok := r.transports[subscriberID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return binding, nil
}

func (r *memoryRepository) Ping(ctx context.Context) error  { return nil }
func (r *memoryRepository) Close(ctx context.Context) error { return nil }
