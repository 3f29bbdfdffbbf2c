package store

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyExists is returned by StoreEvent when an event with the same
// upstream delivery identifier has already been stored.
var ErrAlreadyExists = errors.New("event already exists")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository defines the persistence operations of the event store.
type Repository interface {
	// StoreEvent atomically inserts a new event with status pending and
	// returns its id. Duplicate delivery ids return ErrAlreadyExists.
	StoreEvent(ctx context.Context, event *Event) (int64, error)
	// GetEvent retrieves an event by id.
	GetEvent(ctx context.Context, eventID int64) (*Event, error)
	// SetEventStatus sets the processing status. Idempotent; terminal
	// transitions also stamp processed_at.
	SetEventStatus(ctx context.Context, eventID int64, status Status) error
	// EventStats returns aggregate event counts.
	EventStats(ctx context.Context) (EventStats, error)
	// FailureRate returns the fraction of events received within the window
	// that ended up failed or dead-letter.
	FailureRate(ctx context.Context, window time.Duration) (float64, error)

	// RecordAttempt appends a delivery attempt row.
	RecordAttempt(ctx context.Context, attempt *DeliveryAttempt) error
	// ScheduleRetry sets next_retry_at on the given attempt row.
	ScheduleRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int, when time.Time) error
	// ClearRetry nulls next_retry_at on the given attempt row.
	ClearRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int) error
	// PendingRetries claims up to limit retry tasks whose next_retry_at is
	// due, ordered by next_retry_at ascending. Claiming clears next_retry_at
	// in the same atomic operation so concurrent pollers never return the
	// same row.
	PendingRetries(ctx context.Context, limit int) ([]RetryTask, error)
	// HasScheduledRetries reports whether any attempt row for the event still
	// has a non-null next_retry_at.
	HasScheduledRetries(ctx context.Context, eventID int64) (bool, error)
	// HasPermanentFailure reports whether any subscriber's latest attempt for
	// the event was unsuccessful with no retry scheduled.
	HasPermanentFailure(ctx context.Context, eventID int64) (bool, error)

	// GetSubscriber retrieves a subscriber by id.
	GetSubscriber(ctx context.Context, subscriberID int64) (*Subscriber, error)
	// ListSubscribers returns all subscribers.
	ListSubscribers(ctx context.Context) ([]Subscriber, error)
	// GetTransportFor returns the transport binding owned by the subscriber.
	GetTransportFor(ctx context.Context, subscriberID int64) (*TransportBinding, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying connections.
	Close(ctx context.Context) error
}
