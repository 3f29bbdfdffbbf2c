package store

import "time"

// Status represents the processing status of a stored webhook event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead-letter"
)

// Event represents a webhook event persisted by the ingest receiver.
type Event struct {
	ID          int64      `json:"id"`
	DeliveryID  string     `json:"delivery_id"` // upstream delivery identifier, unique
	EventType   string     `json:"event_type"`
	PayloadHash string     `json:"payload_hash"` // hex SHA-256 of the raw payload
	PayloadSize int        `json:"payload_size"`
	Payload     string     `json:"payload"`
	HeadersData string     `json:"headers_data"` // encrypted header bundle
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Status      Status     `json:"status"`
}

// DeliveryAttempt records one delivery try for an (event, subscriber) pair.
// Attempt numbers are dense starting at 1. At most one row per pair carries a
// non-null NextRetryAt at any time.
type DeliveryAttempt struct {
	ID            int64      `json:"id"`
	EventID       int64      `json:"event_id"`
	SubscriberID  int64      `json:"subscriber_id"`
	AttemptNumber int        `json:"attempt_number"`
	StatusCode    *int       `json:"status_code,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	AttemptedAt   time.Time  `json:"attempted_at"`
	DurationMs    *int64     `json:"duration_ms,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
}

// EventStats is the aggregate view served on the readiness endpoint.
type EventStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

// RetryTask is the join of a due delivery attempt with its event, carrying
// enough state to re-execute the delivery without another event lookup.
type RetryTask struct {
	EventID       int64  `json:"event_id"`
	SubscriberID  int64  `json:"subscriber_id"`
	AttemptNumber int    `json:"attempt_number"` // the attempt that scheduled this retry
	NextAttempt   int    `json:"next_attempt"`
	EventType     string `json:"event_type"`
	DeliveryID    string `json:"delivery_id"`
	Payload       string `json:"payload"`
	HeadersData   string `json:"headers_data"`
}
