package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

type PostgresRepository struct {
	db *sql.DB // using database/sql
}

func (p *PostgresRepository) StoreEvent(ctx context.Context, event *Event) (int64, error) {
	var eventID int64
	err := p.withTransaction(ctx, "StoreEvent", func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`INSERT INTO events (upstream_delivery_id, event_type, payload_hash, payload_size, payload_data, headers_data, received_at, status)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			event.DeliveryID, event.EventType, event.PayloadHash, event.PayloadSize,
			event.Payload, event.HeadersData, event.ReceivedAt, StatusPending)
		if err := row.Scan(&eventID); err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return ErrAlreadyExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	event.ID = eventID
	event.Status = StatusPending
	return eventID, nil
}

func (p *PostgresRepository) GetEvent(ctx context.Context, eventID int64) (*Event, error) {
	var event Event
	err := p.withTransaction(ctx, "GetEvent", func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, upstream_delivery_id, event_type, payload_hash, payload_size, payload_data, headers_data, received_at, processed_at, status
             FROM events WHERE id=$1`, eventID)
		var processedAt sql.NullTime
		if err := row.Scan(&event.ID, &event.DeliveryID, &event.EventType, &event.PayloadHash,
			&event.PayloadSize, &event.Payload, &event.HeadersData, &event.ReceivedAt,
			&processedAt, &event.Status); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if processedAt.Valid {
			event.ProcessedAt = &processedAt.Time
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (p *PostgresRepository) SetEventStatus(ctx context.Context, eventID int64, status Status) error {
	return p.withTransaction(ctx, "SetEventStatus", func(ctx context.Context, tx *sql.Tx) error {
		if terminal(status) {
			_, err := tx.ExecContext(ctx,
				`UPDATE events SET status=$1, processed_at=$2 WHERE id=$3`,
				status, time.Now(), eventID)
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE events SET status=$1 WHERE id=$2`,
			status, eventID)
		return err
	})
}

func (p *PostgresRepository) EventStats(ctx context.Context) (EventStats, error) {
	var stats EventStats
	err := p.withTransaction(ctx, "EventStats", func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT COUNT(*),
                    COUNT(*) FILTER (WHERE status='pending'),
                    COUNT(*) FILTER (WHERE status IN ('failed', 'dead-letter')),
                    COUNT(*) FILTER (WHERE status='completed')
             FROM events`)
		return row.Scan(&stats.Total, &stats.Pending, &stats.Failed, &stats.Completed)
	})
	return stats, err
}

func (p *PostgresRepository) FailureRate(ctx context.Context, window time.Duration) (float64, error) {
	var total, failed int64
	err := p.withTransaction(ctx, "FailureRate", func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT COUNT(*),
                    COUNT(*) FILTER (WHERE status IN ('failed', 'dead-letter'))
             FROM events WHERE received_at > $1`, time.Now().Add(-window))
		return row.Scan(&total, &failed)
	})
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

func (p *PostgresRepository) RecordAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	return p.withTransaction(ctx, "RecordAttempt", func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`INSERT INTO delivery_attempts (event_id, subscriber_id, attempt_number, status_code, error_message, attempted_at, duration_ms, next_retry_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			attempt.EventID, attempt.SubscriberID, attempt.AttemptNumber,
			attempt.StatusCode, attempt.ErrorMessage, attempt.AttemptedAt,
			attempt.DurationMs, attempt.NextRetryAt)
		return row.Scan(&attempt.ID)
	})
}

func (p *PostgresRepository) ScheduleRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int, when time.Time) error {
	return p.withTransaction(ctx, "ScheduleRetry", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE delivery_attempts SET next_retry_at=$1 WHERE event_id=$2 AND subscriber_id=$3 AND attempt_number=$4`,
			when, eventID, subscriberID, attemptNumber)
		return err
	})
}

func (p *PostgresRepository) ClearRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int) error {
	return p.withTransaction(ctx, "ClearRetry", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE delivery_attempts SET next_retry_at=NULL WHERE event_id=$1 AND subscriber_id=$2 AND attempt_number=$3`,
			eventID, subscriberID, attemptNumber)
		return err
	})
}

// PendingRetries claims due retry rows by clearing next_retry_at in the same
// statement that selects them. FOR UPDATE SKIP LOCKED keeps concurrent pollers
// from blocking on or double-claiming the same rows.
func (p *PostgresRepository) PendingRetries(ctx context.Context, limit int) ([]RetryTask, error) {
	var tasks []RetryTask
	err := p.withTransaction(ctx, "PendingRetries", func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`UPDATE delivery_attempts da SET next_retry_at = NULL
             FROM events e
             WHERE da.id IN (
                 SELECT id FROM delivery_attempts
                 WHERE next_retry_at IS NOT NULL AND next_retry_at <= $1
                 ORDER BY next_retry_at ASC
                 LIMIT $2
                 FOR UPDATE SKIP LOCKED)
             AND e.id = da.event_id
             RETURNING da.event_id, da.subscriber_id, da.attempt_number, e.event_type, e.upstream_delivery_id, e.payload_data, e.headers_data`,
			time.Now(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var task RetryTask
			if err := rows.Scan(&task.EventID, &task.SubscriberID, &task.AttemptNumber,
				&task.EventType, &task.DeliveryID, &task.Payload, &task.HeadersData); err != nil {
				return err
			}
			task.NextAttempt = task.AttemptNumber + 1
			tasks = append(tasks, task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (p *PostgresRepository) HasScheduledRetries(ctx context.Context, eventID int64) (bool, error) {
	var scheduled bool
	err := p.withTransaction(ctx, "HasScheduledRetries", func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM delivery_attempts WHERE event_id=$1 AND next_retry_at IS NOT NULL)`,
			eventID)
		return row.Scan(&scheduled)
	})
	return scheduled, err
}

// HasPermanentFailure checks each subscriber's latest attempt for the event:
// a non-2xx (or absent) status with no retry scheduled means that subscriber
// failed for good.
func (p *PostgresRepository) HasPermanentFailure(ctx context.Context, eventID int64) (bool, error) {
	var failed bool
	err := p.withTransaction(ctx, "HasPermanentFailure", func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT EXISTS(
                 SELECT 1 FROM delivery_attempts da
                 WHERE da.event_id=$1
                   AND da.next_retry_at IS NULL
                   AND (da.status_code IS NULL OR da.status_code < 200 OR da.status_code >= 300)
                   AND da.attempt_number = (
                       SELECT MAX(attempt_number) FROM delivery_attempts
                       WHERE event_id=da.event_id AND subscriber_id=da.subscriber_id))`,
			eventID)
		return row.Scan(&failed)
	})
	return failed, err
}

func (p *PostgresRepository) GetSubscriber(ctx context.Context, subscriberID int64) (*Subscriber, error) {
	var sub Subscriber
	err := p.withTransaction(ctx, "GetSubscriber", func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, name, events FROM subscribers WHERE id=$1`, subscriberID)
		var events string
		if err := row.Scan(&sub.ID, &sub.Name, &events); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		sub.Events = splitEvents(events)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (p *PostgresRepository) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	var subs []Subscriber
	err := p.withTransaction(ctx, "ListSubscribers", func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, name, events FROM subscribers ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var sub Subscriber
			var events string
			if err := rows.Scan(&sub.ID, &sub.Name, &events); err != nil {
				return err
			}
			sub.Events = splitEvents(events)
			subs = append(subs, sub)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (p *PostgresRepository) GetTransportFor(ctx context.Context, subscriberID int64) (*TransportBinding, error) {
	var binding TransportBinding
	err := p.withTransaction(ctx, "GetTransportFor", func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, subscriber_id, name, config FROM transports WHERE subscriber_id=$1`, subscriberID)
		if err := row.Scan(&binding.ID, &binding.SubscriberID, &binding.Name, &binding.Config); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

func (p *PostgresRepository) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresRepository) Close(ctx context.Context) error {
	return p.db.Close()
}

func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tracer := otel.Tracer("event-router")
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	startTime := time.Now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, 1, time.Since(startTime))
	return nil
}

func splitEvents(events string) []string {
	if events == "" {
		return nil
	}
	parts := strings.Split(events, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
