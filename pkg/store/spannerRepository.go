package store

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

type SpannerRepository struct {
	client *spanner.Client
}

func (s *SpannerRepository) StoreEvent(ctx context.Context, event *Event) (int64, error) {
	var eventID int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		// Replays surface here before the counter is consumed.
		dupStmt := spanner.Statement{
			SQL:    `SELECT id FROM events WHERE upstream_delivery_id = @deliveryID`,
			Params: map[string]interface{}{"deliveryID": event.DeliveryID},
		}
		iter := txn.Query(ctx, dupStmt)
		defer iter.Stop()
		if _, err := iter.Next(); err != iterator.Done {
			if err == nil {
				return ErrAlreadyExists
			}
			return err
		}

		id, err := s.nextSequence(ctx, txn, "events")
		if err != nil {
			return err
		}

		stmt := spanner.Statement{
			SQL: `INSERT INTO events (id, upstream_delivery_id, event_type, payload_hash, payload_size, payload_data, headers_data, received_at, status)
                  VALUES (@id, @deliveryID, @eventType, @payloadHash, @payloadSize, @payload, @headers, @receivedAt, @status)`,
			Params: map[string]interface{}{
				"id":          id,
				"deliveryID":  event.DeliveryID,
				"eventType":   event.EventType,
				"payloadHash": event.PayloadHash,
				"payloadSize": int64(event.PayloadSize),
				"payload":     event.Payload,
				"headers":     event.HeadersData,
				"receivedAt":  event.ReceivedAt,
				"status":      string(StatusPending),
			},
		}
		if _, err := txn.Update(ctx, stmt); err != nil {
			return err
		}
		eventID = id
		return nil
	})
	if err != nil {
		if spanner.ErrCode(err) == codes.AlreadyExists {
			return 0, ErrAlreadyExists
		}
		return 0, err
	}
	event.ID = eventID
	event.Status = StatusPending
	return eventID, nil
}

func (s *SpannerRepository) GetEvent(ctx context.Context, eventID int64) (*Event, error) {
	stmt := spanner.Statement{
		SQL: `SELECT id, upstream_delivery_id, event_type, payload_hash, payload_size, payload_data, headers_data, received_at, processed_at, status
              FROM events WHERE id = @id`,
		Params: map[string]interface{}{"id": eventID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var event Event
	var payloadSize int64
	var processedAt spanner.NullTime
	var status string
	if err := row.Columns(&event.ID, &event.DeliveryID, &event.EventType, &event.PayloadHash,
		&payloadSize, &event.Payload, &event.HeadersData, &event.ReceivedAt, &processedAt, &status); err != nil {
		return nil, err
	}
	event.PayloadSize = int(payloadSize)
	event.Status = Status(status)
	if processedAt.Valid {
		event.ProcessedAt = &processedAt.Time
	}
	return &event, nil
}

func (s *SpannerRepository) SetEventStatus(ctx context.Context, eventID int64, status Status) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		sql := `UPDATE events SET status = @status WHERE id = @id`
		if terminal(status) {
			sql = `UPDATE events SET status = @status, processed_at = CURRENT_TIMESTAMP() WHERE id = @id`
		}
		stmt := spanner.Statement{
			SQL: sql,
			Params: map[string]interface{}{
				"status": string(status),
				"id":     eventID,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerRepository) EventStats(ctx context.Context) (EventStats, error) {
	stmt := spanner.Statement{
		SQL: `SELECT COUNT(*),
                     COUNTIF(status = 'pending'),
                     COUNTIF(status IN ('failed', 'dead-letter')),
                     COUNTIF(status = 'completed')
              FROM events`,
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var stats EventStats
	row, err := iter.Next()
	if err != nil {
		if err == iterator.Done {
			return stats, nil
		}
		return stats, err
	}
	if err := row.Columns(&stats.Total, &stats.Pending, &stats.Failed, &stats.Completed); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *SpannerRepository) FailureRate(ctx context.Context, window time.Duration) (float64, error) {
	stmt := spanner.Statement{
		SQL: `SELECT COUNT(*), COUNTIF(status IN ('failed', 'dead-letter'))
              FROM events WHERE received_at > @since`,
		Params: map[string]interface{}{"since": time.Now().Add(-window)},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		if err == iterator.Done {
			return 0, nil
		}
		return 0, err
	}
	var total, failed int64
	if err := row.Columns(&total, &failed); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

func (s *SpannerRepository) RecordAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		id, err := s.nextSequence(ctx, txn, "delivery_attempts")
		if err != nil {
			return err
		}

		params := map[string]interface{}{
			"id":            id,
			"eventID":       attempt.EventID,
			"subscriberID":  attempt.SubscriberID,
			"attemptNumber": int64(attempt.AttemptNumber),
			"statusCode":    intPointerParam(attempt.StatusCode),
			"errorMessage":  stringPointerParam(attempt.ErrorMessage),
			"attemptedAt":   attempt.AttemptedAt,
			"durationMs":    int64PointerParam(attempt.DurationMs),
			"nextRetryAt":   timePointerParam(attempt.NextRetryAt),
		}
		stmt := spanner.Statement{
			SQL: `INSERT INTO delivery_attempts (id, event_id, subscriber_id, attempt_number, status_code, error_message, attempted_at, duration_ms, next_retry_at)
                  VALUES (@id, @eventID, @subscriberID, @attemptNumber, @statusCode, @errorMessage, @attemptedAt, @durationMs, @nextRetryAt)`,
			Params: params,
		}
		if _, err := txn.Update(ctx, stmt); err != nil {
			return err
		}
		attempt.ID = id
		return nil
	})
	return err
}

func (s *SpannerRepository) ScheduleRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int, when time.Time) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE delivery_attempts SET next_retry_at = @when
                  WHERE event_id = @eventID AND subscriber_id = @subscriberID AND attempt_number = @attemptNumber`,
			Params: map[string]interface{}{
				"when":          when,
				"eventID":       eventID,
				"subscriberID":  subscriberID,
				"attemptNumber": int64(attemptNumber),
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerRepository) ClearRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE delivery_attempts SET next_retry_at = NULL
                  WHERE event_id = @eventID AND subscriber_id = @subscriberID AND attempt_number = @attemptNumber`,
			Params: map[string]interface{}{
				"eventID":       eventID,
				"subscriberID":  subscriberID,
				"attemptNumber": int64(attemptNumber),
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

// PendingRetries selects and clears due rows inside one read-write
// transaction, which gives the same single-claim guarantee as the postgres
// UPDATE ... RETURNING form.
func (s *SpannerRepository) PendingRetries(ctx context.Context, limit int) ([]RetryTask, error) {
	var tasks []RetryTask
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		tasks = nil
		stmt := spanner.Statement{
			SQL: `SELECT da.event_id, da.subscriber_id, da.attempt_number, e.event_type, e.upstream_delivery_id, e.payload_data, e.headers_data
                  FROM delivery_attempts da JOIN events e ON e.id = da.event_id
                  WHERE da.next_retry_at IS NOT NULL AND da.next_retry_at <= @now
                  ORDER BY da.next_retry_at ASC
                  LIMIT @limit`,
			Params: map[string]interface{}{
				"now":   time.Now(),
				"limit": int64(limit),
			},
		}
		iter := txn.Query(ctx, stmt)
		defer iter.Stop()

		for {
			row, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return err
			}
			var task RetryTask
			var attemptNumber int64
			if err := row.Columns(&task.EventID, &task.SubscriberID, &attemptNumber,
				&task.EventType, &task.DeliveryID, &task.Payload, &task.HeadersData); err != nil {
				return err
			}
			task.AttemptNumber = int(attemptNumber)
			task.NextAttempt = task.AttemptNumber + 1
			tasks = append(tasks, task)
		}

		for _, task := range tasks {
			clear := spanner.Statement{
				SQL: `UPDATE delivery_attempts SET next_retry_at = NULL
                      WHERE event_id = @eventID AND subscriber_id = @subscriberID AND attempt_number = @attemptNumber`,
				Params: map[string]interface{}{
					"eventID":       task.EventID,
					"subscriberID":  task.SubscriberID,
					"attemptNumber": int64(task.AttemptNumber),
				},
			}
			if _, err := txn.Update(ctx, clear); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *SpannerRepository) HasScheduledRetries(ctx context.Context, eventID int64) (bool, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT COUNT(*) FROM delivery_attempts WHERE event_id = @eventID AND next_retry_at IS NOT NULL`,
		Params: map[string]interface{}{"eventID": eventID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		if err == iterator.Done {
			return false, nil
		}
		return false, err
	}
	var count int64
	if err := row.Columns(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// HasPermanentFailure checks each subscriber's latest attempt for the event:
// a non-2xx (or absent) status with no retry scheduled means that subscriber
// failed for good.
func (s *SpannerRepository) HasPermanentFailure(ctx context.Context, eventID int64) (bool, error) {
	stmt := spanner.Statement{
		SQL: `SELECT COUNT(*) FROM delivery_attempts da
              WHERE da.event_id = @eventID
                AND da.next_retry_at IS NULL
                AND (da.status_code IS NULL OR da.status_code < 200 OR da.status_code >= 300)
                AND da.attempt_number = (
                    SELECT MAX(attempt_number) FROM delivery_attempts
                    WHERE event_id = da.event_id AND subscriber_id = da.subscriber_id)`,
		Params: map[string]interface{}{"eventID": eventID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		if err == iterator.Done {
			return false, nil
		}
		return false, err
	}
	var count int64
	if err := row.Columns(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SpannerRepository) GetSubscriber(ctx context.Context, subscriberID int64) (*Subscriber, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT id, name, events FROM subscribers WHERE id = @id`,
		Params: map[string]interface{}{"id": subscriberID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sub Subscriber
	var events string
	if err := row.Columns(&sub.ID, &sub.Name, &events); err != nil {
		return nil, err
	}
	sub.Events = splitEvents(events)
	return &sub, nil
}

func (s *SpannerRepository) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	stmt := spanner.Statement{SQL: `SELECT id, name, events FROM subscribers ORDER BY id`}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var subs []Subscriber
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var sub Subscriber
		var events string
		if err := row.Columns(&sub.ID, &sub.Name, &events); err != nil {
			return nil, err
		}
		sub.Events = splitEvents(events)
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *SpannerRepository) GetTransportFor(ctx context.Context, subscriberID int64) (*TransportBinding, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT id, subscriber_id, name, config FROM transports WHERE subscriber_id = @subscriberID`,
		Params: map[string]interface{}{"subscriberID": subscriberID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var binding TransportBinding
	if err := row.Columns(&binding.ID, &binding.SubscriberID, &binding.Name, &binding.Config); err != nil {
		return nil, err
	}
	return &binding, nil
}

func (s *SpannerRepository) Ping(ctx context.Context) error {
	stmt := spanner.Statement{SQL: `SELECT 1`}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()
	_, err := iter.Next()
	if err == iterator.Done {
		return nil
	}
	return err
}

func (s *SpannerRepository) Close(ctx context.Context) error {
	s.client.Close()
	return nil
}

func (s *SpannerRepository) nextSequence(ctx context.Context, txn *spanner.ReadWriteTransaction, name string) (int64, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT seq FROM counters WHERE name = @name`,
		Params: map[string]interface{}{"name": name},
	}
	iter := txn.Query(ctx, stmt)
	defer iter.Stop()

	var seq int64
	row, err := iter.Next()
	if err == iterator.Done {
		seq = 0
		insert := spanner.Statement{
			SQL:    `INSERT INTO counters (name, seq) VALUES (@name, 1)`,
			Params: map[string]interface{}{"name": name},
		}
		if _, err := txn.Update(ctx, insert); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if err := row.Columns(&seq); err != nil {
		return 0, err
	}

	update := spanner.Statement{
		SQL:    `UPDATE counters SET seq = seq + 1 WHERE name = @name`,
		Params: map[string]interface{}{"name": name},
	}
	if _, err := txn.Update(ctx, update); err != nil {
		return 0, err
	}
	return seq + 1, nil
}

func intPointerParam(v *int) interface{} {
	if v == nil {
		return spanner.NullInt64{}
	}
	return spanner.NullInt64{Int64: int64(*v), Valid: true}
}

func int64PointerParam(v *int64) interface{} {
	if v == nil {
		return spanner.NullInt64{}
	}
	return spanner.NullInt64{Int64: *v, Valid: true}
}

func stringPointerParam(v *string) interface{} {
	if v == nil {
		return spanner.NullString{}
	}
	return spanner.NullString{StringVal: *v, Valid: true}
}

func timePointerParam(v *time.Time) interface{} {
	if v == nil {
		return spanner.NullTime{}
	}
	return spanner.NullTime{Time: *v, Valid: true}
}
