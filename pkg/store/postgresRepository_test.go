package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestStoreEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	event := &Event{
		DeliveryID:  "D1",
		EventType:   "push",
		PayloadHash: "abc123",
		PayloadSize: 25,
		Payload:     `{"ref":"refs/heads/main"}`,
		HeadersData: `{"encrypted":"..."}`,
		ReceivedAt:  time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO events \(upstream_delivery_id, event_type, payload_hash, payload_size, payload_data, headers_data, received_at, status\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8\) RETURNING id`).
		WithArgs("D1", "push", "abc123", 25, `{"ref":"refs/heads/main"}`, `{"encrypted":"..."}`, sqlmock.AnyArg(), StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	ctx := context.Background()
	eventID, err := repo.StoreEvent(ctx, event)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), eventID)
	assert.Equal(t, int64(7), event.ID)
	assert.Equal(t, StatusPending, event.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreEventDuplicateDelivery(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO events`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	ctx := context.Background()
	_, err = repo.StoreEvent(ctx, &Event{DeliveryID: "D1", EventType: "push"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetEventStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE events SET status=\$1 WHERE id=\$2`).
		WithArgs(StatusProcessing, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	err = repo.SetEventStatus(ctx, 7, StatusProcessing)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetEventStatusTerminalStampsProcessedAt(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE events SET status=\$1, processed_at=\$2 WHERE id=\$3`).
		WithArgs(StatusCompleted, sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	err = repo.SetEventStatus(ctx, 7, StatusCompleted)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	code := 503
	message := "unexpected status 503"
	duration := int64(42)
	attempt := &DeliveryAttempt{
		EventID:       7,
		SubscriberID:  2,
		AttemptNumber: 1,
		StatusCode:    &code,
		ErrorMessage:  &message,
		AttemptedAt:   time.Now(),
		DurationMs:    &duration,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO delivery_attempts \(event_id, subscriber_id, attempt_number, status_code, error_message, attempted_at, duration_ms, next_retry_at\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8\) RETURNING id`).
		WithArgs(int64(7), int64(2), 1, &code, &message, sqlmock.AnyArg(), &duration, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()

	ctx := context.Background()
	err = repo.RecordAttempt(ctx, attempt)
	assert.NoError(t, err)
	assert.Equal(t, int64(11), attempt.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	when := time.Now().Add(100 * time.Millisecond)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE delivery_attempts SET next_retry_at=\$1 WHERE event_id=\$2 AND subscriber_id=\$3 AND attempt_number=\$4`).
		WithArgs(when, int64(7), int64(2), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	err = repo.ScheduleRetry(ctx, 7, 2, 1, when)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE delivery_attempts SET next_retry_at=NULL WHERE event_id=\$1 AND subscriber_id=\$2 AND attempt_number=\$3`).
		WithArgs(int64(7), int64(2), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	err = repo.ClearRetry(ctx, 7, 2, 1)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingRetriesClaimsRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	rows := sqlmock.NewRows([]string{"event_id", "subscriber_id", "attempt_number", "event_type", "upstream_delivery_id", "payload_data", "headers_data"}).
		AddRow(int64(7), int64(2), 1, "push", "D1", `{"ref":"refs/heads/main"}`, `{"encrypted":"..."}`).
		AddRow(int64(8), int64(3), 2, "pull_request", "D2", `{}`, `{"encrypted":"..."}`)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE delivery_attempts da SET next_retry_at = NULL FROM events e WHERE da\.id IN`).
		WithArgs(sqlmock.AnyArg(), 10).
		WillReturnRows(rows)
	mock.ExpectCommit()

	ctx := context.Background()
	tasks, err := repo.PendingRetries(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, tasks, 2)
	assert.Equal(t, int64(7), tasks[0].EventID)
	assert.Equal(t, int64(2), tasks[0].SubscriberID)
	assert.Equal(t, 1, tasks[0].AttemptNumber)
	assert.Equal(t, 2, tasks[0].NextAttempt)
	assert.Equal(t, "push", tasks[0].EventType)
	assert.Equal(t, "D1", tasks[0].DeliveryID)
	assert.Equal(t, 3, tasks[1].NextAttempt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubscriberSplitsEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, name, events FROM subscribers WHERE id=\$1`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "events"}).
			AddRow(int64(2), "ci-bot", "push, pull_request"))
	mock.ExpectCommit()

	ctx := context.Background()
	sub, err := repo.GetSubscriber(ctx, 2)
	assert.NoError(t, err)
	assert.Equal(t, "ci-bot", sub.Name)
	assert.Equal(t, []string{"push", "pull_request"}, sub.Events)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubscriberNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, name, events FROM subscribers WHERE id=\$1`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "events"}))
	mock.ExpectRollback()

	ctx := context.Background()
	_, err = repo.GetSubscriber(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\), COUNT\(\*\) FILTER \(WHERE status='pending'\), COUNT\(\*\) FILTER \(WHERE status IN \('failed', 'dead-letter'\)\), COUNT\(\*\) FILTER \(WHERE status='completed'\) FROM events`).
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "failed", "completed"}).
			AddRow(int64(10), int64(2), int64(3), int64(5)))
	mock.ExpectCommit()

	ctx := context.Background()
	stats, err := repo.EventStats(ctx)
	assert.NoError(t, err)
	assert.Equal(t, EventStats{Total: 10, Pending: 2, Failed: 3, Completed: 5}, stats)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasPermanentFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS\( SELECT 1 FROM delivery_attempts da WHERE da\.event_id=\$1 AND da\.next_retry_at IS NULL`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	ctx := context.Background()
	failed, err := repo.HasPermanentFailure(ctx, 7)
	assert.NoError(t, err)
	assert.True(t, failed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasScheduledRetries(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM delivery_attempts WHERE event_id=\$1 AND next_retry_at IS NOT NULL\)`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	ctx := context.Background()
	scheduled, err := repo.HasScheduledRetries(ctx, 7)
	assert.NoError(t, err)
	assert.True(t, scheduled)

	assert.NoError(t, mock.ExpectationsWereMet())
}
