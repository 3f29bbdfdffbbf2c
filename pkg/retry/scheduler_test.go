package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coopernetes/github-event-router/pkg/store"
)

type schedulerRepo struct {
	mu          sync.Mutex
	tasks       []store.RetryTask
	rescheduled []store.RetryTask
}

func (r *schedulerRepo) PendingRetries(ctx context.Context, limit int) ([]store.RetryTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) == 0 {
		return nil, nil
	}
	if limit > len(r.tasks) {
		limit = len(r.tasks)
	}
	batch := r.tasks[:limit]
	r.tasks = r.tasks[limit:]
	return batch, nil
}

func (r *schedulerRepo) ScheduleRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int, when time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rescheduled = append(r.rescheduled, store.RetryTask{
		EventID:       eventID,
		SubscriberID:  subscriberID,
		AttemptNumber: attemptNumber,
	})
	return nil
}

func (r *schedulerRepo) StoreEvent(ctx context.Context, event *store.Event) (int64, error) {
	return 0, nil
}
func (r *schedulerRepo) GetEvent(ctx context.Context, eventID int64) (*store.Event, error) {
	return nil, store.ErrNotFound
}
func (r *schedulerRepo) SetEventStatus(ctx context.Context, eventID int64, status store.Status) error {
	return nil
}
func (r *schedulerRepo) EventStats(ctx context.Context) (store.EventStats, error) {
	return store.EventStats{}, nil
}
func (r *schedulerRepo) FailureRate(ctx context.Context, window time.Duration) (float64, error) {
	return 0, nil
}
func (r *schedulerRepo) RecordAttempt(ctx context.Context, attempt *store.DeliveryAttempt) error {
	return nil
}
func (r *schedulerRepo) ClearRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int) error {
	return nil
}
func (r *schedulerRepo) HasScheduledRetries(ctx context.Context, eventID int64) (bool, error) {
	return false, nil
}
func (r *schedulerRepo) HasPermanentFailure(ctx context.Context, eventID int64) (bool, error) {
	return false, nil
}
func (r *schedulerRepo) GetSubscriber(ctx context.Context, subscriberID int64) (*store.Subscriber, error) {
	return nil, store.ErrNotFound
}
func (r *schedulerRepo) ListSubscribers(ctx context.Context) ([]store.Subscriber, error) {
	return nil, nil
}
func (r *schedulerRepo) GetTransportFor(ctx context.Context, subscriberID int64) (*store.TransportBinding, error) {
	return nil, store.ErrNotFound
}
func (r *schedulerRepo) Ping(ctx context.Context) error  { return nil }
func (r *schedulerRepo) Close(ctx context.Context) error { return nil }

type recordingProcessor struct {
	mu        sync.Mutex
	processed []store.RetryTask
	err       error
}

func (p *recordingProcessor) ProcessRetry(ctx context.Context, task store.RetryTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = append(p.processed, task)
	return p.err
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

func TestSchedulerProcessesDueTasks(t *testing.T) {
	repo := &schedulerRepo{
		tasks: []store.RetryTask{
			{EventID: 7, SubscriberID: 2, AttemptNumber: 1, NextAttempt: 2},
			{EventID: 8, SubscriberID: 3, AttemptNumber: 2, NextAttempt: 3},
		},
	}
	processor := &recordingProcessor{}

	scheduler := NewScheduler(repo, processor, 10*time.Millisecond, 10, nil)
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	assert.Eventually(t, func() bool {
		return processor.count() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestSchedulerReschedulesFailedTasks(t *testing.T) {
	repo := &schedulerRepo{
		tasks: []store.RetryTask{
			{EventID: 7, SubscriberID: 2, AttemptNumber: 1, NextAttempt: 2},
		},
	}
	processor := &recordingProcessor{err: errors.New("store unreachable")}

	scheduler := NewScheduler(repo, processor, 10*time.Millisecond, 10, nil)
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	assert.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.rescheduled) == 1
	}, time.Second, 10*time.Millisecond)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, int64(7), repo.rescheduled[0].EventID)
	assert.Equal(t, 1, repo.rescheduled[0].AttemptNumber)
}

func TestSchedulerStopAwaitsCurrentBatch(t *testing.T) {
	repo := &schedulerRepo{
		tasks: []store.RetryTask{{EventID: 7, SubscriberID: 2, AttemptNumber: 1, NextAttempt: 2}},
	}
	processor := &recordingProcessor{}

	scheduler := NewScheduler(repo, processor, 10*time.Millisecond, 10, nil)
	scheduler.Start(context.Background())

	assert.Eventually(t, func() bool {
		return processor.count() == 1
	}, time.Second, 10*time.Millisecond)

	scheduler.Stop() // must not hang
}
