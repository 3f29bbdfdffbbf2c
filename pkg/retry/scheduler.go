package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coopernetes/github-event-router/pkg/store"
)

// Processor re-executes a claimed retry task. Implemented by the delivery
// engine.
type Processor interface {
	ProcessRetry(ctx context.Context, task store.RetryTask) error
}

// Scheduler polls the store for due retries and hands them to the processor.
// Claimed tasks whose processing returns an error, and tasks left unprocessed
// when the loop is cancelled mid-batch, are re-scheduled. The claim clears
// next_retry_at up front, so claims held by a process that dies mid-batch are
// not restored.
type Scheduler struct {
	repo      store.Repository
	processor Processor
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	tracer    trace.Tracer

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewScheduler(repo store.Repository, processor Processor, interval time.Duration, batchSize int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		repo:      repo,
		processor: processor,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "retry-scheduler")),
		tracer:    otel.Tracer("event-router"),
	}
}

// Start launches the poll loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Stop cancels the loop and waits for the current batch to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runBatch(ctx)
		}
	}
}

func (s *Scheduler) runBatch(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "RetryBatch")
	defer span.End()

	tasks, err := s.repo.PendingRetries(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("failed to fetch pending retries", "error", err)
		span.RecordError(err)
		return
	}
	span.SetAttributes(attribute.Int("retry.batch_size", len(tasks)))

	for _, task := range tasks {
		if ctx.Err() != nil {
			// Shutting down mid-batch: hand unprocessed claims back.
			s.reschedule(task)
			continue
		}
		if err := s.processor.ProcessRetry(ctx, task); err != nil {
			s.logger.Error("retry processing failed",
				"event_id", task.EventID,
				"subscriber_id", task.SubscriberID,
				"attempt", task.NextAttempt,
				"error", err)
			span.RecordError(err)
			s.reschedule(task)
		}
	}
}

// reschedule restores the claim on a task that could not be executed, so the
// next tick picks it up again.
func (s *Scheduler) reschedule(task store.RetryTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.ScheduleRetry(ctx, task.EventID, task.SubscriberID, task.AttemptNumber, time.Now()); err != nil {
		s.logger.Error("failed to reschedule retry",
			"event_id", task.EventID,
			"subscriber_id", task.SubscriberID,
			"error", err)
	}
}
