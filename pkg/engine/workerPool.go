package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coopernetes/github-event-router/pkg/queue"
	"github.com/coopernetes/github-event-router/pkg/store"
	"github.com/coopernetes/github-event-router/pkg/telemetry"
)

const receiveWait = time.Second

// WorkerPool consumes fan-out jobs from the queue and runs the delivery
// engine, one message per worker at a time. Messages are acknowledged only
// after processing succeeds, so an infrastructure failure leaves the message
// to be redelivered after the visibility timeout.
type WorkerPool struct {
	q       queue.Queue
	repo    store.Repository
	engine  *DeliveryEngine
	hub     *CompletionHub
	workers int
	logger  *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewWorkerPool(q queue.Queue, repo store.Repository, engine *DeliveryEngine, hub *CompletionHub, workers int, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		q:       q,
		repo:    repo,
		engine:  engine,
		hub:     hub,
		workers: workers,
		logger:  logger.With(slog.String("component", "worker-pool")),
	}
}

// Start launches the workers.
func (w *WorkerPool) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run(ctx)
		}()
	}
}

// Stop cancels the workers and waits up to grace for in-flight deliveries to
// finish.
func (w *WorkerPool) Stop(grace time.Duration) {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		w.logger.Warn("shutdown grace period elapsed with deliveries in flight")
	}
}

func (w *WorkerPool) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := w.q.Receive(ctx, 1, receiveWait)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("queue receive failed", "error", err)
			continue
		}

		for _, message := range messages {
			if ctx.Err() != nil {
				// Shutting down: hand the lease back immediately.
				w.returnMessage(message.ID)
				return
			}
			w.handle(ctx, message)
		}
	}
}

func (w *WorkerPool) handle(ctx context.Context, message queue.Message) {
	telemetry.QueueMessagesReceived.Inc()

	// The queue increments attempts on receive but does not cap them; the
	// cap is enforced here.
	if message.MaxAttempts > 0 && message.Attempts > message.MaxAttempts {
		w.logger.Warn("message exceeded max attempts, dead-lettering event",
			"message_id", message.ID,
			"event_id", message.Data.EventID,
			"attempts", message.Attempts)
		if err := w.repo.SetEventStatus(ctx, message.Data.EventID, store.StatusDeadLetter); err != nil {
			w.logger.Error("failed to dead-letter event", "event_id", message.Data.EventID, "error", err)
			return
		}
		w.deleteMessage(message.ID)
		return
	}

	event, err := w.repo.GetEvent(ctx, message.Data.EventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("event for queue message no longer exists", "event_id", message.Data.EventID)
			w.deleteMessage(message.ID)
			return
		}
		w.logger.Error("failed to load event", "event_id", message.Data.EventID, "error", err)
		return
	}

	// Terminal events are acknowledged without reprocessing; the message is a
	// redelivery of work already finished. Re-running the fan-out would
	// append a second attempt_number=1 row per subscriber.
	switch event.Status {
	case store.StatusCompleted, store.StatusFailed, store.StatusDeadLetter:
		w.logger.Info("skipping terminal event", "event_id", event.ID, "status", string(event.Status))
		w.hub.Notify(event.ID, FanoutOutcome{})
		w.deleteMessage(message.ID)
		return
	}

	outcome, err := w.engine.ProcessEvent(ctx, event)
	if err != nil {
		w.logger.Error("event processing failed", "event_id", event.ID, "error", err)
		if ctx.Err() != nil {
			// Shutting down: hand the lease back immediately.
			w.returnMessage(message.ID)
			return
		}
		// Leave the message leased; redelivery retries the whole fan-out.
		return
	}

	w.hub.Notify(event.ID, outcome)
	w.deleteMessage(message.ID)
}

func (w *WorkerPool) deleteMessage(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.q.Delete(ctx, messageID); err != nil && !errors.Is(err, queue.ErrMessageNotFound) {
		w.logger.Error("failed to acknowledge message", "message_id", messageID, "error", err)
	}
}

func (w *WorkerPool) returnMessage(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.q.ChangeVisibility(ctx, messageID, 0); err != nil && !errors.Is(err, queue.ErrMessageNotFound) {
		w.logger.Error("failed to return message to queue", "message_id", messageID, "error", err)
	}
}
