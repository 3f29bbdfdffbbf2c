package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coopernetes/github-event-router/pkg/crypto"
	"github.com/coopernetes/github-event-router/pkg/retry"
	"github.com/coopernetes/github-event-router/pkg/store"
	"github.com/coopernetes/github-event-router/pkg/telemetry"
	"github.com/coopernetes/github-event-router/pkg/transport"
)

// FanoutOutcome aggregates per-subscriber delivery results for one event.
type FanoutOutcome struct {
	Subscribers int `json:"subscribers"`
	Successful  int `json:"successful"`
	Failed      int `json:"failed"`
	Retries     int `json:"retries"`
}

// DeliveryEngine fans events out to matching subscribers and re-executes
// claimed retry tasks. Per-subscriber failures are isolated: one subscriber's
// permanent failure never affects delivery to the others.
type DeliveryEngine struct {
	repo                store.Repository
	cache               *store.SubscriberCache
	transports          *transport.Registry
	policy              *retry.Policy
	backoff             *retry.Backoff
	encryptor           *crypto.Encryptor
	deadLetterThreshold int
	logger              *slog.Logger
	tracer              trace.Tracer
}

func NewDeliveryEngine(
	repo store.Repository,
	cache *store.SubscriberCache,
	transports *transport.Registry,
	policy *retry.Policy,
	backoff *retry.Backoff,
	encryptor *crypto.Encryptor,
	deadLetterThreshold int,
	logger *slog.Logger,
) *DeliveryEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryEngine{
		repo:                repo,
		cache:               cache,
		transports:          transports,
		policy:              policy,
		backoff:             backoff,
		encryptor:           encryptor,
		deadLetterThreshold: deadLetterThreshold,
		logger:              logger.With(slog.String("component", "delivery-engine")),
		tracer:              otel.Tracer("event-router"),
	}
}

// ProcessEvent runs first-attempt fan-out for a freshly ingested event.
func (e *DeliveryEngine) ProcessEvent(ctx context.Context, event *store.Event) (FanoutOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "ProcessEvent", trace.WithAttributes(
		attribute.Int64("event.id", event.ID),
		attribute.String("event.type", event.EventType),
		attribute.String("event.delivery_id", event.DeliveryID),
	))
	defer span.End()

	var outcome FanoutOutcome

	if err := e.repo.SetEventStatus(ctx, event.ID, store.StatusProcessing); err != nil {
		span.RecordError(err)
		return outcome, err
	}

	matching, err := e.cache.Matching(ctx, event.EventType)
	if err != nil {
		span.RecordError(err)
		return outcome, err
	}
	outcome.Subscribers = len(matching)
	span.SetAttributes(attribute.Int("event.subscribers", len(matching)))

	if len(matching) == 0 {
		if err := e.repo.SetEventStatus(ctx, event.ID, store.StatusCompleted); err != nil {
			span.RecordError(err)
			return outcome, err
		}
		return outcome, nil
	}

	headers, err := e.encryptor.DecryptHeaders(event.HeadersData)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if statusErr := e.repo.SetEventStatus(ctx, event.ID, store.StatusFailed); statusErr != nil {
			return outcome, statusErr
		}
		return outcome, err
	}

	for _, sub := range matching {
		result, permanent := e.deliverTo(ctx, event, headers, sub.ID)

		attempt := attemptFromResult(event.ID, sub.ID, 1, result)
		if err := e.repo.RecordAttempt(ctx, attempt); err != nil {
			span.RecordError(err)
			return outcome, err
		}

		switch {
		case result.Success:
			outcome.Successful++
		case !permanent && e.policy.ShouldRetry(result.StatusCode, 1):
			when := time.Now().Add(e.backoff.Delay(1))
			if err := e.repo.ScheduleRetry(ctx, event.ID, sub.ID, 1, when); err != nil {
				span.RecordError(err)
				return outcome, err
			}
			telemetry.RetriesScheduled.Inc()
			outcome.Failed++
			outcome.Retries++
		default:
			outcome.Failed++
		}

		e.logger.Info("delivery attempt",
			"event_id", event.ID,
			"subscriber_id", sub.ID,
			"attempt", 1,
			"status_code", result.StatusCode,
			"success", result.Success)
	}

	status := store.StatusCompleted
	switch {
	case outcome.Retries > 0:
		// Retries outstanding; the retry path decides the terminal status.
		status = store.StatusProcessing
	case outcome.Failed > 0:
		status = store.StatusFailed
	}
	if status != store.StatusProcessing {
		if err := e.repo.SetEventStatus(ctx, event.ID, status); err != nil {
			span.RecordError(err)
			return outcome, err
		}
	}

	return outcome, nil
}

// ProcessRetry re-executes a claimed retry task. The claim already cleared
// next_retry_at, so ClearRetry here only covers tasks handed over from
// another scheduler's release.
func (e *DeliveryEngine) ProcessRetry(ctx context.Context, task store.RetryTask) error {
	ctx, span := e.tracer.Start(ctx, "ProcessRetry", trace.WithAttributes(
		attribute.Int64("event.id", task.EventID),
		attribute.Int64("subscriber.id", task.SubscriberID),
		attribute.Int("attempt", task.NextAttempt),
	))
	defer span.End()

	if err := e.repo.ClearRetry(ctx, task.EventID, task.SubscriberID, task.AttemptNumber); err != nil {
		span.RecordError(err)
		return err
	}

	headers, err := e.encryptor.DecryptHeaders(task.HeadersData)
	if err != nil {
		// Corrupt or mis-keyed bundle: abandon the task, mark the event.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		message := "header decryption failed: " + err.Error()
		attempt := &store.DeliveryAttempt{
			EventID:       task.EventID,
			SubscriberID:  task.SubscriberID,
			AttemptNumber: task.NextAttempt,
			ErrorMessage:  &message,
			AttemptedAt:   time.Now(),
		}
		if recordErr := e.repo.RecordAttempt(ctx, attempt); recordErr != nil {
			return recordErr
		}
		return e.repo.SetEventStatus(ctx, task.EventID, store.StatusFailed)
	}

	event := &store.Event{
		ID:         task.EventID,
		DeliveryID: task.DeliveryID,
		EventType:  task.EventType,
		Payload:    task.Payload,
	}

	result, permanent := e.deliverTo(ctx, event, headers, task.SubscriberID)

	attempt := attemptFromResult(task.EventID, task.SubscriberID, task.NextAttempt, result)
	if err := e.repo.RecordAttempt(ctx, attempt); err != nil {
		span.RecordError(err)
		return err
	}

	e.logger.Info("delivery attempt",
		"event_id", task.EventID,
		"subscriber_id", task.SubscriberID,
		"attempt", task.NextAttempt,
		"status_code", result.StatusCode,
		"success", result.Success)

	if result.Success {
		return e.completeIfSettled(ctx, task.EventID)
	}

	if !permanent && e.policy.ShouldRetry(result.StatusCode, task.NextAttempt) {
		when := time.Now().Add(e.backoff.Delay(task.NextAttempt))
		if err := e.repo.ScheduleRetry(ctx, task.EventID, task.SubscriberID, task.NextAttempt, when); err != nil {
			return err
		}
		telemetry.RetriesScheduled.Inc()
		return nil
	}

	status := store.StatusFailed
	if task.NextAttempt >= e.deadLetterThreshold {
		status = store.StatusDeadLetter
	}
	return e.repo.SetEventStatus(ctx, task.EventID, status)
}

// deliverTo resolves the subscriber's transport and attempts delivery. The
// second return value marks failures that must not be retried: missing
// subscriber, missing or invalid transport configuration.
func (e *DeliveryEngine) deliverTo(ctx context.Context, event *store.Event, headers map[string]string, subscriberID int64) (transport.Result, bool) {
	if _, err := e.repo.GetSubscriber(ctx, subscriberID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return transport.Result{Error: "subscriber no longer exists"}, true
		}
		return transport.Result{Error: err.Error()}, false
	}

	binding, err := e.cache.TransportFor(ctx, subscriberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return transport.Result{Error: "no transport configured for subscriber"}, true
		}
		return transport.Result{Error: err.Error()}, false
	}

	t, err := e.transports.Get(ctx, binding.Name)
	if err != nil {
		return transport.Result{Error: err.Error()}, true
	}

	if err := t.ValidateConfig(binding.Config); err != nil {
		return transport.Result{Error: err.Error()}, true
	}

	result := t.Deliver(ctx, event, headers, binding.Config)

	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	telemetry.DeliveryAttempts.WithLabelValues(binding.Name, outcome).Inc()
	telemetry.DeliveryDurationSeconds.WithLabelValues(binding.Name).Observe(result.Duration.Seconds())

	return result, false
}

// completeIfSettled resolves the event status once no attempt row still
// carries a scheduled retry. A retry success for one subscriber must not
// complete an event another subscriber is still retrying, and completion
// reflects all subscribers: if any of them failed permanently along the way,
// the event settles as failed, not completed.
func (e *DeliveryEngine) completeIfSettled(ctx context.Context, eventID int64) error {
	scheduled, err := e.repo.HasScheduledRetries(ctx, eventID)
	if err != nil {
		return err
	}
	if scheduled {
		return nil
	}
	failed, err := e.repo.HasPermanentFailure(ctx, eventID)
	if err != nil {
		return err
	}
	if failed {
		return e.repo.SetEventStatus(ctx, eventID, store.StatusFailed)
	}
	return e.repo.SetEventStatus(ctx, eventID, store.StatusCompleted)
}

func attemptFromResult(eventID, subscriberID int64, attemptNumber int, result transport.Result) *store.DeliveryAttempt {
	attempt := &store.DeliveryAttempt{
		EventID:       eventID,
		SubscriberID:  subscriberID,
		AttemptNumber: attemptNumber,
		AttemptedAt:   time.Now(),
	}
	if result.StatusCode != 0 {
		code := result.StatusCode
		attempt.StatusCode = &code
	}
	if result.Error != "" {
		message := result.Error
		attempt.ErrorMessage = &message
	}
	durationMs := result.Duration.Milliseconds()
	attempt.DurationMs = &durationMs
	return attempt
}
