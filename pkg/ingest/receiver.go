package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coopernetes/github-event-router/pkg/crypto"
	"github.com/coopernetes/github-event-router/pkg/engine"
	"github.com/coopernetes/github-event-router/pkg/queue"
	"github.com/coopernetes/github-event-router/pkg/store"
	"github.com/coopernetes/github-event-router/pkg/telemetry"
)

// fanoutWait bounds how long the receiver blocks on the worker pool before
// answering with an accepted-but-pending response.
const fanoutWait = 30 * time.Second

// Response is the JSON body returned by the webhook endpoint.
type Response struct {
	Message     string `json:"message"`
	Subscribers int    `json:"subscribers"`
	Successful  int    `json:"successful"`
	Failed      int    `json:"failed"`
	Retries     int    `json:"retries"`
}

// Receiver is the HTTP handler for the upstream webhook endpoint. It admits
// the request, persists the event, enqueues the fan-out job, and waits for
// the worker pool to report the outcome.
type Receiver struct {
	validator *Validator
	repo      store.Repository
	q         queue.Queue
	encryptor *crypto.Encryptor
	hub       *engine.CompletionHub
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewReceiver(validator *Validator, repo store.Repository, q queue.Queue, encryptor *crypto.Encryptor, hub *engine.CompletionHub, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		validator: validator,
		repo:      repo,
		q:         q,
		encryptor: encryptor,
		hub:       hub,
		logger:    logger.With(slog.String("component", "ingest")),
		tracer:    otel.Tracer("event-router"),
	}
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := rc.tracer.Start(r.Context(), "IngestWebhook")
	defer span.End()

	if admissionErr := rc.validator.Admit(r); admissionErr != nil {
		telemetry.IngestRejections.WithLabelValues(admissionErr.Reason).Inc()
		writeResponse(w, admissionErr.Status, Response{Message: admissionErr.Reason})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeResponse(w, http.StatusBadRequest, Response{Message: "failed to read request body"})
		return
	}

	validated, admissionErr := rc.validator.Validate(r, body)
	if admissionErr != nil {
		telemetry.IngestRejections.WithLabelValues(admissionErr.Reason).Inc()
		writeResponse(w, admissionErr.Status, Response{Message: admissionErr.Reason})
		return
	}

	span.SetAttributes(
		attribute.String("event.type", validated.EventType),
		attribute.String("event.delivery_id", validated.DeliveryID),
	)

	headersData, err := rc.encryptor.EncryptHeaders(validated.Headers)
	if err != nil {
		rc.logger.Error("failed to encrypt headers", "delivery_id", validated.DeliveryID, "error", err)
		writeResponse(w, http.StatusInternalServerError, Response{Message: "internal error"})
		return
	}

	event := &store.Event{
		DeliveryID:  validated.DeliveryID,
		EventType:   validated.EventType,
		PayloadHash: crypto.PayloadHash(validated.Payload),
		PayloadSize: len(validated.Payload),
		Payload:     string(validated.Payload),
		HeadersData: headersData,
		ReceivedAt:  time.Now(),
	}

	eventID, err := rc.repo.StoreEvent(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Idempotent replay: the original submission already processed
			// or will process this delivery.
			writeResponse(w, http.StatusOK, Response{Message: "duplicate delivery"})
			return
		}
		rc.logger.Error("failed to store event", "delivery_id", validated.DeliveryID, "error", err)
		writeResponse(w, http.StatusInternalServerError, Response{Message: "failed to store event"})
		return
	}

	telemetry.EventsIngested.WithLabelValues(validated.EventType).Inc()

	outcomeCh := rc.hub.Register(eventID)
	defer rc.hub.Cancel(eventID)

	job := queue.FanoutJob{
		EventID:    eventID,
		EventType:  validated.EventType,
		DeliveryID: validated.DeliveryID,
	}
	if _, err := rc.q.Send(ctx, job, queue.SendOptions{}); err != nil {
		rc.logger.Error("failed to enqueue fan-out job", "event_id", eventID, "error", err)
		writeResponse(w, http.StatusInternalServerError, Response{Message: "failed to enqueue event"})
		return
	}

	select {
	case outcome := <-outcomeCh:
		writeResponse(w, statusFor(outcome), Response{
			Message:     "processed",
			Subscribers: outcome.Subscribers,
			Successful:  outcome.Successful,
			Failed:      outcome.Failed,
			Retries:     outcome.Retries,
		})
	case <-time.After(fanoutWait):
		writeResponse(w, http.StatusAccepted, Response{Message: "accepted"})
	case <-ctx.Done():
		writeResponse(w, http.StatusAccepted, Response{Message: "accepted"})
	}
}

func statusFor(outcome engine.FanoutOutcome) int {
	switch {
	case outcome.Retries > 0:
		return http.StatusAccepted
	case outcome.Failed > 0 && outcome.Successful == 0:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
