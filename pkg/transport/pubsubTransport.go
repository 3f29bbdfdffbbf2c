package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-playground/validator/v10"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/coopernetes/github-event-router/pkg/config"
	"github.com/coopernetes/github-event-router/pkg/store"
)

// PubSubConfig is the per-subscriber config blob for pubsub transports.
type PubSubConfig struct {
	Topic       string `json:"topic" validate:"required"`
	OrderingKey string `json:"orderingKey"`
}

// PubSubTransportCreator defines a function type for creating Pub/Sub transports.
type PubSubTransportCreator func(ctx context.Context, settings config.DeliverySettings, opts ...option.ClientOption) (Transport, error)

// NewPubSubTransport is the default implementation of PubSubTransportCreator.
var NewPubSubTransport PubSubTransportCreator = func(ctx context.Context, settings config.DeliverySettings, opts ...option.ClientOption) (Transport, error) {
	client, err := pubsub.NewClient(ctx, settings.PubSubProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubTransport{
		client:   client,
		timeout:  settings.PubSubTimeout,
		validate: validator.New(),
	}, nil
}

type pubSubTransport struct {
	client   *pubsub.Client
	timeout  time.Duration
	validate *validator.Validate
}

func (p *pubSubTransport) Deliver(ctx context.Context, event *store.Event, headers map[string]string, rawConfig string) Result {
	start := time.Now()

	cfg, err := p.parseConfig(rawConfig)
	if err != nil {
		return Result{Error: err.Error(), Duration: time.Since(start)}
	}

	tracer := otel.Tracer("event-router")
	ctx, span := tracer.Start(ctx, "Deliver",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(cfg.Topic),
		),
	)
	defer span.End()

	envelope := Envelope{
		Event:      event.EventType,
		Payload:    event.Payload,
		Headers:    headers,
		DeliveryID: event.DeliveryID,
		Timestamp:  time.Now(),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		span.RecordError(err)
		return Result{Error: fmt.Sprintf("serialize envelope: %v", err), Duration: time.Since(start)}
	}

	// Inject the trace context into the message attributes
	propagator := otel.GetTextMapPropagator()
	attributes := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(attributes))
	attributes["event"] = event.EventType
	attributes["deliveryId"] = event.DeliveryID

	message := &pubsub.Message{
		Data:       data,
		Attributes: attributes,
	}
	message.OrderingKey = cfg.OrderingKey

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res := p.client.Topic(cfg.Topic).Publish(ctx, message)
	_, err = res.Get(ctx) // wait for server ack
	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		return Result{Error: err.Error(), Duration: duration}
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(data)),
	)

	return Result{Success: true, Duration: duration}
}

func (p *pubSubTransport) ValidateConfig(rawConfig string) error {
	_, err := p.parseConfig(rawConfig)
	return err
}

func (p *pubSubTransport) parseConfig(rawConfig string) (*PubSubConfig, error) {
	var cfg PubSubConfig
	if err := json.Unmarshal([]byte(rawConfig), &cfg); err != nil {
		return nil, fmt.Errorf("invalid pubsub config: %w", err)
	}
	if err := p.validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid pubsub config: %w", err)
	}
	return &cfg, nil
}

func (p *pubSubTransport) Kind() string {
	return KindPubSub
}

func (p *pubSubTransport) Close() error {
	return p.client.Close()
}
