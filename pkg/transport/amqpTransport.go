package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/streadway/amqp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/coopernetes/github-event-router/pkg/config"
	"github.com/coopernetes/github-event-router/pkg/store"
)

// AmqpConfig is the per-subscriber config blob for amqp-broker transports.
type AmqpConfig struct {
	URL          string `json:"url" validate:"required"`
	Exchange     string `json:"exchange" validate:"required"`
	ExchangeType string `json:"exchangeType"`
	RoutingKey   string `json:"routingKey"`
}

// AmqpTransport publishes envelopes to subscriber-owned exchanges. Channels
// are cached per broker URL within the process.
type AmqpTransport struct {
	timeout  time.Duration
	validate *validator.Validate

	mu       sync.Mutex
	channels map[string]*amqp.Channel
	conns    map[string]*amqp.Connection
}

func NewAmqpTransport(settings config.DeliverySettings) *AmqpTransport {
	return &AmqpTransport{
		timeout:  settings.AmqpTimeout,
		validate: validator.New(),
		channels: make(map[string]*amqp.Channel),
		conns:    make(map[string]*amqp.Connection),
	}
}

func (t *AmqpTransport) Deliver(ctx context.Context, event *store.Event, headers map[string]string, rawConfig string) Result {
	start := time.Now()

	cfg, err := t.parseConfig(rawConfig)
	if err != nil {
		return Result{Error: err.Error(), Duration: time.Since(start)}
	}

	exchangeType := cfg.ExchangeType
	if exchangeType == "" {
		exchangeType = "topic"
	}

	tracer := otel.Tracer("event-router")
	ctx, span := tracer.Start(ctx, "Deliver",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String(exchangeType),
			semconv.MessagingDestinationKey.String(cfg.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(cfg.RoutingKey),
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

	// Inject the trace context into the message headers
	propagator := otel.GetTextMapPropagator()
	traceHeaders := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(traceHeaders))

	amqpHeaders := make(amqp.Table)
	for k, v := range traceHeaders {
		amqpHeaders[k] = v
	}
	amqpHeaders["deliveryId"] = event.DeliveryID

	channel, err := t.getChannel(cfg.URL)
	if err != nil {
		span.RecordError(err)
		return Result{Error: err.Error(), Duration: time.Since(start)}
	}

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	err = channel.ExchangeDeclare(
		cfg.Exchange, // name of the exchange
		exchangeType, // type of the exchange
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		span.RecordError(err)
		return Result{Error: fmt.Sprintf("failed to declare exchange: %v", err), Duration: time.Since(start)}
	}

	err = channel.Publish(
		cfg.Exchange, cfg.RoutingKey, false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        data,
			Headers:     amqpHeaders,
		},
	)
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

func (t *AmqpTransport) getChannel(url string) (*amqp.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ch, ok := t.channels[url]; ok {
		if conn := t.conns[url]; conn != nil && !conn.IsClosed() {
			return ch, nil
		}
		delete(t.channels, url)
		delete(t.conns, url)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			log.Printf("RabbitMQ connection closed: %v", err)
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	t.conns[url] = conn
	t.channels[url] = ch
	return ch, nil
}

func (t *AmqpTransport) ValidateConfig(rawConfig string) error {
	_, err := t.parseConfig(rawConfig)
	return err
}

func (t *AmqpTransport) parseConfig(rawConfig string) (*AmqpConfig, error) {
	var cfg AmqpConfig
	if err := json.Unmarshal([]byte(rawConfig), &cfg); err != nil {
		return nil, fmt.Errorf("invalid amqp config: %w", err)
	}
	if err := t.validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid amqp config: %w", err)
	}
	return &cfg, nil
}

func (t *AmqpTransport) Kind() string {
	return KindAmqpBroker
}

func (t *AmqpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for url, ch := range t.channels {
		ch.Close()
		delete(t.channels, url)
	}
	for url, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, url)
	}
	return firstErr
}
