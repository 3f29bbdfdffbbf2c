package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coopernetes/github-event-router/pkg/config"
	"github.com/coopernetes/github-event-router/pkg/store"
)

// Transport kind tags as stored in the transports table.
const (
	KindHTTPWebhook     = "http-webhook"
	KindPubSub          = "pubsub"
	KindLogStreamBroker = "log-stream-broker"
	KindCloudQueue      = "cloud-queue"
	KindCloudEventBus   = "cloud-event-bus"
	KindAmqpBroker      = "amqp-broker"
)

// ErrUnsupportedKind is returned for kind tags that are recognized but have
// no shipped adapter.
var ErrUnsupportedKind = errors.New("unsupported transport kind")

// Result is the outcome of a single delivery attempt. StatusCode is zero when
// the failure happened before an HTTP status was available (connection error,
// publish failure, timeout).
type Result struct {
	Success    bool
	StatusCode int
	Error      string
	Duration   time.Duration
}

// Envelope is the canonical message published by broker transports.
type Envelope struct {
	Event      string            `json:"event"`
	Payload    string            `json:"payload"`
	Headers    map[string]string `json:"headers"`
	DeliveryID string            `json:"deliveryId"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Transport delivers events to a subscriber endpoint. The raw config is the
// subscriber's opaque transport blob; implementations validate it against
// their own schema. Adapters may cache one client per unique endpoint within
// the process.
type Transport interface {
	// Deliver attempts delivery of the event with its decrypted headers.
	Deliver(ctx context.Context, event *store.Event, headers map[string]string, rawConfig string) Result
	// ValidateConfig checks the config blob against the kind's schema.
	ValidateConfig(rawConfig string) error
	// Kind returns the transport kind tag.
	Kind() string
	// Close releases cached clients.
	Close() error
}

// Registry holds one transport instance per kind, constructed lazily from the
// delivery settings. The delivery engine owns a single registry.
type Registry struct {
	settings config.DeliverySettings

	mu         sync.Mutex
	transports map[string]Transport
}

func NewRegistry(settings config.DeliverySettings) *Registry {
	return &Registry{
		settings:   settings,
		transports: make(map[string]Transport),
	}
}

// Register installs a transport instance for a kind tag, overriding the
// built-in constructor. Used for custom adapters.
func (r *Registry) Register(kind string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[kind] = t
}

// Get returns the transport for a kind tag, constructing it on first use.
func (r *Registry) Get(ctx context.Context, kind string) (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.transports[kind]; ok {
		return t, nil
	}
	t, err := newTransport(ctx, kind, r.settings)
	if err != nil {
		return nil, err
	}
	r.transports[kind] = t
	return t, nil
}

// Close closes every constructed transport.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, t := range r.transports {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newTransport(ctx context.Context, kind string, settings config.DeliverySettings) (Transport, error) {
	switch kind {
	case KindHTTPWebhook:
		return NewHTTPWebhookTransport(settings), nil
	case KindPubSub:
		return NewPubSubTransport(ctx, settings)
	case KindAmqpBroker:
		return NewAmqpTransport(settings), nil
	case KindLogStreamBroker, KindCloudQueue, KindCloudEventBus:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	default:
		return nil, fmt.Errorf("unknown transport kind: %s", kind)
	}
}
