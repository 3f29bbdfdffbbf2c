package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopernetes/github-event-router/pkg/config"
	"github.com/coopernetes/github-event-router/pkg/crypto"
	"github.com/coopernetes/github-event-router/pkg/store"
)

func webhookSettings() config.DeliverySettings {
	return config.DeliverySettings{
		WebhookTimeout: 5 * time.Second,
		AllowInsecure:  true, // httptest servers are plain http
	}
}

func testEvent() *store.Event {
	return &store.Event{
		ID:         7,
		DeliveryID: "D1",
		EventType:  "push",
		Payload:    `{"ref":"refs/heads/main"}`,
	}
}

func TestHTTPWebhookDeliverSuccess(t *testing.T) {
	var received *http.Request
	var receivedBody []byte
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	transport := NewHTTPWebhookTransport(webhookSettings())
	defer transport.Close()

	event := testEvent()
	headers := map[string]string{
		"x-github-event":    "push",
		"x-github-delivery": "D1",
		"user-agent":        "GitHub-Hookshot/abc",
	}
	cfg := fmt.Sprintf(`{"url":%q,"secret":"sub-secret"}`, sink.URL)

	result := transport.Deliver(context.Background(), event, headers, cfg)

	assert.True(t, result.Success)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Empty(t, result.Error)
	assert.Equal(t, []byte(event.Payload), receivedBody)

	// The signature is recomputed with the subscriber secret over the exact
	// payload bytes.
	expectedSig := crypto.SignPayload([]byte(event.Payload), "sub-secret")
	assert.Equal(t, expectedSig, received.Header.Get("X-Hub-Signature-256"))
	assert.Equal(t, "true", received.Header.Get("X-Event-Router"))
	assert.Equal(t, "application/json", received.Header.Get("Content-Type"))
	assert.Equal(t, strconv.Itoa(len(event.Payload)), received.Header.Get("Content-Length"))
	assert.Equal(t, "push", received.Header.Get("x-github-event"))
}

func TestHTTPWebhookDeliverFailureStatus(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sink.Close()

	transport := NewHTTPWebhookTransport(webhookSettings())
	defer transport.Close()

	cfg := fmt.Sprintf(`{"url":%q,"secret":"sub-secret"}`, sink.URL)
	result := transport.Deliver(context.Background(), testEvent(), nil, cfg)

	assert.False(t, result.Success)
	assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
	assert.Equal(t, "unexpected status 503", result.Error)
}

func TestHTTPWebhookDeliverConnectionError(t *testing.T) {
	transport := NewHTTPWebhookTransport(webhookSettings())
	defer transport.Close()

	cfg := `{"url":"http://127.0.0.1:1/wh","secret":"sub-secret"}`
	result := transport.Deliver(context.Background(), testEvent(), nil, cfg)

	assert.False(t, result.Success)
	assert.Zero(t, result.StatusCode)
	assert.NotEmpty(t, result.Error)
}

func TestHTTPWebhookRequiresHTTPS(t *testing.T) {
	settings := webhookSettings()
	settings.AllowInsecure = false
	transport := NewHTTPWebhookTransport(settings)
	defer transport.Close()

	err := transport.ValidateConfig(`{"url":"http://sink.test/wh","secret":"s"}`)
	assert.ErrorContains(t, err, "must use https")

	err = transport.ValidateConfig(`{"url":"https://sink.test/wh","secret":"s"}`)
	assert.NoError(t, err)
}

func TestHTTPWebhookValidateConfig(t *testing.T) {
	transport := NewHTTPWebhookTransport(webhookSettings())
	defer transport.Close()

	tests := []struct {
		name    string
		config  string
		wantErr bool
	}{
		{"valid", `{"url":"https://sink.test/wh","secret":"s"}`, false},
		{"missing url", `{"secret":"s"}`, true},
		{"missing secret", `{"url":"https://sink.test/wh"}`, true},
		{"not json", `nope`, true},
		{"not a url", `{"url":"::","secret":"s"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := transport.ValidateConfig(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHTTPWebhookTimeout(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	settings := webhookSettings()
	settings.WebhookTimeout = 50 * time.Millisecond
	transport := NewHTTPWebhookTransport(settings)
	defer transport.Close()

	cfg := fmt.Sprintf(`{"url":%q,"secret":"s"}`, sink.URL)
	result := transport.Deliver(context.Background(), testEvent(), nil, cfg)

	assert.False(t, result.Success)
	assert.Zero(t, result.StatusCode)
	assert.NotEmpty(t, result.Error)
}

func TestRegistryUnsupportedKinds(t *testing.T) {
	registry := NewRegistry(webhookSettings())
	defer registry.Close()

	for _, kind := range []string{KindLogStreamBroker, KindCloudQueue, KindCloudEventBus} {
		_, err := registry.Get(context.Background(), kind)
		assert.ErrorIs(t, err, ErrUnsupportedKind)
	}

	_, err := registry.Get(context.Background(), "carrier-pigeon")
	assert.EqualError(t, err, "unknown transport kind: carrier-pigeon")
}

func TestRegistryCachesInstances(t *testing.T) {
	registry := NewRegistry(webhookSettings())
	defer registry.Close()

	first, err := registry.Get(context.Background(), KindHTTPWebhook)
	require.NoError(t, err)
	second, err := registry.Get(context.Background(), KindHTTPWebhook)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestEnvelopeShape(t *testing.T) {
	envelope := Envelope{
		Event:      "push",
		Payload:    `{"ref":"refs/heads/main"}`,
		Headers:    map[string]string{"x-github-event": "push"},
		DeliveryID: "D1",
		Timestamp:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(envelope)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{"event", "payload", "headers", "deliveryId", "timestamp"} {
		assert.Contains(t, decoded, key)
	}
}
