package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/coopernetes/github-event-router/pkg/config"
	"github.com/coopernetes/github-event-router/pkg/crypto"
	"github.com/coopernetes/github-event-router/pkg/store"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	routerMarker    = "X-Event-Router"
)

// WebhookConfig is the per-subscriber config blob for http-webhook transports.
type WebhookConfig struct {
	URL    string `json:"url" validate:"required,url"`
	Secret string `json:"secret" validate:"required"`
}

// HTTPWebhookTransport re-signs the original payload with the subscriber's
// secret and POSTs it to the configured URL.
type HTTPWebhookTransport struct {
	client        *http.Client
	allowInsecure bool
	validate      *validator.Validate
}

func NewHTTPWebhookTransport(settings config.DeliverySettings) *HTTPWebhookTransport {
	return &HTTPWebhookTransport{
		client:        &http.Client{Timeout: settings.WebhookTimeout},
		allowInsecure: settings.AllowInsecure,
		validate:      validator.New(),
	}
}

func (t *HTTPWebhookTransport) Deliver(ctx context.Context, event *store.Event, headers map[string]string, rawConfig string) Result {
	start := time.Now()

	cfg, err := t.parseConfig(rawConfig)
	if err != nil {
		return Result{Error: err.Error(), Duration: time.Since(start)}
	}

	// The raw stored payload is the body; re-serializing would change the
	// bytes the signature covers.
	body := []byte(event.Payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Sprintf("create request: %v", err), Duration: time.Since(start)}
	}

	for name, value := range headers {
		req.Header.Set(name, value)
	}
	req.Header.Set(signatureHeader, crypto.SignPayload(body, cfg.Secret))
	req.Header.Set(routerMarker, "true")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.ContentLength = int64(len(body))

	resp, err := t.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return Result{Error: err.Error(), Duration: duration}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Success: true, StatusCode: resp.StatusCode, Duration: duration}
	}
	return Result{
		StatusCode: resp.StatusCode,
		Error:      fmt.Sprintf("unexpected status %d", resp.StatusCode),
		Duration:   duration,
	}
}

func (t *HTTPWebhookTransport) ValidateConfig(rawConfig string) error {
	_, err := t.parseConfig(rawConfig)
	return err
}

func (t *HTTPWebhookTransport) parseConfig(rawConfig string) (*WebhookConfig, error) {
	var cfg WebhookConfig
	if err := json.Unmarshal([]byte(rawConfig), &cfg); err != nil {
		return nil, fmt.Errorf("invalid webhook config: %w", err)
	}
	if err := t.validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid webhook config: %w", err)
	}
	if !t.allowInsecure && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, fmt.Errorf("webhook URL must use https: %s", cfg.URL)
	}
	return &cfg, nil
}

func (t *HTTPWebhookTransport) Kind() string {
	return KindHTTPWebhook
}

func (t *HTTPWebhookTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
