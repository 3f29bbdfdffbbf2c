package ingest

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopernetes/github-event-router/pkg/config"
	"github.com/coopernetes/github-event-router/pkg/crypto"
)

const coreSecret = "core-secret"

func defaultSecurity() config.SecuritySettings {
	return config.SecuritySettings{
		RateLimitingEnabled: false,
		RequestsPerMinute:   120,
		PayloadSizeLimitMB:  1,
	}
}

func newTestValidator(t *testing.T, security config.SecuritySettings) *Validator {
	t.Helper()
	v, err := NewValidator(config.IngestSettings{WebhookSecret: coreSecret}, security)
	require.NoError(t, err)
	return v
}

func signedRequest(body []byte, secret string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	r.Header.Set("X-GitHub-Event", "push")
	r.Header.Set("X-GitHub-Delivery", "D1")
	r.Header.Set("X-Hub-Signature-256", crypto.SignPayload(body, secret))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("User-Agent", "GitHub-Hookshot/abc")
	r.RemoteAddr = "192.0.2.10:54321"
	return r
}

func TestValidateAcceptsSignedRequest(t *testing.T) {
	v := newTestValidator(t, defaultSecurity())
	body := []byte(`{"ref":"refs/heads/main"}`)
	r := signedRequest(body, coreSecret)

	require.Nil(t, v.Admit(r))

	validated, admissionErr := v.Validate(r, body)
	require.Nil(t, admissionErr)
	assert.Equal(t, "push", validated.EventType)
	assert.Equal(t, "D1", validated.DeliveryID)
	assert.Equal(t, body, validated.Payload)
	assert.Equal(t, map[string]string{
		"x-github-event":      "push",
		"x-github-delivery":   "D1",
		"x-hub-signature-256": crypto.SignPayload(body, coreSecret),
		"content-type":        "application/json",
		"user-agent":          "GitHub-Hookshot/abc",
	}, validated.Headers)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	v := newTestValidator(t, defaultSecurity())
	body := []byte(`{"ref":"refs/heads/main"}`)
	r := signedRequest(body, "wrong")

	_, admissionErr := v.Validate(r, body)
	require.NotNil(t, admissionErr)
	assert.Equal(t, http.StatusUnauthorized, admissionErr.Status)
	assert.Equal(t, "invalid signature", admissionErr.Reason)
}

func TestValidateRejectsMissingHeaders(t *testing.T) {
	v := newTestValidator(t, defaultSecurity())
	body := []byte(`{"ref":"refs/heads/main"}`)

	r := signedRequest(body, coreSecret)
	r.Header.Del("X-Hub-Signature-256")
	_, admissionErr := v.Validate(r, body)
	require.NotNil(t, admissionErr)
	assert.Equal(t, http.StatusUnauthorized, admissionErr.Status)

	r = signedRequest(body, coreSecret)
	r.Header.Del("X-GitHub-Event")
	_, admissionErr = v.Validate(r, body)
	require.NotNil(t, admissionErr)
	assert.Equal(t, http.StatusBadRequest, admissionErr.Status)

	r = signedRequest(body, coreSecret)
	r.Header.Del("X-GitHub-Delivery")
	_, admissionErr = v.Validate(r, body)
	require.NotNil(t, admissionErr)
	assert.Equal(t, http.StatusBadRequest, admissionErr.Status)
}

func TestValidateRejectsInvalidJSON(t *testing.T) {
	v := newTestValidator(t, defaultSecurity())
	body := []byte(`{"ref": not-json`)
	r := signedRequest(body, coreSecret)

	_, admissionErr := v.Validate(r, body)
	require.NotNil(t, admissionErr)
	assert.Equal(t, http.StatusBadRequest, admissionErr.Status)
	assert.Equal(t, "invalid JSON payload", admissionErr.Reason)
}

func TestAdmitRejectsOversizedPayload(t *testing.T) {
	security := defaultSecurity()
	security.PayloadSizeLimitMB = 1
	v := newTestValidator(t, security)

	r := signedRequest([]byte(`{}`), coreSecret)
	r.ContentLength = 2 * 1024 * 1024
	admissionErr := v.Admit(r)
	require.NotNil(t, admissionErr)
	assert.Equal(t, http.StatusRequestEntityTooLarge, admissionErr.Status)
}

func TestAdmitIPAllowlist(t *testing.T) {
	security := defaultSecurity()
	security.IPAllowlist = []string{"192.0.2.0/24", "203.0.113.7"}
	v := newTestValidator(t, security)

	r := signedRequest([]byte(`{}`), coreSecret)
	r.RemoteAddr = "192.0.2.10:54321"
	assert.Nil(t, v.Admit(r))

	r.RemoteAddr = "203.0.113.7:11111"
	assert.Nil(t, v.Admit(r))

	r.RemoteAddr = "198.51.100.1:22222"
	admissionErr := v.Admit(r)
	require.NotNil(t, admissionErr)
	assert.Equal(t, http.StatusForbidden, admissionErr.Status)
	assert.Equal(t, "ip not allowed", admissionErr.Reason)
}

func TestAdmitRateLimit(t *testing.T) {
	security := defaultSecurity()
	security.RateLimitingEnabled = true
	security.RequestsPerMinute = 2
	v := newTestValidator(t, security)

	r := signedRequest([]byte(`{}`), coreSecret)
	assert.Nil(t, v.Admit(r))
	assert.Nil(t, v.Admit(r))

	admissionErr := v.Admit(r)
	require.NotNil(t, admissionErr)
	assert.Equal(t, http.StatusTooManyRequests, admissionErr.Status)

	// A different client IP has its own bucket.
	other := signedRequest([]byte(`{}`), coreSecret)
	other.RemoteAddr = "198.51.100.9:1234"
	assert.Nil(t, v.Admit(other))
}

func TestNewValidatorRejectsBadAllowlist(t *testing.T) {
	security := defaultSecurity()
	security.IPAllowlist = []string{"not-an-ip"}
	_, err := NewValidator(config.IngestSettings{WebhookSecret: coreSecret}, security)
	assert.Error(t, err)
}
