package ingest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/coopernetes/github-event-router/pkg/config"
	"github.com/coopernetes/github-event-router/pkg/crypto"
)

const (
	headerEvent     = "X-GitHub-Event"
	headerSignature = "X-Hub-Signature-256"
	headerDelivery  = "X-GitHub-Delivery"
)

// capturedHeaders is the allowlist of request headers persisted with the
// event. The signature is included because subscribers receive a re-signed
// copy; the original is sensitive and stored encrypted.
var capturedHeaders = []string{
	headerEvent,
	headerSignature,
	headerDelivery,
	"Content-Type",
	"User-Agent",
}

// AdmissionError maps a rejected request to its HTTP status.
type AdmissionError struct {
	Status int
	Reason string
}

func (e *AdmissionError) Error() string {
	return e.Reason
}

// ValidatedEvent is the normalized output of a successful admission check.
type ValidatedEvent struct {
	EventType  string
	DeliveryID string
	Payload    []byte
	Headers    map[string]string
}

// Validator runs the admission checks on incoming webhook requests, in
// order: IP allowlist, rate limit, payload size, required headers, HMAC.
// Each check short-circuits.
type Validator struct {
	secret          string
	maxPayloadBytes int64
	allowedNets     []*net.IPNet
	limiter         *ipRateLimiter
}

func NewValidator(ingest config.IngestSettings, security config.SecuritySettings) (*Validator, error) {
	v := &Validator{
		secret:          ingest.WebhookSecret,
		maxPayloadBytes: int64(security.PayloadSizeLimitMB) * 1024 * 1024,
	}

	for _, entry := range security.IPAllowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if strings.Contains(entry, ":") {
				entry += "/128"
			} else {
				entry += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid ip allowlist entry %q: %w", entry, err)
		}
		v.allowedNets = append(v.allowedNets, ipNet)
	}

	if security.RateLimitingEnabled {
		v.limiter = newIPRateLimiter(security.RequestsPerMinute)
	}

	return v, nil
}

// Admit runs the pre-body checks. Called before the body is read so an
// oversized or unwanted request is rejected cheaply.
func (v *Validator) Admit(r *http.Request) *AdmissionError {
	ip := clientIP(r)

	if len(v.allowedNets) > 0 && !v.ipAllowed(ip) {
		return &AdmissionError{Status: http.StatusForbidden, Reason: "ip not allowed"}
	}

	if v.limiter != nil && !v.limiter.Allow(ip) {
		return &AdmissionError{Status: http.StatusTooManyRequests, Reason: "rate limit exceeded"}
	}

	if r.ContentLength > v.maxPayloadBytes {
		return &AdmissionError{Status: http.StatusRequestEntityTooLarge, Reason: "payload too large"}
	}

	return nil
}

// Validate runs the post-body checks and returns the normalized event. The
// raw body bytes are used for the HMAC; they are never reparsed first.
func (v *Validator) Validate(r *http.Request, body []byte) (*ValidatedEvent, *AdmissionError) {
	if int64(len(body)) > v.maxPayloadBytes {
		return nil, &AdmissionError{Status: http.StatusRequestEntityTooLarge, Reason: "payload too large"}
	}

	signature := r.Header.Get(headerSignature)
	eventType := r.Header.Get(headerEvent)
	deliveryID := r.Header.Get(headerDelivery)

	if signature == "" {
		return nil, &AdmissionError{Status: http.StatusUnauthorized, Reason: "missing signature header"}
	}
	if eventType == "" || deliveryID == "" {
		return nil, &AdmissionError{Status: http.StatusBadRequest, Reason: "missing event or delivery header"}
	}

	if !crypto.VerifySignature(body, v.secret, signature) {
		return nil, &AdmissionError{Status: http.StatusUnauthorized, Reason: "invalid signature"}
	}

	if !json.Valid(body) {
		return nil, &AdmissionError{Status: http.StatusBadRequest, Reason: "invalid JSON payload"}
	}

	headers := make(map[string]string)
	for _, name := range capturedHeaders {
		if value := r.Header.Get(name); value != "" {
			headers[strings.ToLower(name)] = value
		}
	}

	return &ValidatedEvent{
		EventType:  eventType,
		DeliveryID: deliveryID,
		Payload:    body,
		Headers:    headers,
	}, nil
}

func (v *Validator) ipAllowed(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipNet := range v.allowedNets {
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
