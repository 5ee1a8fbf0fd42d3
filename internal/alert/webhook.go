package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Headers set on every webhook delivery.
const (
	HeaderEvent     = "X-Sentinel-Event"
	HeaderTimestamp = "X-Sentinel-Timestamp"
	HeaderSignature = "X-Sentinel-Signature"
)

// WebhookDispatcher POSTs alerts as JSON to a single URL. When a secret is
// set the body is signed with HMAC-SHA256 (hex) in HeaderSignature.
type WebhookDispatcher struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookDispatcher creates a webhook transport.
func NewWebhookDispatcher(url, secret string) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *WebhookDispatcher) Name() string { return "webhook" }

func (d *WebhookDispatcher) SendAlert(ctx context.Context, a *Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(a.Kind))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(a.Timestamp.Unix(), 10))
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
