package delivery

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
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/harbor_notify/internal/tracing"
)

const (
	DefaultSignatureHeader = "X-HarborNotify-Signature" // sha256=<hex>
	DefaultTimestampHeader = "X-HarborNotify-Timestamp" // unix seconds
	recipientPlaceholder   = "{recipient}"
)

// WebhookTransport POSTs the payload as signed JSON. URL may contain {recipient},
// otherwise the recipient id is sent in the X-Recipient-Id header only.
type WebhookTransport struct {
	URL             string
	Secret          string
	SignatureHeader string
	TimestampHeader string
	Client          *http.Client
	now             func() time.Time
}

func NewWebhookTransport(rawURL, secret, sigHeader, tsHeader string, client *http.Client) *WebhookTransport {
	if sigHeader == "" {
		sigHeader = DefaultSignatureHeader
	}
	if tsHeader == "" {
		tsHeader = DefaultTimestampHeader
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookTransport{
		URL:             rawURL,
		Secret:          secret,
		SignatureHeader: sigHeader,
		TimestampHeader: tsHeader,
		Client:          client,
		now:             time.Now,
	}
}

type webhookBody struct {
	RecipientID string `json:"recipient_id"`
	Payload
}

// Deliver treats 2xx as delivered. 408, 429 and 5xx are transient; any other
// status is permanent.
func (w *WebhookTransport) Deliver(ctx context.Context, recipientID string, p Payload) error {
	body, err := json.Marshal(webhookBody{RecipientID: recipientID, Payload: p})
	if err != nil {
		return Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	target := strings.ReplaceAll(w.URL, recipientPlaceholder, url.PathEscape(recipientID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	ts := strconv.FormatInt(w.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Recipient-Id", recipientID)
	req.Header.Set(w.TimestampHeader, ts)
	if w.Secret != "" {
		req.Header.Set(w.SignatureHeader, "sha256="+Sign(w.Secret, body, ts))
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return &StatusError{Code: code}
	default:
		return Permanent(&StatusError{Code: code})
	}
}

// Sign returns the hex HMAC-SHA256 over body||timestamp.
func Sign(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign, rejecting timestamps
// outside leeway of now.
func VerifySignature(secret string, body []byte, ts, sigHeaderVal string, leeway time.Duration, now time.Time) (bool, string) {
	if ts == "" || sigHeaderVal == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	if abs64(now.Unix()-unix) > int64(leeway.Seconds()) {
		return false, "timestamp too far from now (outside leeway)"
	}
	got := strings.TrimPrefix(sigHeaderVal, "sha256=")
	want := Sign(secret, body, ts)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return false, "sig mismatch"
	}
	return true, ""
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
