package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/insights/pkg/models"
)

// ── Log Sink ────────────────────────────────────────────────

// LogSink writes triggers to the structured log.
type LogSink struct{}

func (LogSink) Kind() string { return "log" }

func (LogSink) Deliver(_ context.Context, t models.AlertTrigger) error {
	log.Warn().
		Str("insight_id", t.InsightID).
		Str("code", t.Code).
		Str("severity", string(t.Severity)).
		Str("agent_id", t.AgentID).
		Int("cooldown_seconds", t.CooldownSeconds).
		Msg(t.Title)
	return nil
}

// ── Memory Sink ─────────────────────────────────────────────

// MemorySink keeps the most recent triggers for the alerts endpoint.
type MemorySink struct {
	mu     sync.Mutex
	recent []models.AlertTrigger
	size   int
}

// NewMemorySink keeps at most size triggers (100 when size <= 0).
func NewMemorySink(size int) *MemorySink {
	if size <= 0 {
		size = 100
	}
	return &MemorySink{size: size}
}

func (m *MemorySink) Kind() string { return "memory" }

func (m *MemorySink) Deliver(_ context.Context, t models.AlertTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, t)
	if over := len(m.recent) - m.size; over > 0 {
		m.recent = append(m.recent[:0:0], m.recent[over:]...)
	}
	return nil
}

// Recent returns stored triggers, newest first.
func (m *MemorySink) Recent() []models.AlertTrigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AlertTrigger, len(m.recent))
	for i, t := range m.recent {
		out[len(m.recent)-1-i] = t
	}
	return out
}

// ── Webhook Sink ────────────────────────────────────────────

// WebhookSink posts triggers as JSON to a URL with optional HMAC-SHA256
// signing.
type WebhookSink struct {
	url       string
	secret    string
	client    *http.Client
	attempts  int
	retryWait time.Duration
}

// NewWebhookSink creates a webhook sink that tries each delivery 3 times.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:       url,
		secret:    secret,
		client:    &http.Client{Timeout: 15 * time.Second},
		attempts:  3,
		retryWait: 2 * time.Second,
	}
}

func (w *WebhookSink) Kind() string { return "webhook" }

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookSink) Deliver(ctx context.Context, t models.AlertTrigger) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * w.retryWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "AgentOven-Insights/1.0")
		req.Header.Set("X-AgentOven-Insight", t.Code)
		if w.secret != "" {
			req.Header.Set("X-AgentOven-Signature", Sign(w.secret, body))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, w.url)
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", w.attempts, lastErr)
}
