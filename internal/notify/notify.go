// Package notify delivers scan events. Delivery is fire-and-forget: errors
// are logged and never reach the scan.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set
const SignatureHeader = "X-Leakwatch-Signature"

// New returns a webhook notifier when a URL is configured, otherwise a log notifier
func New(cfg config.NotifyConfig, logger *slog.Logger) domain.Notifier {
	if cfg.WebhookURL == "" {
		return NewLogNotifier(logger)
	}
	return Multi{NewLogNotifier(logger), NewWebhookNotifier(cfg, &http.Client{Timeout: cfg.Timeout}, logger)}
}

// LogNotifier writes events to the log
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log notifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, e domain.Event) {
	n.logger.Info("Scan event",
		slog.String("type", string(e.Type)),
		slog.String("job_id", e.JobID),
		slog.String("profile_id", e.ProfileID),
		slog.Any("data", e.Data),
	)
}

// WebhookNotifier POSTs events as JSON in the background
type WebhookNotifier struct {
	url     string
	secret  string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(cfg config.NotifyConfig, client *http.Client, logger *slog.Logger) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:     cfg.WebhookURL,
		secret:  cfg.Secret,
		timeout: timeout,
		client:  client,
		logger:  logger,
	}
}

// Notify returns immediately; the POST outlives ctx cancellation but not the timeout
func (n *WebhookNotifier) Notify(ctx context.Context, e domain.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		if err := n.send(sendCtx, e); err != nil {
			n.logger.Warn("Failed to deliver event",
				slog.String("type", string(e.Type)),
				slog.String("job_id", e.JobID),
				slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until in-flight deliveries finish
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}

func (n *WebhookNotifier) send(ctx context.Context, e domain.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		mac := hmac.New(sha256.New, []byte(n.secret))
		mac.Write(body)
		req.Header.Set(SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an event out to several notifiers
type Multi []domain.Notifier

func (m Multi) Notify(ctx context.Context, e domain.Event) {
	for _, n := range m {
		n.Notify(ctx, e)
	}
}

// Wait waits on every member that supports it
func (m Multi) Wait() {
	for _, n := range m {
		if w, ok := n.(interface{ Wait() }); ok {
			w.Wait()
		}
	}
}
