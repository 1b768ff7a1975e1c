// Package alert delivers operator notifications for circuit-breaker
// trips, high failure rates and fatal pipeline errors.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/framelens/asset-training-backend/logger"
)

// Notifier sends an operator alert. Implementations must not block the
// pipeline on delivery problems; callers treat errors as advisory.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Config holds mail delivery settings
type Config struct {
	APIURL  string
	APIKey  string
	From    string
	To      string
	Enabled bool
}

type mailNotifier struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client
}

// NewNotifier creates a mail-backed notifier. When alerting is disabled
// or unconfigured, a no-op notifier is returned instead.
func NewNotifier(log *logger.Logger, cfg Config) Notifier {
	if !cfg.Enabled || cfg.APIKey == "" || cfg.To == "" {
		log.Info("alerting disabled, notifications will be logged only")
		return &nopNotifier{log: log.With("service", "Alert")}
	}
	return &mailNotifier{
		log: log.With("service", "Alert"),
		cfg: cfg,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Notify sends one alert mail
func (n *mailNotifier) Notify(ctx context.Context, subject, body string) error {
	payload := map[string]interface{}{
		"personalizations": []map[string]interface{}{
			{"to": []map[string]string{{"email": n.cfg.To}}},
		},
		"from":    map[string]string{"email": n.cfg.From},
		"subject": subject,
		"content": []map[string]string{
			{"type": "text/plain", "value": body},
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.APIURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("alert request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("alert request returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	n.log.Info("alert sent", "subject", subject)
	return nil
}

type nopNotifier struct {
	log *logger.Logger
}

func (n *nopNotifier) Notify(ctx context.Context, subject, body string) error {
	n.log.Warn("alert suppressed", "subject", subject, "body", body)
	return nil
}
