package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"resume-analysis-pipeline/internal/analysis"
	"resume-analysis-pipeline/internal/config"
)

// Reporter delivers completion callbacks to the API's webhook endpoint.
type Reporter interface {
	Report(ctx context.Context, payload analysis.WebhookPayload) error
}

// WebhookReporter POSTs the outcome over HTTP. The endpoint answers 200 for
// every delivered callback, so any other status is a delivery failure.
type WebhookReporter struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookReporter(cfg config.Config) *WebhookReporter {
	return &WebhookReporter{
		url:    cfg.WebhookURL,
		secret: cfg.WebhookSecret,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *WebhookReporter) Report(ctx context.Context, payload analysis.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("X-Webhook-Secret", w.secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook for %s: %w", payload.JobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook for %s answered %d", payload.JobID, resp.StatusCode)
	}
	var receipt analysis.Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return fmt.Errorf("decode webhook receipt for %s: %w", payload.JobID, err)
	}
	if !receipt.Received {
		return fmt.Errorf("webhook for %s not received: %s", payload.JobID, receipt.Error)
	}
	return nil
}
