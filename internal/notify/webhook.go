package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/referral-tracker/pkg/logger"
)

// Pinger tells an external listener that a promoter has new data.
type Pinger interface {
	Ping(ctx context.Context, promoterID string) error
}

// NopPinger does nothing
type NopPinger struct{}

func (NopPinger) Ping(context.Context, string) error { return nil }

type webhookPayload struct {
	ID string `json:"id"`
}

// Webhook posts {"id": promoterID} to a fixed URL
type Webhook struct {
	url  string
	http *resty.Client
	log  *logger.Logger
}

// NewWebhook creates a webhook pinger for url
func NewWebhook(url string, timeout time.Duration, log *logger.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		url: url,
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		log: log.WithComponent("webhook"),
	}
}

// Ping posts the promoter id. Any non-2xx reply is an error.
func (w *Webhook) Ping(ctx context.Context, promoterID string) error {
	resp, err := w.http.R().
		SetContext(ctx).
		SetBody(webhookPayload{ID: promoterID}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	w.log.Debug().
		Str("promoter_id", promoterID).
		Int("status", resp.StatusCode()).
		Msg("Webhook pinged")
	return nil
}
