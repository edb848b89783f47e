package sink

import (
	"context"

	"github.com/use-agent/scrape/models"
	"github.com/use-agent/scrape/webhook"
)

// Webhook posts every record as a crawl.record event. Delivery runs in the
// background with retries, so Write never fails.
type Webhook struct {
	client *webhook.Client
	url    string
	secret string
}

// NewWebhook creates a webhook sink for one job's endpoint.
func NewWebhook(client *webhook.Client, url, secret string) *Webhook {
	return &Webhook{client: client, url: url, secret: secret}
}

func (w *Webhook) Write(_ context.Context, rec *models.ExtractedRecord) error {
	w.client.DeliverAsync(w.url, w.secret, webhook.NewEvent(webhook.EventRecord, rec.JobID, rec))
	return nil
}

func (w *Webhook) Close() error { return nil }
