package worker

import (
	"context"
	"log"

	"github.com/hibiken/asynq"

	"github.com/melodygen/api/internal/service"
)

// WebhookWorker processes queued provider callback deliveries
type WebhookWorker struct {
	webhookService *service.WebhookService
}

// NewWebhookWorker creates a new webhook worker
func NewWebhookWorker(webhookService *service.WebhookService) *WebhookWorker {
	return &WebhookWorker{webhookService: webhookService}
}

// ProcessTask reconciles one raw callback body against the job store.
// Unroutable deliveries return nil: a retry cannot make a record
// appear. Store failures bubble up so asynq retries them.
func (w *WebhookWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	status, err := w.webhookService.Reconcile(ctx, t.Payload())
	if err != nil {
		retries, _ := asynq.GetRetryCount(ctx)
		max, _ := asynq.GetMaxRetry(ctx)
		if retries >= max {
			log.Printf("[Worker] webhook reconciliation giving up after %d retries: %v", retries, err)
		}
		return err
	}
	log.Printf("[Worker] webhook delivery processed: %s", status)
	return nil
}
