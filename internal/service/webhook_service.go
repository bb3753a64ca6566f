package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/melodygen/api/internal/dispatch"
	"github.com/melodygen/api/internal/model"
	"github.com/melodygen/api/internal/normalize"
	"github.com/melodygen/api/internal/store"
)

// ReconcileStatus says what a webhook delivery amounted to.
type ReconcileStatus string

const (
	// ReconcileProgress is an intermediate notification with no asset;
	// the record is not mutated.
	ReconcileProgress ReconcileStatus = "progress_update"
	// ReconcileTerminal carried an asset or a terminal failure and the
	// record was updated.
	ReconcileTerminal ReconcileStatus = "terminal_update"
	// ReconcileUnroutable means no job record could be found for the
	// delivery. Not an error: retrying cannot help.
	ReconcileUnroutable ReconcileStatus = "unroutable"
)

// WebhookService folds provider callback deliveries into job records.
// It runs on the background queue; the transport handler only enqueues
// the raw body and acknowledges.
type WebhookService struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	notifier   Notifier
}

// NewWebhookService creates a new webhook service
func NewWebhookService(st store.Store, dispatcher *dispatch.Dispatcher, notifier Notifier) *WebhookService {
	return &WebhookService{store: st, dispatcher: dispatcher, notifier: notifier}
}

// Reconcile processes one raw callback body. A nil error with status
// unroutable means the delivery was dropped on purpose; a non-nil
// error is a store failure worth retrying.
func (s *WebhookService) Reconcile(ctx context.Context, raw []byte) (ReconcileStatus, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		log.Printf("[Webhook] unparseable callback body dropped: %v", err)
		return ReconcileUnroutable, nil
	}

	// Unwrap the standard {code, msg, data} envelope when present.
	payload := body
	if data, ok := body["data"].(map[string]interface{}); ok {
		payload = data
	}

	callbackType := normalize.Str(payload, "callbackType", "callback_type", "type")
	if callbackType == "" {
		callbackType = "complete"
	}

	res := normalize.Payload(payload)
	taskID := res.TaskID
	if taskID == "" {
		taskID = normalize.Str(body, "taskId", "task_id")
	}
	if taskID == "" {
		log.Printf("[Webhook] callback carries no task id, dropping")
		return ReconcileUnroutable, nil
	}

	job, err := s.findJob(ctx, taskID)
	if errors.Is(err, store.ErrJobNotFound) {
		log.Printf("[Webhook] no job record for task %s, dropping", taskID)
		return ReconcileUnroutable, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up job for task %s: %w", taskID, err)
	}

	// Text and progress callbacks with no asset carry nothing worth
	// persisting yet.
	if res.AudioURL == "" && callbackType != "complete" {
		log.Printf("[Webhook] task %s %s callback, no asset yet", taskID, callbackType)
		if s.notifier != nil && !job.State.Terminal() {
			s.notifier.NotifyState(job.TaskID, job.State)
		}
		return ReconcileProgress, nil
	}

	if res.AudioURL == "" && isTerminalStatus(res.Status) {
		updated, err := s.store.AdvanceState(ctx, job.TaskID, model.JobStateFailed)
		if err != nil {
			return "", fmt.Errorf("failed to mark job %s failed: %w", job.TaskID, err)
		}
		if s.notifier != nil {
			s.notifier.NotifyState(job.TaskID, updated.State)
		}
		log.Printf("[Webhook] task %s reported terminal failure", taskID)
		return ReconcileTerminal, nil
	}

	if res.AudioURL == "" {
		// Complete callback with no asset and no failure status; treat
		// as progress and wait for a later delivery.
		return ReconcileProgress, nil
	}

	scrubResult(&res)

	updated, err := s.store.MergeResult(ctx, job.TaskID, &res)
	if err != nil {
		return "", fmt.Errorf("failed to merge callback for task %s: %w", job.TaskID, err)
	}

	s.dispatcher.DispatchForResult(ctx, updated, &res)

	if s.notifier != nil {
		s.notifier.NotifyComplete(updated.TaskID, updated)
	}
	log.Printf("[Webhook] task %s reconciled, state=%s", taskID, updated.State)
	return ReconcileTerminal, nil
}

// findJob looks the record up by key first, then falls back to the
// notes-field marker scan for records predating direct indexing.
func (s *WebhookService) findJob(ctx context.Context, taskID string) (*model.GenerationJob, error) {
	job, err := s.store.Get(ctx, taskID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, store.ErrJobNotFound) {
		return nil, err
	}
	return s.store.FindByLegacyMarker(ctx, store.LegacyMarkerPrefix+taskID)
}

func isTerminalStatus(status string) bool {
	switch strings.ToLower(status) {
	case "failed", "error", "failure":
		return true
	}
	return false
}
