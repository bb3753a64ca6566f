package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/melodygen/api/internal/client"
	"github.com/melodygen/api/internal/dispatch"
	"github.com/melodygen/api/internal/model"
	"github.com/melodygen/api/internal/store"
)

// FollowUpWorker executes the per-job follow-up tasks: moving
// provider-hosted assets into permanent storage and fetching aligned
// lyrics. A failed asset persist is not fatal to the job: the record
// keeps the provider URL it already has.
type FollowUpWorker struct {
	jobs    store.JobStore
	storage client.Storage
	suno    *client.SunoClient
}

// NewFollowUpWorker creates a new follow-up worker. storage may be nil
// when no permanent bucket is configured; persist tasks then log and
// skip.
func NewFollowUpWorker(jobs store.JobStore, storage client.Storage, suno *client.SunoClient) *FollowUpWorker {
	return &FollowUpWorker{jobs: jobs, storage: storage, suno: suno}
}

// ProcessPersistAsset downloads a provider-hosted audio file and
// re-homes it under permanent storage, then flips the record's URL.
func (w *FollowUpWorker) ProcessPersistAsset(ctx context.Context, t *asynq.Task) error {
	var payload dispatch.PersistAssetPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal persist payload: %w", err)
	}
	return w.persist(ctx, t, payload, "audio/"+payload.TaskID+".mp3", "audio/mpeg", w.jobs.SetPermanentAudioURL)
}

// ProcessPersistCover re-homes the cover image the same way.
func (w *FollowUpWorker) ProcessPersistCover(ctx context.Context, t *asynq.Task) error {
	var payload dispatch.PersistAssetPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal persist payload: %w", err)
	}
	return w.persist(ctx, t, payload, "covers/"+payload.TaskID+".jpg", "image/jpeg", w.jobs.SetPermanentCoverURL)
}

type setURLFunc = func(ctx context.Context, taskID, url string) (*model.GenerationJob, error)

func (w *FollowUpWorker) persist(ctx context.Context, t *asynq.Task, payload dispatch.PersistAssetPayload, key, contentType string, setURL setURLFunc) error {
	if w.storage == nil {
		log.Printf("[Worker] storage not configured, keeping provider URL for task %s", payload.TaskID)
		return nil
	}
	if payload.SourceURL == "" || w.storage.IsPermanentURL(payload.SourceURL) {
		return nil
	}

	url, err := w.storage.PersistFromURL(ctx, payload.SourceURL, key, contentType)
	if err != nil {
		w.logGiveUp(ctx, t, payload.TaskID, err)
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}

	if _, err := setURL(ctx, payload.TaskID, url); err != nil {
		return fmt.Errorf("failed to record permanent url for task %s: %w", payload.TaskID, err)
	}

	log.Printf("[Worker] task %s asset persisted to %s", payload.TaskID, url)
	return nil
}

// ProcessAlignedLyrics fetches word-level timestamped lyrics for a
// finished vocal track and upgrades the record's lyrics field.
func (w *FollowUpWorker) ProcessAlignedLyrics(ctx context.Context, t *asynq.Task) error {
	var payload dispatch.AlignedLyricsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal lyrics payload: %w", err)
	}

	lyrics, err := w.suno.AlignedLyrics(ctx, payload.TaskID, payload.AudioID)
	if err != nil {
		w.logGiveUp(ctx, t, payload.TaskID, err)
		return err
	}
	if lyrics == "" {
		log.Printf("[Worker] no alignment data for task %s", payload.TaskID)
		return nil
	}

	if err := w.jobs.SetLyrics(ctx, payload.TaskID, lyrics); err != nil {
		return fmt.Errorf("failed to store aligned lyrics for task %s: %w", payload.TaskID, err)
	}
	log.Printf("[Worker] task %s lyrics upgraded to aligned words", payload.TaskID)
	return nil
}

// logGiveUp notes when a follow-up is on its last attempt; the archived
// task is then the place to inspect the failure.
func (w *FollowUpWorker) logGiveUp(ctx context.Context, t *asynq.Task, taskID string, err error) {
	retries, _ := asynq.GetRetryCount(ctx)
	max, _ := asynq.GetMaxRetry(ctx)
	if retries >= max {
		log.Printf("[Worker] %s for task %s failed on final attempt: %v", t.Type(), taskID, err)
	}
}
