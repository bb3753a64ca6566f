// Package dispatch schedules follow-up work exactly once per job and
// kind. The guard lives in the record store, not the queue: the same
// logical dispatch can be attempted from the polling path and the
// webhook path with different task payloads, so queue-level dedup
// would not help.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/melodygen/api/internal/model"
	"github.com/melodygen/api/internal/normalize"
	"github.com/melodygen/api/internal/store"
)

// Task type names
const (
	TaskTypeWebhookReconcile = "webhook:reconcile"
	TaskTypePersistAsset     = "followup:persist_asset"
	TaskTypePersistCover     = "followup:persist_cover"
	TaskTypeAlignedLyrics    = "followup:aligned_lyrics"
)

// Queue names
const (
	QueueWebhooks  = "webhooks"
	QueueFollowUps = "followups"
)

// minVocalLyricsLen is the heuristic for "this track has vocals": the
// record has no instrumental flag from the provider, so lyric length
// stands in for it.
const minVocalLyricsLen = 50

// PersistAssetPayload asks a worker to move a provider-hosted asset to
// permanent storage.
type PersistAssetPayload struct {
	TaskID    string `json:"taskId"`
	SourceURL string `json:"sourceUrl"`
}

// AlignedLyricsPayload asks a worker to fetch word-aligned lyrics.
type AlignedLyricsPayload struct {
	TaskID  string `json:"taskId"`
	AudioID string `json:"audioId,omitempty"`
}

// Enqueuer is the slice of asynq.Client the dispatcher uses; tests
// substitute a recorder.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher routes follow-up work onto the background queue.
type Dispatcher struct {
	jobs        store.JobStore
	queue       Enqueuer
	isPermanent func(string) bool
}

// New creates a Dispatcher. isPermanent decides whether a URL already
// lives in permanent storage; nil means nothing does.
func New(jobs store.JobStore, queue Enqueuer, isPermanent func(string) bool) *Dispatcher {
	if isPermanent == nil {
		isPermanent = func(string) bool { return false }
	}
	return &Dispatcher{jobs: jobs, queue: queue, isPermanent: isPermanent}
}

// MaybeDispatch enqueues the follow-up for kind unless it was already
// dispatched for this job, by either path.
func (d *Dispatcher) MaybeDispatch(ctx context.Context, taskID string, kind model.FollowUpKind, payload interface{}) error {
	added, err := d.jobs.MarkFollowUpDispatched(ctx, taskID, kind)
	if err != nil {
		return fmt.Errorf("failed to mark follow-up %s: %w", kind, err)
	}
	if !added {
		log.Printf("[Dispatch] %s already dispatched for task %s, skipping", kind, taskID)
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	task := asynq.NewTask(taskTypeFor(kind), data)
	_, err = d.queue.Enqueue(task,
		asynq.Queue(QueueFollowUps),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}

	log.Printf("[Dispatch] %s enqueued for task %s", kind, taskID)
	return nil
}

// DispatchForResult schedules whatever the merged record now supports:
// asset and cover persistence for provider-hosted URLs, and an aligned
// lyrics fetch for vocal tracks.
func (d *Dispatcher) DispatchForResult(ctx context.Context, job *model.GenerationJob, res *normalize.Result) {
	if job.AudioURL != "" && !d.isPermanent(job.AudioURL) {
		err := d.MaybeDispatch(ctx, job.TaskID, model.FollowUpPersistAsset, PersistAssetPayload{
			TaskID:    job.TaskID,
			SourceURL: job.AudioURL,
		})
		if err != nil {
			log.Printf("[Dispatch] persist_asset for task %s: %v", job.TaskID, err)
		}
	}

	if job.CoverURL != "" && !d.isPermanent(job.CoverURL) {
		err := d.MaybeDispatch(ctx, job.TaskID, model.FollowUpPersistCover, PersistAssetPayload{
			TaskID:    job.TaskID,
			SourceURL: job.CoverURL,
		})
		if err != nil {
			log.Printf("[Dispatch] persist_cover for task %s: %v", job.TaskID, err)
		}
	}

	if job.AudioURL != "" && !job.Instrumental && len(job.Lyrics) > minVocalLyricsLen {
		var audioID string
		if res != nil {
			audioID = res.AudioID
		}
		err := d.MaybeDispatch(ctx, job.TaskID, model.FollowUpAlignedLyrics, AlignedLyricsPayload{
			TaskID:  job.TaskID,
			AudioID: audioID,
		})
		if err != nil {
			log.Printf("[Dispatch] fetch_aligned_lyrics for task %s: %v", job.TaskID, err)
		}
	}
}

// EnqueueWebhook hands a raw callback body to the background queue.
// The transport handler never does reconciliation work inline.
func (d *Dispatcher) EnqueueWebhook(body []byte) error {
	task := asynq.NewTask(TaskTypeWebhookReconcile, body)
	_, err := d.queue.Enqueue(task,
		asynq.Queue(QueueWebhooks),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue webhook: %w", err)
	}
	return nil
}

func taskTypeFor(kind model.FollowUpKind) string {
	switch kind {
	case model.FollowUpPersistAsset:
		return TaskTypePersistAsset
	case model.FollowUpPersistCover:
		return TaskTypePersistCover
	case model.FollowUpAlignedLyrics:
		return TaskTypeAlignedLyrics
	default:
		return "followup:" + string(kind)
	}
}
