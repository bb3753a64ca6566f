package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/melodygen/api/internal/dispatch"
	"github.com/melodygen/api/internal/model"
	"github.com/melodygen/api/internal/store"
)

const permanentPrefix = "https://cdn.melodygen.com"

func isPermanentURL(url string) bool {
	return len(url) >= len(permanentPrefix) && url[:len(permanentPrefix)] == permanentPrefix
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (q *recordingQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: "rec", Type: task.Type()}, nil
}

func (q *recordingQueue) typeCounts() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[string]int{}
	for _, task := range q.tasks {
		counts[task.Type()]++
	}
	return counts
}

type recordingNotifier struct {
	states    []model.JobState
	completes []string
}

func (n *recordingNotifier) NotifyState(taskID string, state model.JobState) {
	n.states = append(n.states, state)
}

func (n *recordingNotifier) NotifyComplete(taskID string, job *model.GenerationJob) {
	n.completes = append(n.completes, taskID)
}

func newWebhookFixture(t *testing.T) (*WebhookService, *store.MemoryStore, *recordingQueue, *recordingNotifier) {
	t.Helper()
	st := store.NewMemoryStore(isPermanentURL)
	queue := &recordingQueue{}
	notifier := &recordingNotifier{}
	d := dispatch.New(st, queue, isPermanentURL)
	return NewWebhookService(st, d, notifier), st, queue, notifier
}

func seedPendingJob(t *testing.T, st *store.MemoryStore, taskID string) {
	t.Helper()
	now := time.Now().UTC()
	job := &model.GenerationJob{
		TaskID:    taskID,
		TrackID:   "track-" + taskID,
		State:     model.JobStatePendingWebhook,
		Title:     "Night Drive",
		Prompt:    "a song about driving at night",
		Notes:     store.LegacyMarkerPrefix + taskID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func completeCallback(taskID string, track map[string]interface{}) []byte {
	body := map[string]interface{}{
		"code": 200,
		"msg":  "success",
		"data": map[string]interface{}{
			"callbackType": "complete",
			"task_id":      taskID,
			"data":         []interface{}{track},
		},
	}
	raw, _ := json.Marshal(body)
	return raw
}

func TestReconcile_CompleteCallbackMergesRecord(t *testing.T) {
	svc, st, queue, notifier := newWebhookFixture(t)
	ctx := context.Background()
	seedPendingJob(t, st, "task-1")

	raw := completeCallback("task-1", map[string]interface{}{
		"id":        "aud-1",
		"audio_url": "https://provider.example/task-1.mp3",
		"image_url": "https://provider.example/task-1.jpg",
		"title":     "Midnight Motorway",
		"duration":  183.5,
		"tags":      "pop, dance, synth",
	})

	status, err := svc.Reconcile(ctx, raw)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if status != ReconcileTerminal {
		t.Errorf("status = %s, want %s", status, ReconcileTerminal)
	}

	job, err := st.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != model.JobStateCompleted {
		t.Errorf("state = %s, want completed", job.State)
	}
	if job.AudioURL != "https://provider.example/task-1.mp3" {
		t.Errorf("audio url = %q", job.AudioURL)
	}
	if job.Title != "Midnight Motorway" {
		t.Errorf("title = %q", job.Title)
	}
	if job.Genre != "pop" {
		t.Errorf("genre = %q, want first comma token only", job.Genre)
	}
	if job.Duration != 183.5 {
		t.Errorf("duration = %v", job.Duration)
	}

	counts := queue.typeCounts()
	if counts[dispatch.TaskTypePersistAsset] != 1 {
		t.Errorf("persist_asset enqueued %d times, want 1", counts[dispatch.TaskTypePersistAsset])
	}
	if counts[dispatch.TaskTypePersistCover] != 1 {
		t.Errorf("persist_cover enqueued %d times, want 1", counts[dispatch.TaskTypePersistCover])
	}
	if len(notifier.completes) != 1 {
		t.Errorf("completion notified %d times, want 1", len(notifier.completes))
	}
}

func TestReconcile_DuplicateDeliveryIsIdempotent(t *testing.T) {
	svc, st, queue, _ := newWebhookFixture(t)
	ctx := context.Background()
	seedPendingJob(t, st, "task-2")

	raw := completeCallback("task-2", map[string]interface{}{
		"audio_url": "https://provider.example/task-2.mp3",
		"title":     "Echoes",
	})

	for i := 0; i < 2; i++ {
		if _, err := svc.Reconcile(ctx, raw); err != nil {
			t.Fatalf("reconcile #%d: %v", i+1, err)
		}
	}

	counts := queue.typeCounts()
	if counts[dispatch.TaskTypePersistAsset] != 1 {
		t.Errorf("persist_asset enqueued %d times after duplicate delivery, want 1", counts[dispatch.TaskTypePersistAsset])
	}
}

func TestReconcile_ProgressCallbackDoesNotMutate(t *testing.T) {
	svc, st, queue, _ := newWebhookFixture(t)
	ctx := context.Background()
	seedPendingJob(t, st, "task-3")

	before, _ := st.Get(ctx, "task-3")

	body := map[string]interface{}{
		"code": 200,
		"data": map[string]interface{}{
			"callbackType": "text",
			"task_id":      "task-3",
			"data": []interface{}{
				map[string]interface{}{"title": "Working Title", "lyrics": "la la la"},
			},
		},
	}
	raw, _ := json.Marshal(body)

	status, err := svc.Reconcile(ctx, raw)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if status != ReconcileProgress {
		t.Errorf("status = %s, want %s", status, ReconcileProgress)
	}

	after, _ := st.Get(ctx, "task-3")
	if after.Title != before.Title || after.State != before.State {
		t.Error("progress callback must not change the record")
	}
	if len(queue.tasks) != 0 {
		t.Errorf("progress callback enqueued %d tasks, want 0", len(queue.tasks))
	}
}

func TestReconcile_PlaceholderTitleDoesNotOverwrite(t *testing.T) {
	svc, st, _, _ := newWebhookFixture(t)
	ctx := context.Background()
	seedPendingJob(t, st, "task-4")

	raw := completeCallback("task-4", map[string]interface{}{
		"audio_url": "https://provider.example/task-4.mp3",
		"title":     "AI Generated Song",
	})

	if _, err := svc.Reconcile(ctx, raw); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	job, _ := st.Get(ctx, "task-4")
	if job.Title != "Night Drive" {
		t.Errorf("title = %q, placeholder must not replace it", job.Title)
	}
}

func TestReconcile_PromptAsLyricsFallback(t *testing.T) {
	svc, st, _, _ := newWebhookFixture(t)
	ctx := context.Background()
	seedPendingJob(t, st, "task-5")

	raw := completeCallback("task-5", map[string]interface{}{
		"audio_url": "https://provider.example/task-5.mp3",
		"prompt":    "[Verse 1]\nHeadlights on the wet asphalt\n[Chorus]\nDrive, drive",
	})

	if _, err := svc.Reconcile(ctx, raw); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	job, _ := st.Get(ctx, "task-5")
	if job.Lyrics == "" {
		t.Error("lyrics-shaped prompt should be promoted into the lyrics field")
	}
}

func TestReconcile_TerminalFailureStatus(t *testing.T) {
	svc, st, _, _ := newWebhookFixture(t)
	ctx := context.Background()
	seedPendingJob(t, st, "task-6")

	raw := completeCallback("task-6", map[string]interface{}{
		"status": "FAILED",
	})

	status, err := svc.Reconcile(ctx, raw)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if status != ReconcileTerminal {
		t.Errorf("status = %s, want %s", status, ReconcileTerminal)
	}

	job, _ := st.Get(ctx, "task-6")
	if job.State != model.JobStateFailed {
		t.Errorf("state = %s, want failed", job.State)
	}
}

func TestReconcile_UnroutableDeliveryDroppedWithoutError(t *testing.T) {
	svc, _, queue, _ := newWebhookFixture(t)
	ctx := context.Background()

	cases := map[string][]byte{
		"unknown task": completeCallback("never-seen", map[string]interface{}{
			"audio_url": "https://provider.example/x.mp3",
		}),
		"no task id": []byte(`{"code":200,"data":{"callbackType":"complete"}}`),
		"not json":   []byte(`<html>bad gateway</html>`),
	}

	for name, raw := range cases {
		status, err := svc.Reconcile(ctx, raw)
		if err != nil {
			t.Errorf("%s: unexpected error %v", name, err)
		}
		if status != ReconcileUnroutable {
			t.Errorf("%s: status = %s, want %s", name, status, ReconcileUnroutable)
		}
	}
	if len(queue.tasks) != 0 {
		t.Errorf("unroutable deliveries enqueued %d tasks, want 0", len(queue.tasks))
	}
}

func TestReconcile_LegacyMarkerFallback(t *testing.T) {
	svc, st, _, _ := newWebhookFixture(t)
	ctx := context.Background()

	// A record written before task IDs were indexed: keyed by an old
	// internal ID, real task ID only in the notes.
	now := time.Now().UTC()
	job := &model.GenerationJob{
		TaskID:    "legacy-internal-1",
		State:     model.JobStatePendingWebhook,
		Notes:     "imported\n" + store.LegacyMarkerPrefix + "real-task-9",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.Create(ctx, job); err != nil {
		t.Fatalf("seed legacy job: %v", err)
	}

	raw := completeCallback("real-task-9", map[string]interface{}{
		"audio_url": "https://provider.example/real-task-9.mp3",
	})

	status, err := svc.Reconcile(ctx, raw)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if status != ReconcileTerminal {
		t.Errorf("status = %s, want %s", status, ReconcileTerminal)
	}

	updated, _ := st.Get(ctx, "legacy-internal-1")
	if updated.AudioURL == "" {
		t.Error("legacy record should have been updated via marker lookup")
	}
	if updated.State != model.JobStateCompleted {
		t.Errorf("state = %s, want completed", updated.State)
	}
}

func TestReconcile_PermanentURLSurvivesLateDelivery(t *testing.T) {
	svc, st, _, _ := newWebhookFixture(t)
	ctx := context.Background()
	seedPendingJob(t, st, "task-7")

	first := completeCallback("task-7", map[string]interface{}{
		"audio_url": "https://provider.example/task-7.mp3",
	})
	if _, err := svc.Reconcile(ctx, first); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	permanent := permanentPrefix + "/audio/task-7.mp3"
	if _, err := st.SetPermanentAudioURL(ctx, "task-7", permanent); err != nil {
		t.Fatalf("set permanent url: %v", err)
	}

	late := completeCallback("task-7", map[string]interface{}{
		"audio_url": "https://provider.example/task-7-retry.mp3",
	})
	if _, err := svc.Reconcile(ctx, late); err != nil {
		t.Fatalf("late reconcile: %v", err)
	}

	job, _ := st.Get(ctx, "task-7")
	if job.AudioURL != permanent {
		t.Errorf("audio url = %q, permanent location must not be overwritten", job.AudioURL)
	}
}
