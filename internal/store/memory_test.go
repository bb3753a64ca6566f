package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/melodygen/api/internal/model"
	"github.com/melodygen/api/internal/normalize"
)

const permanentPrefix = "https://cdn.melodygen.com"

func newTestStore() *MemoryStore {
	return NewMemoryStore(permanentURLCheck(permanentPrefix))
}

func seedJob(t *testing.T, s *MemoryStore, taskID string) *model.GenerationJob {
	t.Helper()
	job := &model.GenerationJob{
		TaskID:    taskID,
		TrackID:   "track-" + taskID,
		State:     model.JobStateSubmitted,
		Prompt:    "summer rose",
		Style:     "K-Pop",
		Notes:     LegacyMarkerPrefix + taskID + "\nOriginal: summer rose",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Create(context.Background(), job); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return job
}

func TestCreate_Duplicate(t *testing.T) {
	s := newTestStore()
	seedJob(t, s, "t1")

	err := s.Create(context.Background(), &model.GenerationJob{TaskID: "t1"})
	if err != ErrDuplicateJob {
		t.Errorf("expected ErrDuplicateJob, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore()
	if _, err := s.Get(context.Background(), "missing"); err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMergeResult_Idempotent(t *testing.T) {
	s := newTestStore()
	seedJob(t, s, "t1")
	ctx := context.Background()

	res := &normalize.Result{
		AudioURL: "https://audio.provider.example/t1.mp3",
		Title:    "Summer Rose",
		Duration: 180,
		Genre:    "pop",
	}

	first, err := s.MergeResult(ctx, "t1", res)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	second, err := s.MergeResult(ctx, "t1", res)
	if err != nil {
		t.Fatalf("second merge failed: %v", err)
	}

	if first.AudioURL != second.AudioURL || first.Title != second.Title ||
		first.Duration != second.Duration || first.Genre != second.Genre ||
		first.State != second.State {
		t.Errorf("merge not idempotent: first %+v, second %+v", first, second)
	}
	if second.State != model.JobStateCompleted {
		t.Errorf("expected completed after merge with asset, got %s", second.State)
	}
}

func TestMergeResult_EmptyNeverClears(t *testing.T) {
	s := newTestStore()
	seedJob(t, s, "t1")
	ctx := context.Background()

	if _, err := s.MergeResult(ctx, "t1", &normalize.Result{
		Title:  "Keep Me",
		Lyrics: "la la la",
	}); err != nil {
		t.Fatal(err)
	}

	job, err := s.MergeResult(ctx, "t1", &normalize.Result{Genre: "jazz"})
	if err != nil {
		t.Fatal(err)
	}
	if job.Title != "Keep Me" || job.Lyrics != "la la la" {
		t.Errorf("empty incoming fields cleared existing values: %+v", job)
	}
	if job.Genre != "jazz" {
		t.Errorf("non-empty incoming field not applied: %q", job.Genre)
	}
}

func TestMergeResult_PermanentURLIsTerminal(t *testing.T) {
	s := newTestStore()
	seedJob(t, s, "t1")
	ctx := context.Background()

	if _, err := s.MergeResult(ctx, "t1", &normalize.Result{
		AudioURL: "https://audio.provider.example/t1.mp3",
	}); err != nil {
		t.Fatal(err)
	}

	job, err := s.SetPermanentAudioURL(ctx, "t1", permanentPrefix+"/audio/t1.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(job.AudioURL, permanentPrefix) {
		t.Fatalf("expected permanent URL, got %q", job.AudioURL)
	}

	// A later provider-hosted URL must not win.
	job, err = s.MergeResult(ctx, "t1", &normalize.Result{
		AudioURL: "https://audio.provider.example/t1-v2.mp3",
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.AudioURL != permanentPrefix+"/audio/t1.mp3" {
		t.Errorf("permanent URL overwritten: %q", job.AudioURL)
	}

	// Nor a second permanent flip.
	job, err = s.SetPermanentAudioURL(ctx, "t1", permanentPrefix+"/audio/other.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if job.AudioURL != permanentPrefix+"/audio/t1.mp3" {
		t.Errorf("permanent URL replaced: %q", job.AudioURL)
	}
}

func TestMarkFollowUpDispatched_Once(t *testing.T) {
	s := newTestStore()
	seedJob(t, s, "t1")
	ctx := context.Background()

	added, err := s.MarkFollowUpDispatched(ctx, "t1", model.FollowUpPersistAsset)
	if err != nil || !added {
		t.Fatalf("first mark: added=%v err=%v", added, err)
	}
	added, err = s.MarkFollowUpDispatched(ctx, "t1", model.FollowUpPersistAsset)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("second mark for the same kind reported newly added")
	}

	// A different kind is independent.
	added, err = s.MarkFollowUpDispatched(ctx, "t1", model.FollowUpAlignedLyrics)
	if err != nil || !added {
		t.Errorf("different kind: added=%v err=%v", added, err)
	}

	job, _ := s.Get(ctx, "t1")
	if len(job.DispatchedFollowUps) != 2 {
		t.Errorf("expected 2 dispatched kinds, got %v", job.DispatchedFollowUps)
	}
}

func TestFindByLegacyMarker(t *testing.T) {
	s := newTestStore()
	seedJob(t, s, "legacy-123")

	job, err := s.FindByLegacyMarker(context.Background(), LegacyMarkerPrefix+"legacy-123")
	if err != nil {
		t.Fatalf("legacy lookup failed: %v", err)
	}
	if job.TaskID != "legacy-123" {
		t.Errorf("wrong record: %q", job.TaskID)
	}

	if _, err := s.FindByLegacyMarker(context.Background(), LegacyMarkerPrefix+"nope"); err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestAdvanceState_ForwardOnly(t *testing.T) {
	s := newTestStore()
	seedJob(t, s, "t1")
	ctx := context.Background()

	job, err := s.AdvanceState(ctx, "t1", model.JobStatePolling)
	if err != nil || job.State != model.JobStatePolling {
		t.Fatalf("advance to polling: state=%s err=%v", job.State, err)
	}

	job, _ = s.AdvanceState(ctx, "t1", model.JobStatePendingWebhook)
	if job.State != model.JobStatePendingWebhook {
		t.Fatalf("advance to pending_webhook: state=%s", job.State)
	}

	// Regression attempts are ignored.
	job, _ = s.AdvanceState(ctx, "t1", model.JobStateSubmitted)
	if job.State != model.JobStatePendingWebhook {
		t.Errorf("state regressed to %s", job.State)
	}

	// pending_webhook may still complete.
	job, _ = s.AdvanceState(ctx, "t1", model.JobStateCompleted)
	if job.State != model.JobStateCompleted {
		t.Errorf("expected completed, got %s", job.State)
	}

	// Completed is terminal.
	job, _ = s.AdvanceState(ctx, "t1", model.JobStateFailed)
	if job.State != model.JobStateCompleted {
		t.Errorf("terminal state mutated to %s", job.State)
	}
}

func TestTracks(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateTrack(ctx, &model.Track{ID: id, TaskID: "t-" + id, IsAI: true}); err != nil {
			t.Fatal(err)
		}
	}

	track, err := s.GetTrack(ctx, "b")
	if err != nil || track.TaskID != "t-b" {
		t.Fatalf("get track: %+v err=%v", track, err)
	}

	recent, err := s.ListRecentTracks(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Errorf("unexpected recent order: %+v", recent)
	}

	if _, err := s.GetTrack(ctx, "zz"); err != ErrTrackNotFound {
		t.Errorf("expected ErrTrackNotFound, got %v", err)
	}
}
