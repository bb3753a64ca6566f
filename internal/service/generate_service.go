package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/melodygen/api/internal/client"
	"github.com/melodygen/api/internal/compose"
	"github.com/melodygen/api/internal/config"
	"github.com/melodygen/api/internal/dispatch"
	"github.com/melodygen/api/internal/model"
	"github.com/melodygen/api/internal/normalize"
	"github.com/melodygen/api/internal/poll"
	"github.com/melodygen/api/internal/store"
)

// Notifier pushes job updates to connected clients. A nil Notifier is
// valid and means no push channel is wired.
type Notifier interface {
	NotifyState(taskID string, state model.JobState)
	NotifyComplete(taskID string, job *model.GenerationJob)
}

// placeholderTitles are titles some provider versions emit before a
// real title exists. A merge must never let one of these overwrite a
// title we already hold.
var placeholderTitles = map[string]struct{}{
	"":                  {},
	"AI Generated Song": {},
	"Untitled":          {},
	"Unknown":           {},
}

// scrubResult drops placeholder titles and, for vocal tracks whose
// lyrics field is empty, falls back to a prompt that reads like lyrics.
func scrubResult(res *normalize.Result) {
	if _, placeholder := placeholderTitles[res.Title]; placeholder {
		res.Title = ""
	}
	if res.Lyrics == "" && normalize.LooksLikeLyrics(res.Prompt) {
		res.Lyrics = res.Prompt
	}
}

// GenerateService owns the synchronous generation path: compose the
// song parameters, submit to the provider, create the durable record,
// then poll until an asset shows up or the wait budget runs out.
type GenerateService struct {
	store      store.Store
	suno       *client.SunoClient
	composer   *compose.Composer
	poller     *poll.Engine
	dispatcher *dispatch.Dispatcher
	notifier   Notifier
	waitBudget time.Duration
}

// NewGenerateService creates a new generate service
func NewGenerateService(
	st store.Store,
	suno *client.SunoClient,
	composer *compose.Composer,
	poller *poll.Engine,
	dispatcher *dispatch.Dispatcher,
	notifier Notifier,
	cfg *config.GenerateConfig,
) *GenerateService {
	budget := time.Duration(cfg.WaitTimeoutSeconds) * time.Second
	if budget <= 0 {
		budget = 120 * time.Second
	}
	return &GenerateService{
		store:      st,
		suno:       suno,
		composer:   composer,
		poller:     poller,
		dispatcher: dispatcher,
		notifier:   notifier,
		waitBudget: budget,
	}
}

// Generate runs one generation request end to end. It always creates
// the track and job records once the provider accepts the submission,
// so a webhook arriving at any later point finds a record to update.
func (s *GenerateService) Generate(ctx context.Context, userID string, req *model.GenerateRequest) (*model.GenerateResponse, error) {
	params := s.composer.Compose(ctx, req.Prompt, req.Instrumental)
	style := params.Style
	if req.Style != "" {
		style = req.Style
	}

	sub, err := s.suno.Submit(ctx, &client.SubmitRequest{
		Prompt:       params.Prompt,
		Style:        style,
		Title:        params.Title,
		Instrumental: req.Instrumental,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	track := &model.Track{
		ID:         uuid.NewString(),
		TaskID:     sub.TaskID,
		UserID:     userID,
		ArtistName: params.Title,
		IsAI:       true,
		CreatedAt:  now,
	}
	if err := s.store.CreateTrack(ctx, track); err != nil {
		return nil, fmt.Errorf("failed to create track: %w", err)
	}

	job := &model.GenerationJob{
		TaskID:       sub.TaskID,
		TrackID:      track.ID,
		State:        model.JobStateSubmitted,
		Title:        params.Title,
		Genre:        normalize.Genre(style),
		Prompt:       req.Prompt,
		Style:        style,
		Instrumental: req.Instrumental,
		Notes: store.LegacyMarkerPrefix + sub.TaskID +
			"\nOriginal: " + req.Prompt +
			"\nConverted: " + params.Prompt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}

	// Some provider versions hand the finished asset back on the
	// submission call itself.
	if res := normalize.Payload(sub.Data); res.AudioURL != "" {
		return s.completeWithResult(ctx, sub.TaskID, track.ID, &res)
	}

	if _, err := s.store.AdvanceState(ctx, sub.TaskID, model.JobStatePolling); err != nil {
		return nil, fmt.Errorf("failed to advance job state: %w", err)
	}
	if s.notifier != nil {
		s.notifier.NotifyState(sub.TaskID, model.JobStatePolling)
	}

	budget := s.waitBudget
	if req.WaitSeconds > 0 {
		budget = time.Duration(req.WaitSeconds) * time.Second
	}

	pr := s.poller.Wait(ctx, sub, budget)
	switch pr.Outcome {
	case poll.OutcomeFoundAsset:
		res := normalize.Payload(pr.Payload)
		return s.completeWithResult(ctx, sub.TaskID, track.ID, &res)

	case poll.OutcomeTerminalFailure:
		job, err := s.store.AdvanceState(ctx, sub.TaskID, model.JobStateFailed)
		if err != nil {
			return nil, fmt.Errorf("failed to mark job failed: %w", err)
		}
		if s.notifier != nil {
			s.notifier.NotifyState(sub.TaskID, job.State)
		}
		log.Printf("[Generate] task %s reported terminal failure while polling", sub.TaskID)
		return buildResponse(track.ID, job, model.OutcomePending), nil

	default: // timeout
		job, err := s.store.AdvanceState(ctx, sub.TaskID, model.JobStatePendingWebhook)
		if err != nil {
			return nil, fmt.Errorf("failed to park job for webhook: %w", err)
		}
		if s.notifier != nil {
			s.notifier.NotifyState(sub.TaskID, job.State)
		}
		log.Printf("[Generate] task %s wait budget elapsed, deferring to webhook", sub.TaskID)
		return buildResponse(track.ID, job, model.OutcomePending), nil
	}
}

// completeWithResult merges a usable provider result into the record
// and schedules follow-up work. Shared by the inline-asset and polling
// success paths.
func (s *GenerateService) completeWithResult(ctx context.Context, taskID, trackID string, res *normalize.Result) (*model.GenerateResponse, error) {
	scrubResult(res)

	job, err := s.store.MergeResult(ctx, taskID, res)
	if err != nil {
		return nil, fmt.Errorf("failed to merge generation result: %w", err)
	}

	s.dispatcher.DispatchForResult(ctx, job, res)

	if s.notifier != nil {
		s.notifier.NotifyComplete(taskID, job)
	}
	log.Printf("[Generate] task %s completed with asset", taskID)
	return buildResponse(trackID, job, model.OutcomeCompleted), nil
}

// GetTrack returns a track joined with its current job record.
func (s *GenerateService) GetTrack(ctx context.Context, trackID string) (*model.TrackResponse, error) {
	track, err := s.store.GetTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.Get(ctx, track.TaskID)
	if err != nil {
		return nil, err
	}
	return buildTrackResponse(track, job), nil
}

// ListTracks returns the most recent tracks with their job records.
func (s *GenerateService) ListTracks(ctx context.Context, limit int) ([]*model.TrackResponse, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	tracks, err := s.store.ListRecentTracks(ctx, limit)
	if err != nil {
		return nil, err
	}

	out := make([]*model.TrackResponse, 0, len(tracks))
	for _, track := range tracks {
		job, err := s.store.Get(ctx, track.TaskID)
		if err != nil {
			continue
		}
		out = append(out, buildTrackResponse(track, job))
	}
	return out, nil
}

// TaskStatus asks the provider directly for the current status of a
// task and returns the normalized view. The durable record is the
// source of truth; this exists for debugging stuck jobs.
func (s *GenerateService) TaskStatus(ctx context.Context, taskID string) (*model.TaskStatusResponse, error) {
	payload, err := s.suno.CheckStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	res := normalize.Payload(payload)
	return &model.TaskStatusResponse{
		TaskID:   taskID,
		Status:   res.Status,
		AudioURL: res.AudioURL,
		Title:    res.Title,
		Duration: res.Duration,
	}, nil
}

func buildResponse(trackID string, job *model.GenerationJob, outcome model.GenerationOutcome) *model.GenerateResponse {
	return &model.GenerateResponse{
		TrackID:   trackID,
		TaskID:    job.TaskID,
		Outcome:   outcome,
		State:     job.State,
		Title:     job.Title,
		AudioURL:  job.AudioURL,
		Duration:  job.Duration,
		Lyrics:    job.Lyrics,
		CoverURL:  job.CoverURL,
		Genre:     job.Genre,
		CreatedAt: job.CreatedAt,
	}
}

func buildTrackResponse(track *model.Track, job *model.GenerationJob) *model.TrackResponse {
	return &model.TrackResponse{
		TrackID:    track.ID,
		TaskID:     track.TaskID,
		State:      job.State,
		Title:      job.Title,
		ArtistName: track.ArtistName,
		AudioURL:   job.AudioURL,
		Duration:   job.Duration,
		Lyrics:     job.Lyrics,
		CoverURL:   job.CoverURL,
		Genre:      job.Genre,
		CreatedAt:  track.CreatedAt,
	}
}
