package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/melodygen/api/internal/model"
	"github.com/melodygen/api/internal/normalize"
)

// MemoryStore is an in-process Store used in tests and when redis is
// not configured. Mutations hold a single mutex, which gives it the
// same no-read-modify-write-window guarantee as the redis store's
// transactions.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*model.GenerationJob
	tracks      map[string]*model.Track
	recent      []string
	isPermanent func(string) bool
}

// NewMemoryStore creates an empty store. isPermanent decides whether a
// URL already points at permanent storage; nil means nothing does.
func NewMemoryStore(isPermanent func(string) bool) *MemoryStore {
	if isPermanent == nil {
		isPermanent = func(string) bool { return false }
	}
	return &MemoryStore{
		jobs:        make(map[string]*model.GenerationJob),
		tracks:      make(map[string]*model.Track),
		isPermanent: isPermanent,
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *model.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.TaskID]; ok {
		return ErrDuplicateJob
	}
	cp := *job
	s.jobs[job.TaskID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, taskID string) (*model.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(taskID)
}

func (s *MemoryStore) getLocked(taskID string) (*model.GenerationJob, error) {
	job, ok := s.jobs[taskID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	cp.DispatchedFollowUps = append([]model.FollowUpKind(nil), job.DispatchedFollowUps...)
	return &cp, nil
}

func (s *MemoryStore) FindByLegacyMarker(ctx context.Context, fragment string) (*model.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if strings.Contains(job.Notes, fragment) {
			cp := *job
			return &cp, nil
		}
	}
	return nil, ErrJobNotFound
}

func (s *MemoryStore) MergeResult(ctx context.Context, taskID string, res *normalize.Result) (*model.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[taskID]
	if !ok {
		return nil, ErrJobNotFound
	}
	applyResult(job, res, s.isPermanent)
	return s.getLocked(taskID)
}

func (s *MemoryStore) AdvanceState(ctx context.Context, taskID string, state model.JobState) (*model.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[taskID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.State.CanAdvanceTo(state) {
		job.State = state
		job.UpdatedAt = time.Now().UTC()
		if state == model.JobStateCompleted && job.CompletedAt == nil {
			now := time.Now().UTC()
			job.CompletedAt = &now
		}
	}
	return s.getLocked(taskID)
}

func (s *MemoryStore) MarkFollowUpDispatched(ctx context.Context, taskID string, kind model.FollowUpKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[taskID]
	if !ok {
		return false, ErrJobNotFound
	}
	if job.HasFollowUp(kind) {
		return false, nil
	}
	job.DispatchedFollowUps = append(job.DispatchedFollowUps, kind)
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) SetPermanentAudioURL(ctx context.Context, taskID, url string) (*model.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[taskID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !s.isPermanent(job.AudioURL) {
		job.AudioURL = url
		job.UpdatedAt = time.Now().UTC()
	}
	return s.getLocked(taskID)
}

func (s *MemoryStore) SetPermanentCoverURL(ctx context.Context, taskID, url string) (*model.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[taskID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !s.isPermanent(job.CoverURL) {
		job.CoverURL = url
		job.UpdatedAt = time.Now().UTC()
	}
	return s.getLocked(taskID)
}

func (s *MemoryStore) SetLyrics(ctx context.Context, taskID, lyrics string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[taskID]
	if !ok {
		return ErrJobNotFound
	}
	if lyrics != "" {
		job.Lyrics = lyrics
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) CreateTrack(ctx context.Context, track *model.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *track
	s.tracks[track.ID] = &cp
	s.recent = append(s.recent, track.ID)
	return nil
}

func (s *MemoryStore) GetTrack(ctx context.Context, id string) (*model.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	track, ok := s.tracks[id]
	if !ok {
		return nil, ErrTrackNotFound
	}
	cp := *track
	return &cp, nil
}

func (s *MemoryStore) ListRecentTracks(ctx context.Context, limit int) ([]*model.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Track, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		if track, ok := s.tracks[s.recent[i]]; ok {
			cp := *track
			out = append(out, &cp)
		}
	}
	return out, nil
}
