package store

import (
	"context"
	"errors"

	"github.com/melodygen/api/internal/model"
	"github.com/melodygen/api/internal/normalize"
)

var (
	// ErrDuplicateJob is returned by Create when a record already
	// exists for the task ID.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound is returned by lookups that miss.
	ErrJobNotFound = errors.New("job not found")
	// ErrTrackNotFound is returned by track lookups that miss.
	ErrTrackNotFound = errors.New("track not found")
)

// LegacyMarkerPrefix is the marker embedded in the notes field of
// records written before task IDs were indexed directly. Lookup by
// marker exists only so those old records stay reachable; new records
// are found by key.
const LegacyMarkerPrefix = "TaskID: "

// JobStore persists generation job records. All mutation goes through
// compare-and-set operations so the synchronous polling path, the
// webhook path and background workers can write concurrently and
// converge on the same final record.
type JobStore interface {
	// Create stores a new record. ErrDuplicateJob if the task ID exists.
	Create(ctx context.Context, job *model.GenerationJob) error

	// Get returns the record for a task ID, ErrJobNotFound if absent.
	Get(ctx context.Context, taskID string) (*model.GenerationJob, error)

	// FindByLegacyMarker scans the free-text notes field for records
	// predating direct task-ID indexing. Migration path only.
	FindByLegacyMarker(ctx context.Context, fragment string) (*model.GenerationJob, error)

	// MergeResult folds a normalized provider result into the record.
	// Non-empty incoming fields overwrite, empty incoming fields never
	// clear, and a provider-hosted audio URL is accepted only while no
	// permanent-storage URL is recorded. Idempotent.
	MergeResult(ctx context.Context, taskID string, res *normalize.Result) (*model.GenerationJob, error)

	// AdvanceState moves the record forward; illegal transitions are
	// ignored and the current record returned.
	AdvanceState(ctx context.Context, taskID string, state model.JobState) (*model.GenerationJob, error)

	// MarkFollowUpDispatched atomically records that a follow-up kind
	// was scheduled. Returns true only for the first caller; work must
	// be enqueued only on true.
	MarkFollowUpDispatched(ctx context.Context, taskID string, kind model.FollowUpKind) (bool, error)

	// SetPermanentAudioURL flips the audio URL to its permanent-storage
	// location. No-op if a permanent URL is already recorded.
	SetPermanentAudioURL(ctx context.Context, taskID, url string) (*model.GenerationJob, error)

	// SetPermanentCoverURL flips the cover URL to permanent storage.
	SetPermanentCoverURL(ctx context.Context, taskID, url string) (*model.GenerationJob, error)

	// SetLyrics replaces the lyrics text (aligned-lyrics upgrade).
	SetLyrics(ctx context.Context, taskID, lyrics string) error
}

// TrackStore persists the domain entities bound to jobs at submission.
type TrackStore interface {
	CreateTrack(ctx context.Context, track *model.Track) error
	GetTrack(ctx context.Context, id string) (*model.Track, error)
	ListRecentTracks(ctx context.Context, limit int) ([]*model.Track, error)
}

// Store combines both record families; the redis and memory
// implementations satisfy it.
type Store interface {
	JobStore
	TrackStore
}
