package model

import "time"

// JobState is the lifecycle state of a generation job. States only
// advance: submitted -> polling -> {completed | pending_webhook | failed},
// and pending_webhook may later become completed once the provider's
// callback arrives.
type JobState string

const (
	JobStateSubmitted      JobState = "submitted"
	JobStatePolling        JobState = "polling"
	JobStateCompleted      JobState = "completed"
	JobStatePendingWebhook JobState = "pending_webhook"
	JobStateFailed         JobState = "failed"
)

// CanAdvanceTo reports whether a transition from s to next is a legal
// forward move. Completed and failed are terminal.
func (s JobState) CanAdvanceTo(next JobState) bool {
	if s == next {
		return false
	}
	switch s {
	case JobStateSubmitted:
		return next == JobStatePolling || next == JobStateCompleted ||
			next == JobStatePendingWebhook || next == JobStateFailed
	case JobStatePolling:
		return next == JobStateCompleted || next == JobStatePendingWebhook || next == JobStateFailed
	case JobStatePendingWebhook:
		return next == JobStateCompleted || next == JobStateFailed
	default:
		return false
	}
}

// Terminal reports whether the state accepts no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// FollowUpKind identifies a kind of background follow-up work. Each kind
// dispatches at most once per job, no matter which completion path
// triggers it.
type FollowUpKind string

const (
	FollowUpPersistAsset  FollowUpKind = "persist_asset"
	FollowUpPersistCover  FollowUpKind = "persist_cover"
	FollowUpAlignedLyrics FollowUpKind = "fetch_aligned_lyrics"
)

// GenerationJob is the durable record tracking one generation attempt
// end-to-end. It is keyed by the provider-issued task ID and mutated by
// both the synchronous polling path and the webhook path.
type GenerationJob struct {
	TaskID  string   `json:"taskId"`
	TrackID string   `json:"trackId"`
	State   JobState `json:"state"`

	Title    string  `json:"title,omitempty"`
	AudioURL string  `json:"audioUrl,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Lyrics   string  `json:"lyrics,omitempty"`
	CoverURL string  `json:"coverUrl,omitempty"`
	Genre    string  `json:"genre,omitempty"`

	// Prompt and Style are fixed at submission time.
	Prompt       string `json:"prompt"`
	Style        string `json:"style,omitempty"`
	Instrumental bool   `json:"instrumental"`

	// Notes is a free-text annotation. It carries a "TaskID: <id>" line
	// for records that predate direct task-ID indexing; new lookups use
	// the key directly and only fall back to scanning this field.
	Notes string `json:"notes,omitempty"`

	// DispatchedFollowUps lists the follow-up kinds already scheduled
	// for this job.
	DispatchedFollowUps []FollowUpKind `json:"dispatchedFollowUps,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// HasFollowUp reports whether kind was already dispatched for this job.
func (j *GenerationJob) HasFollowUp(kind FollowUpKind) bool {
	for _, k := range j.DispatchedFollowUps {
		if k == kind {
			return true
		}
	}
	return false
}
