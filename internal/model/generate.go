package model

import "time"

// GenerationOutcome is the caller-facing result of a generate call.
type GenerationOutcome string

const (
	// OutcomeCompleted means a usable asset was available before the
	// request returned.
	OutcomeCompleted GenerationOutcome = "completed"
	// OutcomePending means the synchronous wait ended without an asset;
	// the result may still arrive via the webhook path.
	OutcomePending GenerationOutcome = "pending"
)

// GenerateRequest represents the request to generate a track
type GenerateRequest struct {
	Prompt       string `json:"prompt" validate:"required,min=1,max=500"`
	Style        string `json:"style" validate:"omitempty,max=100"`
	Instrumental bool   `json:"instrumental"`
	// WaitSeconds optionally overrides the configured synchronous wait
	// budget. Zero means use the configured default.
	WaitSeconds int `json:"waitSeconds" validate:"omitempty,min=0,max=600"`
}

// GenerateResponse represents the response to a generate request
type GenerateResponse struct {
	TrackID   string            `json:"trackId"`
	TaskID    string            `json:"taskId"`
	Outcome   GenerationOutcome `json:"outcome"`
	State     JobState          `json:"state"`
	Title     string            `json:"title,omitempty"`
	AudioURL  string            `json:"audioUrl,omitempty"`
	Duration  float64           `json:"duration,omitempty"`
	Lyrics    string            `json:"lyrics,omitempty"`
	CoverURL  string            `json:"coverUrl,omitempty"`
	Genre     string            `json:"genre,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// TrackResponse combines the track entity with the current job record.
type TrackResponse struct {
	TrackID    string    `json:"trackId"`
	TaskID     string    `json:"taskId"`
	State      JobState  `json:"state"`
	Title      string    `json:"title,omitempty"`
	ArtistName string    `json:"artistName,omitempty"`
	AudioURL   string    `json:"audioUrl,omitempty"`
	Duration   float64   `json:"duration,omitempty"`
	Lyrics     string    `json:"lyrics,omitempty"`
	CoverURL   string    `json:"coverUrl,omitempty"`
	Genre      string    `json:"genre,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TaskStatusResponse is the passthrough view of a provider status check.
type TaskStatusResponse struct {
	TaskID   string  `json:"taskId"`
	Status   string  `json:"status,omitempty"`
	AudioURL string  `json:"audioUrl,omitempty"`
	Title    string  `json:"title,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}
