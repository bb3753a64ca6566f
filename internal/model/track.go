package model

import "time"

// Track is the domain entity created at submission time, before the
// generation result is known, so callers always get a stable identifier
// back from the generate endpoint.
type Track struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId"`
	UserID     string    `json:"userId,omitempty"`
	ArtistName string    `json:"artistName"`
	IsAI       bool      `json:"isAi"`
	CreatedAt  time.Time `json:"createdAt"`
}
