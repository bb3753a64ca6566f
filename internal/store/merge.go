package store

import (
	"time"

	"github.com/melodygen/api/internal/model"
	"github.com/melodygen/api/internal/normalize"
)

// applyResult folds a normalized result into a job record in place.
// Shared by the redis and memory stores so both enforce identical merge
// semantics:
//
//   - empty incoming fields never clear existing values
//   - non-empty incoming fields overwrite
//   - the audio URL is write-once-to-final: once it points at permanent
//     storage, provider-hosted URLs are rejected
//
// Applying the same result twice leaves the record unchanged, which is
// what lets the polling path and the webhook path race safely.
func applyResult(job *model.GenerationJob, res *normalize.Result, isPermanent func(string) bool) bool {
	changed := false

	if res.AudioURL != "" && !isPermanent(job.AudioURL) && job.AudioURL != res.AudioURL {
		job.AudioURL = res.AudioURL
		changed = true
	}
	if res.Title != "" && job.Title != res.Title {
		job.Title = res.Title
		changed = true
	}
	if res.Duration != 0 && job.Duration != res.Duration {
		job.Duration = res.Duration
		changed = true
	}
	if res.Lyrics != "" && job.Lyrics != res.Lyrics {
		job.Lyrics = res.Lyrics
		changed = true
	}
	if res.CoverURL != "" && !isPermanent(job.CoverURL) && job.CoverURL != res.CoverURL {
		job.CoverURL = res.CoverURL
		changed = true
	}
	if res.Genre != "" && job.Genre != res.Genre {
		job.Genre = res.Genre
		changed = true
	}

	if job.AudioURL != "" && job.State.CanAdvanceTo(model.JobStateCompleted) {
		job.State = model.JobStateCompleted
		now := time.Now().UTC()
		job.CompletedAt = &now
		changed = true
	}
	if changed {
		job.UpdatedAt = time.Now().UTC()
	}
	return changed
}
