// Package poll implements the bounded status loop that waits for a
// generation task inside the submitting request.
package poll

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/melodygen/api/internal/client"
	"github.com/melodygen/api/internal/normalize"
)

// Outcome is the terminal state of one polling attempt.
type Outcome string

const (
	// OutcomeFoundAsset means a response carried a usable asset URL.
	OutcomeFoundAsset Outcome = "found_asset"
	// OutcomeTerminalFailure means the provider declared the task
	// failed.
	OutcomeTerminalFailure Outcome = "terminal_failure"
	// OutcomeTimeout covers both an exhausted wait budget and the
	// all-endpoints-404 early exit; the asset may still arrive via the
	// webhook path.
	OutcomeTimeout Outcome = "timeout"
)

// Result is what a polling attempt produced. Payload is the raw
// provider payload for found_asset and terminal_failure, nil for
// timeout.
type Result struct {
	Outcome Outcome
	Payload map[string]interface{}
}

// StatusClient is the slice of the provider client the engine needs.
type StatusClient interface {
	StatusEndpoints(taskID, statusURL, checkURL string) []client.StatusEndpoint
	FetchStatus(ctx context.Context, ep client.StatusEndpoint) (map[string]interface{}, int, error)
}

// Status texts the provider uses for finished-and-broken tasks. A
// response with an asset URL wins regardless of status text, since some
// provider versions ship the asset without any status at all.
var terminalStatuses = map[string]bool{
	"failed":  true,
	"error":   true,
	"failure": true,
}

// Engine drives the status loop for one submission at a time. It holds
// no per-attempt state and is safe to share.
type Engine struct {
	client   StatusClient
	interval time.Duration
}

// New creates an engine ticking at the given interval (3s if zero).
func New(c StatusClient, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Engine{client: c, interval: interval}
}

// Wait polls every candidate endpoint in order each tick until an asset
// shows up, the provider declares failure, the budget runs out, or all
// candidates have answered 404. The 404 counter is shared across the
// whole attempt and reset whenever any candidate produces a usable
// response; once it reaches the candidate count there is no endpoint
// left that knows the task, so waiting out the budget is pointless.
//
// The deadline bounds the caller's wait only; the provider keeps
// working, and the webhook path picks up whatever finishes later.
func (e *Engine) Wait(ctx context.Context, sub *client.Submission, budget time.Duration) *Result {
	endpoints := e.client.StatusEndpoints(sub.TaskID, sub.StatusURL, sub.CheckURL)
	notFound := 0
	deadline := time.Now().Add(budget)

	for attempt := 0; time.Now().Before(deadline); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &Result{Outcome: OutcomeTimeout}
			case <-time.After(e.interval):
			}
		}

		for _, ep := range endpoints {
			payload, status, err := e.client.FetchStatus(ctx, ep)
			if err != nil {
				continue
			}

			if status == http.StatusNotFound {
				notFound++
				if notFound >= len(endpoints) {
					log.Printf("[Poll] all %d status endpoints 404 for task %s, giving up early", len(endpoints), sub.TaskID)
					return &Result{Outcome: OutcomeTimeout}
				}
				continue
			}
			if status != http.StatusOK || payload == nil {
				continue
			}
			notFound = 0

			res := normalize.Payload(payload)
			if res.AudioURL != "" {
				return &Result{Outcome: OutcomeFoundAsset, Payload: payload}
			}
			if terminalStatuses[strings.ToLower(res.Status)] {
				log.Printf("[Poll] task %s reported terminal status %q", sub.TaskID, res.Status)
				return &Result{Outcome: OutcomeTerminalFailure, Payload: payload}
			}

			// In progress (or an empty status); no point asking the
			// remaining candidates this tick.
			break
		}
	}

	log.Printf("[Poll] task %s still pending after %v", sub.TaskID, budget)
	return &Result{Outcome: OutcomeTimeout}
}
