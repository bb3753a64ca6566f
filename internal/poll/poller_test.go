package poll

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/melodygen/api/internal/client"
)

// scriptedClient replays canned responses per endpoint URL, in order.
type scriptedClient struct {
	endpoints []client.StatusEndpoint
	responses map[string][]scriptedResponse
	calls     map[string]int
}

type scriptedResponse struct {
	payload map[string]interface{}
	status  int
}

func newScriptedClient(n int) *scriptedClient {
	eps := make([]client.StatusEndpoint, n)
	for i := range eps {
		eps[i] = client.StatusEndpoint{Method: http.MethodGet, URL: urlFor(i)}
	}
	return &scriptedClient{
		endpoints: eps,
		responses: make(map[string][]scriptedResponse),
		calls:     make(map[string]int),
	}
}

func urlFor(i int) string {
	return "https://status.example/" + string(rune('a'+i))
}

func (c *scriptedClient) script(i int, rs ...scriptedResponse) {
	c.responses[urlFor(i)] = rs
}

func (c *scriptedClient) StatusEndpoints(taskID, statusURL, checkURL string) []client.StatusEndpoint {
	return c.endpoints
}

func (c *scriptedClient) FetchStatus(ctx context.Context, ep client.StatusEndpoint) (map[string]interface{}, int, error) {
	rs := c.responses[ep.URL]
	i := c.calls[ep.URL]
	c.calls[ep.URL]++
	if i >= len(rs) {
		if len(rs) == 0 {
			return nil, http.StatusNotFound, nil
		}
		// Repeat the last scripted response.
		i = len(rs) - 1
	}
	return rs[i].payload, rs[i].status, nil
}

func testSubmission() *client.Submission {
	return &client.Submission{TaskID: "task-1"}
}

func TestWait_AllEndpoints404EndsEarly(t *testing.T) {
	sc := newScriptedClient(3)
	for i := 0; i < 3; i++ {
		sc.script(i, scriptedResponse{status: http.StatusNotFound})
	}

	// A generous budget: the early exit must not wait it out.
	engine := New(sc, 10*time.Millisecond)
	start := time.Now()
	res := engine.Wait(context.Background(), testSubmission(), 5*time.Second)

	if res.Outcome != OutcomeTimeout {
		t.Errorf("expected timeout, got %s", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("engine waited out the budget (%v) instead of exiting early", elapsed)
	}
	if sc.calls[urlFor(0)] != 1 {
		t.Errorf("expected a single tick, endpoint 0 called %d times", sc.calls[urlFor(0)])
	}
}

func TestWait_AssetWinsOverMissingStatus(t *testing.T) {
	sc := newScriptedClient(2)
	// No status text at all, just an asset URL.
	sc.script(0, scriptedResponse{
		status:  http.StatusOK,
		payload: map[string]interface{}{"audioUrl": "https://cdn.provider/x.mp3"},
	})

	engine := New(sc, time.Millisecond)
	res := engine.Wait(context.Background(), testSubmission(), time.Second)

	if res.Outcome != OutcomeFoundAsset {
		t.Fatalf("expected found_asset, got %s", res.Outcome)
	}
	if res.Payload["audioUrl"] != "https://cdn.provider/x.mp3" {
		t.Errorf("payload not preserved: %v", res.Payload)
	}
}

func TestWait_FallsThroughToLaterCandidate(t *testing.T) {
	sc := newScriptedClient(3)
	sc.script(0, scriptedResponse{status: http.StatusNotFound})
	sc.script(1, scriptedResponse{status: http.StatusInternalServerError})
	sc.script(2, scriptedResponse{
		status:  http.StatusOK,
		payload: map[string]interface{}{"audio_url": "https://cdn.provider/y.mp3"},
	})

	engine := New(sc, time.Millisecond)
	res := engine.Wait(context.Background(), testSubmission(), time.Second)

	if res.Outcome != OutcomeFoundAsset {
		t.Errorf("expected found_asset from third candidate, got %s", res.Outcome)
	}
}

func TestWait_TerminalFailureStatus(t *testing.T) {
	sc := newScriptedClient(1)
	sc.script(0, scriptedResponse{
		status:  http.StatusOK,
		payload: map[string]interface{}{"status": "failed"},
	})

	engine := New(sc, time.Millisecond)
	res := engine.Wait(context.Background(), testSubmission(), time.Second)

	if res.Outcome != OutcomeTerminalFailure {
		t.Errorf("expected terminal_failure, got %s", res.Outcome)
	}
}

func TestWait_InProgressUntilBudgetElapses(t *testing.T) {
	sc := newScriptedClient(2)
	sc.script(0, scriptedResponse{
		status:  http.StatusOK,
		payload: map[string]interface{}{"status": "processing"},
	})

	engine := New(sc, 5*time.Millisecond)
	res := engine.Wait(context.Background(), testSubmission(), 30*time.Millisecond)

	if res.Outcome != OutcomeTimeout {
		t.Errorf("expected timeout, got %s", res.Outcome)
	}
	// An in-progress answer stops the per-tick candidate sweep.
	if sc.calls[urlFor(1)] != 0 {
		t.Errorf("second candidate should not be tried after in-progress, called %d times", sc.calls[urlFor(1)])
	}
}

func TestWait_404CounterResetsOnUsableResponse(t *testing.T) {
	sc := newScriptedClient(2)
	// Tick 1: endpoint 0 404s, endpoint 1 answers in-progress.
	// Tick 2: endpoint 0 has the asset.
	sc.script(0,
		scriptedResponse{status: http.StatusNotFound},
		scriptedResponse{
			status:  http.StatusOK,
			payload: map[string]interface{}{"url": "https://cdn.provider/z.mp3"},
		},
	)
	sc.script(1, scriptedResponse{
		status:  http.StatusOK,
		payload: map[string]interface{}{"status": "pending"},
	})

	engine := New(sc, time.Millisecond)
	res := engine.Wait(context.Background(), testSubmission(), time.Second)

	if res.Outcome != OutcomeFoundAsset {
		t.Errorf("expected found_asset on the second tick, got %s", res.Outcome)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	sc := newScriptedClient(1)
	sc.script(0, scriptedResponse{
		status:  http.StatusOK,
		payload: map[string]interface{}{"status": "pending"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := New(sc, 50*time.Millisecond)
	res := engine.Wait(ctx, testSubmission(), time.Minute)

	if res.Outcome != OutcomeTimeout {
		t.Errorf("expected timeout on cancellation, got %s", res.Outcome)
	}
}
