package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/melodygen/api/internal/config"
	"github.com/melodygen/api/internal/normalize"
)

// StatusEndpoint is one candidate URL/method combination for checking a
// generation task. The provider has shipped several incompatible status
// APIs; callers try candidates in order.
type StatusEndpoint struct {
	Method string
	URL    string
	Body   map[string]interface{}
}

// Submission is the provider's answer to a generation request. Data
// holds the raw payload so callers can run it through the normalizer;
// some provider versions return the finished asset inline.
type Submission struct {
	TaskID    string
	StatusURL string
	CheckURL  string
	Data      map[string]interface{}
}

// SubmitRequest carries the parameters for one generation request.
type SubmitRequest struct {
	Prompt       string
	Style        string
	Title        string
	Instrumental bool
}

// SunoClient talks to the Suno-compatible generation API. The HTTP
// client is injected so tests and callers control timeouts; no global
// state.
type SunoClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	callbackURL  string
	modelVersion string
}

// NewSunoClient creates a provider client. A nil httpClient gets a
// default with a 60s timeout.
func NewSunoClient(cfg *config.SunoConfig, httpClient *http.Client) *SunoClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &SunoClient{
		httpClient:   httpClient,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		callbackURL:  cfg.CallbackURL,
		modelVersion: cfg.ModelVersion,
	}
}

// IsConfigured returns true if the client has valid configuration
func (c *SunoClient) IsConfigured() bool {
	return c.apiKey != ""
}

// envelope is the provider's standard response wrapper.
type envelope struct {
	Code int                    `json:"code"`
	Msg  string                 `json:"msg"`
	Data map[string]interface{} `json:"data"`
}

// Submit asks the provider to generate a track. Authentication and
// quota failures come back as ErrProviderAuth / ErrProviderQuota;
// network and server errors as ErrProviderTransient.
func (c *SunoClient) Submit(ctx context.Context, req *SubmitRequest) (*Submission, error) {
	payload := map[string]interface{}{
		"customMode":   true,
		"instrumental": req.Instrumental,
		"model":        c.modelVersion,
		"callBackUrl":  c.callbackURL,
		"prompt":       req.Prompt,
		"style":        req.Style,
		"title":        req.Title,
		"negativeTags": "",
		"vocalGender":  "",
	}

	body, status, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/generate", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderTransient, err)
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: submission returned %d", ErrProviderTransient, status)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: unreadable submission response: %v", ErrProviderTransient, err)
	}

	// The provider reports business errors in the envelope code, not
	// the HTTP status.
	switch env.Code {
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrProviderAuth, env.Msg)
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrProviderQuota, env.Msg)
	}
	if status != http.StatusOK || env.Code != http.StatusOK || env.Data == nil {
		return nil, fmt.Errorf("submission rejected (code %d): %s", env.Code, env.Msg)
	}

	taskID := normalize.Str(env.Data, "taskId", "task_id")
	if taskID == "" {
		return nil, fmt.Errorf("submission response carries no task id")
	}

	log.Printf("[Suno API] submission accepted, taskId=%s", taskID)

	return &Submission{
		TaskID:    taskID,
		StatusURL: normalize.Str(env.Data, "statusUrl"),
		CheckURL:  normalize.Str(env.Data, "checkUrl"),
		Data:      env.Data,
	}, nil
}

// StatusEndpoints returns the ordered candidate endpoints for a task:
// URLs announced by the submission first, then the fixed POST and GET
// fallbacks that various provider versions answer.
func (c *SunoClient) StatusEndpoints(taskID, statusURL, checkURL string) []StatusEndpoint {
	var eps []StatusEndpoint
	if statusURL != "" {
		eps = append(eps, StatusEndpoint{Method: http.MethodGet, URL: statusURL})
	}
	if checkURL != "" {
		eps = append(eps, StatusEndpoint{Method: http.MethodGet, URL: checkURL})
	}

	byID := map[string]interface{}{"taskId": taskID}
	eps = append(eps,
		StatusEndpoint{Method: http.MethodPost, URL: c.baseURL + "/api/v1/music/" + taskID, Body: map[string]interface{}{}},
		StatusEndpoint{Method: http.MethodPost, URL: c.baseURL + "/api/v1/get", Body: byID},
		StatusEndpoint{Method: http.MethodPost, URL: c.baseURL + "/api/v1/task", Body: byID},
		StatusEndpoint{Method: http.MethodPost, URL: c.baseURL + "/api/v1/query", Body: byID},
		StatusEndpoint{Method: http.MethodGet, URL: c.baseURL + "/api/v1/music/" + taskID},
		StatusEndpoint{Method: http.MethodGet, URL: c.baseURL + "/api/v1/get/" + taskID},
		StatusEndpoint{Method: http.MethodGet, URL: c.baseURL + "/api/v1/task/" + taskID},
	)
	return eps
}

// FetchStatus tries one status endpoint. It returns the usable payload
// map (the envelope's data when wrapped, otherwise the raw object) and
// the HTTP status; a non-nil error means the request itself failed.
func (c *SunoClient) FetchStatus(ctx context.Context, ep StatusEndpoint) (map[string]interface{}, int, error) {
	body, status, err := c.do(ctx, ep.Method, ep.URL, ep.Body)
	if err != nil {
		return nil, 0, err
	}
	if status != http.StatusOK {
		return nil, status, nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, status, fmt.Errorf("unreadable status response: %w", err)
	}

	if code, ok := raw["code"].(float64); ok {
		if int(code) != http.StatusOK {
			return nil, status, nil
		}
		if data, ok := raw["data"].(map[string]interface{}); ok {
			return data, status, nil
		}
		// Some versions put the track list directly in the envelope.
		return raw, status, nil
	}
	return raw, status, nil
}

// CheckStatus makes a single pass over all candidate endpoints and
// returns the first usable payload. Used by the status query endpoint;
// the polling engine drives FetchStatus itself.
func (c *SunoClient) CheckStatus(ctx context.Context, taskID string) (map[string]interface{}, error) {
	for _, ep := range c.StatusEndpoints(taskID, "", "") {
		payload, status, err := c.FetchStatus(ctx, ep)
		if err != nil || status != http.StatusOK || payload == nil {
			continue
		}
		return payload, nil
	}
	return nil, fmt.Errorf("no status endpoint answered for task %s", taskID)
}

// alignedWord is one entry of the provider's word-level timing data.
type alignedWord struct {
	Word   string  `json:"word"`
	StartS float64 `json:"startS"`
	EndS   float64 `json:"endS"`
}

// AlignedLyrics fetches word-level timestamped lyrics for a finished
// track and formats them one word per line. Returns "" when the
// provider has no alignment data.
func (c *SunoClient) AlignedLyrics(ctx context.Context, taskID, audioID string) (string, error) {
	type attempt struct {
		url   string
		query string
	}
	attempts := []attempt{
		{url: c.baseURL + "/api/v1/lyrics/record-info/" + taskID},
		{url: c.baseURL + "/api/v1/lyrics/record-info", query: "taskId=" + taskID},
	}
	if audioID != "" {
		attempts = append(attempts, attempt{
			url:   c.baseURL + "/api/v1/lyrics/record-info",
			query: "audioId=" + audioID,
		})
	}

	var lastErr error
	for _, a := range attempts {
		url := a.url
		if a.query != "" {
			url += "?" + a.query
		}
		body, status, err := c.do(ctx, http.MethodGet, url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if status != http.StatusOK {
			continue
		}

		var env struct {
			Code int `json:"code"`
			Data struct {
				AlignedWords []alignedWord `json:"alignedWords"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			lastErr = err
			continue
		}
		if env.Code != http.StatusOK || len(env.Data.AlignedWords) == 0 {
			continue
		}
		return formatAlignedWords(env.Data.AlignedWords), nil
	}
	if lastErr != nil {
		return "", fmt.Errorf("aligned lyrics fetch failed: %w", lastErr)
	}
	return "", nil
}

func formatAlignedWords(words []alignedWord) string {
	var b strings.Builder
	for _, w := range words {
		word := strings.TrimSpace(w.Word)
		if word == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		switch {
		case w.StartS > 0 && w.EndS > 0:
			fmt.Fprintf(&b, "%s [%.2f-%.2f]", word, w.StartS, w.EndS)
		case w.StartS > 0:
			fmt.Fprintf(&b, "%s [%.2f]", word, w.StartS)
		default:
			b.WriteString(word)
		}
	}
	return b.String()
}

// do executes an HTTP request and returns the body and status code.
func (c *SunoClient) do(ctx context.Context, method, url string, body map[string]interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[Suno API] %d %s %s", resp.StatusCode, method, url)
	return respBody, resp.StatusCode, nil
}
