// Package compose turns a free-form user prompt into the structured
// parameters the generation provider expects.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/melodygen/api/internal/client"
)

const maxTitleLen = 50

// SongParams are the provider-facing generation parameters.
type SongParams struct {
	Title  string `json:"title"`
	Style  string `json:"style"`
	Prompt string `json:"prompt"`
}

const systemPrompt = `You are a music prompt engineer. Convert the user's input into music generation parameters.

OUTPUT FORMAT (JSON only, no other text):
{"title": "English song title (max 50 chars)", "style": "Genre", "prompt": "Music description (max 150 chars)"}

RULES:
1. title: Creative English song title based on the input
2. style: One genre from: K-Pop, Pop, Rock, Ballad, Jazz, Electronic, Folk, R&B, Hip-Hop, Classical
3. prompt: Concise music description with mood, tempo, instruments
4. Output ONLY valid JSON, nothing else`

// Composer derives song parameters with a chat model, falling back to
// deterministic defaults when the model is unavailable or answers
// garbage. It never fails.
type Composer struct {
	groq *client.GroqClient
}

// New creates a Composer. groq may be nil or unconfigured; the fallback
// is used then.
func New(groq *client.GroqClient) *Composer {
	return &Composer{groq: groq}
}

// Compose returns parameters for the user's prompt.
func (c *Composer) Compose(ctx context.Context, userPrompt string, instrumental bool) SongParams {
	if c.groq == nil || !c.groq.IsConfigured() {
		return fallback(userPrompt, instrumental)
	}

	reply, err := c.groq.ChatCompletion(ctx, systemPrompt, userPrompt)
	if err != nil {
		log.Printf("[Compose] chat completion failed, using fallback: %v", err)
		return fallback(userPrompt, instrumental)
	}

	params, err := extractParams(reply)
	if err != nil {
		log.Printf("[Compose] unusable reply, using fallback: %v", err)
		return fallback(userPrompt, instrumental)
	}

	fb := fallback(userPrompt, instrumental)
	if params.Title == "" {
		params.Title = fb.Title
	}
	if params.Style == "" {
		params.Style = fb.Style
	}
	if params.Prompt == "" {
		params.Prompt = fb.Prompt
	}
	params.Title = truncate(params.Title, maxTitleLen)
	return params
}

// extractParams pulls the JSON object out of a model reply that may be
// wrapped in extra prose.
func extractParams(reply string) (SongParams, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return SongParams{}, fmt.Errorf("no JSON object in reply")
	}

	var params SongParams
	if err := json.Unmarshal([]byte(reply[start:end+1]), &params); err != nil {
		return SongParams{}, fmt.Errorf("failed to parse reply: %w", err)
	}
	return params, nil
}

func fallback(userPrompt string, instrumental bool) SongParams {
	prompt := fmt.Sprintf("A melodic pop song about %s, 90 BPM, piano and guitar", userPrompt)
	if instrumental {
		prompt = fmt.Sprintf("A melodic instrumental pop piece about %s, 90 BPM, piano and guitar", userPrompt)
	}
	return SongParams{
		Title:  truncate(userPrompt, maxTitleLen),
		Style:  "Pop",
		Prompt: prompt,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
