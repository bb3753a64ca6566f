// Package normalize converts provider payloads of unknown shape into a
// canonical result record. The provider's response format has drifted
// across API versions: fields appear under different key names, the
// track data is sometimes a list under a wrapper key and sometimes a
// flat object. Everything here is pure; callers hand in an
// already-decoded JSON map.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Result is the canonical, shape-independent representation of one
// provider track.
type Result struct {
	TaskID   string
	AudioID  string
	AudioURL string
	Title    string
	Duration float64
	Lyrics   string
	CoverURL string
	Genre    string
	// Prompt is the provider-echoed description; some callbacks bury
	// the lyrics in it.
	Prompt string
	Status string
}

// maxGenreLen matches the fixed-width genre column downstream.
const maxGenreLen = 50

// Alternate key names per canonical field, in precedence order. The
// first key holding a non-empty value wins.
var (
	audioURLKeys = []string{
		"audio_url", "audioUrl", "url", "audio", "audioFile",
		"mp3_url", "mp3Url", "song_url", "songUrl",
		"source_audio_url", "sourceAudioUrl",
	}
	coverURLKeys = []string{
		"image_url", "imageUrl", "image", "cover", "coverUrl",
		"cover_url", "source_image_url", "sourceImageUrl",
	}
	titleKeys    = []string{"title", "name", "song_name", "songName"}
	durationKeys = []string{"duration", "length", "time", "duration_seconds"}
	lyricsKeys   = []string{"lyrics", "lyric", "song_lyrics"}
	promptKeys   = []string{"prompt", "description"}
	genreKeys    = []string{"genre", "style", "music_genre", "category", "tags"}
	audioIDKeys  = []string{"audioId", "audio_id", "id"}
	taskIDKeys   = []string{"taskId", "task_id"}
	statusKeys   = []string{"status", "state"}

	// Wrapper keys under which some provider versions nest a track list.
	listKeys = []string{"data", "sunoData", "tracks", "clips"}
)

// Payload maps a raw provider payload into a Result. Supported shapes,
// tried in order:
//
//  1. a track list under a wrapper key, first element authoritative
//  2. a flat object with fields at top level
//
// Anything else yields a zero Result.
func Payload(raw map[string]interface{}) Result {
	if raw == nil {
		return Result{}
	}
	for _, match := range shapeMatchers {
		if track, ok := match(raw); ok {
			res := fromTrack(track)
			// The wrapper often carries the task ID even when the
			// track element does not.
			if res.TaskID == "" {
				res.TaskID = Str(raw, taskIDKeys...)
			}
			return res
		}
	}
	return Result{}
}

type shapeMatcher func(map[string]interface{}) (map[string]interface{}, bool)

var shapeMatchers = []shapeMatcher{matchTrackList, matchFlat}

// matchTrackList finds a non-empty list of objects under a known
// wrapper key and returns its first element.
func matchTrackList(raw map[string]interface{}) (map[string]interface{}, bool) {
	for _, key := range listKeys {
		list, ok := raw[key].([]interface{})
		if !ok || len(list) == 0 {
			continue
		}
		if first, ok := list[0].(map[string]interface{}); ok {
			return first, true
		}
	}
	return nil, false
}

// matchFlat accepts the payload itself when any known field is present
// at the top level.
func matchFlat(raw map[string]interface{}) (map[string]interface{}, bool) {
	probes := [][]string{audioURLKeys, titleKeys, lyricsKeys, statusKeys, taskIDKeys}
	for _, keys := range probes {
		if _, ok := Field(raw, keys...); ok {
			return raw, true
		}
	}
	return nil, false
}

func fromTrack(track map[string]interface{}) Result {
	return Result{
		TaskID:   Str(track, taskIDKeys...),
		AudioID:  Str(track, audioIDKeys...),
		AudioURL: Str(track, audioURLKeys...),
		Title:    Str(track, titleKeys...),
		Duration: Num(track, durationKeys...),
		Lyrics:   Str(track, lyricsKeys...),
		CoverURL: Str(track, coverURLKeys...),
		Genre:    Genre(Str(track, genreKeys...)),
		Prompt:   Str(track, promptKeys...),
		Status:   strings.ToLower(Str(track, statusKeys...)),
	}
}

// Field returns the first non-empty value among the given keys. Empty
// strings and empty lists count as absent.
func Field(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) == "" {
				continue
			}
		case []interface{}:
			if len(t) == 0 {
				continue
			}
		}
		return v, true
	}
	return nil, false
}

// Str returns the first non-empty string value among the given keys,
// trimmed of surrounding whitespace.
func Str(m map[string]interface{}, keys ...string) string {
	v, ok := Field(m, keys...)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Num returns the first numeric value among the given keys. JSON
// numbers, json.Number and numeric strings are all accepted.
func Num(m map[string]interface{}, keys ...string) float64 {
	v, ok := Field(m, keys...)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

// Genre canonicalizes a raw genre value: comma-separated lists keep
// only the first token, and the result is capped at 50 characters for
// the fixed-width genre column.
func Genre(raw string) string {
	g := strings.TrimSpace(raw)
	if i := strings.Index(g, ","); i >= 0 {
		g = strings.TrimSpace(g[:i])
	}
	if len(g) > maxGenreLen {
		g = g[:maxGenreLen]
	}
	return g
}

// LooksLikeLyrics reports whether a provider prompt/description field
// is actually song lyrics. Some callbacks omit the lyrics field and
// ship them inside the prompt instead.
func LooksLikeLyrics(text string) bool {
	if text == "" {
		return false
	}
	if strings.Contains(text, "[Verse") ||
		strings.Contains(text, "[Chorus") ||
		strings.Contains(text, "[Bridge") {
		return true
	}
	return strings.Count(text, "\n") > 5
}
