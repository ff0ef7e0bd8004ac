package replay

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/reverseproxy/tunnelgw/internal/inspector"
)

// significantChangeThreshold is the percent-change magnitude above which a
// timing delta is flagged significant.
const significantChangeThreshold = 20.0

// StatusDiff compares the original and replayed status codes.
type StatusDiff struct {
	Original int    `json:"original"`
	Replay   int    `json:"replay"`
	Changed  bool   `json:"changed"`
	Severity string `json:"severity"`
}

// TimingDiff compares response latency between the two runs.
type TimingDiff struct {
	DeltaMs       int64   `json:"delta_ms"`
	PercentChange float64 `json:"percent_change"`
	Significant   bool    `json:"significant"`
}

// HeaderChange describes one header's change kind and values.
type HeaderChange struct {
	Kind string `json:"kind"` // "added", "removed", "modified"
	Old  string `json:"old,omitempty"`
	New  string `json:"new,omitempty"`
}

// BodyDiff is either a structured JSON key-path diff or a plain text
// length comparison, depending on whether both bodies parse as JSON.
type BodyDiff struct {
	Additions     map[string]any `json:"additions,omitempty"`
	Removals      map[string]any `json:"removals,omitempty"`
	Modifications []FieldChange  `json:"modifications,omitempty"`

	OriginalLength int `json:"original_length,omitempty"`
	ReplayLength   int `json:"replay_length,omitempty"`
	LengthDelta    int `json:"length_delta,omitempty"`
}

// FieldChange is one modified JSON field, addressed by a dotted key path.
type FieldChange struct {
	Path     string `json:"path"`
	Original any    `json:"original"`
	Replay   any    `json:"replay"`
}

// Diff is the full structured comparison between an original and a
// replayed response.
type Diff struct {
	Status       StatusDiff              `json:"status"`
	Timing       TimingDiff              `json:"timing"`
	Headers      map[string]HeaderChange `json:"headers"`
	Body         BodyDiff                `json:"body"`
	TotalChanges int                     `json:"total_changes"`
}

// Compute builds a Diff between an original and a replayed response
// snapshot.
func Compute(original, replayed *inspector.ResponseSnapshot) *Diff {
	status := diffStatus(original.StatusCode, replayed.StatusCode)
	timing := diffTiming(original.ResponseTimeMs, replayed.ResponseTimeMs)
	headers := diffHeaders(original.Headers, replayed.Headers)
	body := diffBody(original.Body, replayed.Body)

	total := len(headers)
	if status.Changed {
		total++
	}
	total += len(body.Additions) + len(body.Removals) + len(body.Modifications)
	if body.LengthDelta != 0 {
		total++
	}

	return &Diff{
		Status:       status,
		Timing:       timing,
		Headers:      headers,
		Body:         body,
		TotalChanges: total,
	}
}

func diffStatus(original, replay int) StatusDiff {
	changed := original != replay
	severity := "none"
	if changed {
		if original/100 != replay/100 {
			severity = "critical"
		} else {
			severity = "warning"
		}
	}
	return StatusDiff{Original: original, Replay: replay, Changed: changed, Severity: severity}
}

func diffTiming(originalMs, replayMs int64) TimingDiff {
	delta := replayMs - originalMs
	percent := 0.0
	if originalMs != 0 {
		percent = float64(delta) / float64(originalMs) * 100
	}
	return TimingDiff{
		DeltaMs:       delta,
		PercentChange: percent,
		Significant:   math.Abs(percent) > significantChangeThreshold,
	}
}

func diffHeaders(original, replay map[string]string) map[string]HeaderChange {
	out := make(map[string]HeaderChange)
	for k, ov := range original {
		rv, ok := replay[k]
		if !ok {
			out[k] = HeaderChange{Kind: "removed", Old: ov}
		} else if ov != rv {
			out[k] = HeaderChange{Kind: "modified", Old: ov, New: rv}
		}
	}
	for k, rv := range replay {
		if _, ok := original[k]; !ok {
			out[k] = HeaderChange{Kind: "added", New: rv}
		}
	}
	return out
}

func diffBody(original, replay []byte) BodyDiff {
	var originalJSON, replayJSON any
	if json.Unmarshal(original, &originalJSON) == nil && json.Unmarshal(replay, &replayJSON) == nil {
		additions := make(map[string]any)
		removals := make(map[string]any)
		var modifications []FieldChange
		diffJSONValue("", originalJSON, replayJSON, &additions, &removals, &modifications)
		return BodyDiff{Additions: additions, Removals: removals, Modifications: modifications}
	}
	return BodyDiff{
		OriginalLength: len(original),
		ReplayLength:   len(replay),
		LengthDelta:    len(replay) - len(original),
	}
}

// diffJSONValue recursively walks two decoded JSON values, recording
// additions, removals, and modifications by dotted key path. Only object
// keys are path-addressed; array and scalar differences at the same path
// are reported as a single modification.
func diffJSONValue(path string, original, replay any, additions, removals *map[string]any, mods *[]FieldChange) {
	originalMap, originalIsMap := original.(map[string]any)
	replayMap, replayIsMap := replay.(map[string]any)

	if originalIsMap && replayIsMap {
		for k, ov := range originalMap {
			childPath := joinPath(path, k)
			rv, ok := replayMap[k]
			if !ok {
				(*removals)[childPath] = ov
				continue
			}
			diffJSONValue(childPath, ov, rv, additions, removals, mods)
		}
		for k, rv := range replayMap {
			if _, ok := originalMap[k]; !ok {
				(*additions)[joinPath(path, k)] = rv
			}
		}
		return
	}

	if !jsonEqual(original, replay) {
		*mods = append(*mods, FieldChange{Path: path, Original: original, Replay: replay})
	}
}

func jsonEqual(a, b any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return fmt.Sprintf("%s.%s", prefix, key)
}
