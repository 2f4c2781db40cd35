package client

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/menta2k/autolabel/pkg/types"
)

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// SanitizeModelJSON removes code fences, comments, and trailing commas from
// a model answer and keeps only the outermost JSON object or array
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	openCh, closeCh := "{", "}"
	obj := strings.Index(raw, "{")
	arr := strings.Index(raw, "[")
	if arr >= 0 && (obj < 0 || arr < obj) {
		openCh, closeCh = "[", "]"
	}
	if start := strings.Index(raw, openCh); start >= 0 {
		if end := strings.LastIndex(raw, closeCh); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

// rawObject accepts the shapes models commonly produce for one object
type rawObject struct {
	Label      string          `json:"label"`
	Name       string          `json:"name"`
	Class      string          `json:"class"`
	Confidence json.RawMessage `json:"confidence"`
	Score      json.RawMessage `json:"score"`
	Box        json.RawMessage `json:"box"`
	BBox       json.RawMessage `json:"bbox"`
}

// ParseObjects decodes a model answer into an ObjectsResponse. The answer
// may be {"objects": [...]} or a bare array. Boxes may be {x,y,w,h} objects
// or [x, y, w, h] arrays. Anything that is not JSON is an error.
func ParseObjects(raw string) (*types.ObjectsResponse, error) {
	clean := SanitizeModelJSON(raw)
	if clean == "" || (clean[0] != '{' && clean[0] != '[') {
		return nil, fmt.Errorf("model returned non-JSON response: %q", truncate(raw, 120))
	}

	var items []rawObject
	if clean[0] == '[' {
		if err := json.Unmarshal([]byte(clean), &items); err != nil {
			return nil, fmt.Errorf("failed to parse model response: %w", err)
		}
	} else {
		var wrapper struct {
			Objects    []rawObject `json:"objects"`
			Detections []rawObject `json:"detections"`
		}
		if err := json.Unmarshal([]byte(clean), &wrapper); err != nil {
			return nil, fmt.Errorf("failed to parse model response: %w", err)
		}
		items = wrapper.Objects
		if items == nil {
			items = wrapper.Detections
		}
	}

	resp := &types.ObjectsResponse{Objects: make([]types.LocatedObject, 0, len(items))}
	for i, it := range items {
		obj, err := it.located()
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", i, err)
		}
		resp.Objects = append(resp.Objects, obj)
	}
	return resp, nil
}

func (r rawObject) located() (types.LocatedObject, error) {
	obj := types.LocatedObject{Label: firstNonEmpty(r.Label, r.Name, r.Class)}

	conf := r.Confidence
	if len(conf) == 0 {
		conf = r.Score
	}
	c, err := parseNumber(conf, 1)
	if err != nil {
		return obj, fmt.Errorf("invalid confidence: %w", err)
	}
	obj.Confidence = c

	box := r.Box
	if len(box) == 0 {
		box = r.BBox
	}
	if len(box) == 0 {
		return obj, fmt.Errorf("missing box")
	}
	if box[0] == '[' {
		var v []float64
		if err := json.Unmarshal(box, &v); err != nil {
			return obj, fmt.Errorf("invalid box: %w", err)
		}
		if len(v) != 4 {
			return obj, fmt.Errorf("box must have 4 values, got %d", len(v))
		}
		obj.Box = types.Box{X: v[0], Y: v[1], W: v[2], H: v[3]}
		return obj, nil
	}
	if err := json.Unmarshal(box, &obj.Box); err != nil {
		return obj, fmt.Errorf("invalid box: %w", err)
	}
	return obj, nil
}

// parseNumber accepts a JSON number or a numeric string; empty input yields def
func parseNumber(raw json.RawMessage, def float64) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return def, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f > 1 {
		f /= 100
	}
	return f, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
