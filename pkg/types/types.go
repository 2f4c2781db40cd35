package types

import (
	"time"
)

// Box represents a normalized bounding box as returned by a vision model:
// top-left corner plus size, coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// BBox is a YOLO bounding box: centre and size normalized to the image dimensions
type BBox struct {
	XCenter float64 `json:"x_center"`
	YCenter float64 `json:"y_center"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// Corners returns the box as top-left/bottom-right normalized coordinates
func (b BBox) Corners() (x0, y0, x1, y1 float64) {
	return b.XCenter - b.Width/2, b.YCenter - b.Height/2, b.XCenter + b.Width/2, b.YCenter + b.Height/2
}

// LocatedObject is one object as reported by the vision model, before it is
// matched against the run's prompt list
type LocatedObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// ObjectsResponse contains the complete answer from the vision model for one image
type ObjectsResponse struct {
	Objects []LocatedObject `json:"objects"`
}

// Detection is one predicted object instance for one image.
// ClassName is always a member of the run's prompt list.
type Detection struct {
	ClassName  string  `json:"class_name"`
	Box        BBox    `json:"box"`
	Confidence float64 `json:"confidence"`
}

// RunConfig holds the validated parameters of one run. It is built once
// during initialisation and never mutated.
type RunConfig struct {
	Prompts             []string `json:"prompts"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	ImagesFolder        string   `json:"images_folder"`
	OutputFolder        string   `json:"output_folder"`
}

// ClassIndex returns the 0-based position of name in the prompt list
func (c RunConfig) ClassIndex(name string) (int, bool) {
	for i, p := range c.Prompts {
		if p == name {
			return i, true
		}
	}
	return -1, false
}

// ImageTask is a single discovered image. RelPath is relative to the
// scanned root and drives output mirroring.
type ImageTask struct {
	SourcePath string `json:"source_path"`
	RelPath    string `json:"rel_path"`
}

// Outcome of processing one image
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// MarshalText lets outcomes appear as words in JSON summaries
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// ImageResult records what happened to one ImageTask
type ImageResult struct {
	Task       ImageTask   `json:"task"`
	Detections []Detection `json:"detections"`
	Outcome    Outcome     `json:"outcome"`
	Reason     string      `json:"reason,omitempty"`
	LabelPath  string      `json:"label_path,omitempty"`
}

// Failure pairs an image path with the reason it failed or was skipped
type Failure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// RunStats is the outcome of one pipeline run
type RunStats struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	TotalImages int       `json:"total_images"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Failures    []Failure `json:"failures"`
	Skips       []Failure `json:"skips,omitempty"`

	AnnotationFilesCreated int            `json:"annotation_files_created"`
	TotalDetections        int            `json:"total_detections"`
	ClassDistribution      map[string]int `json:"class_distribution"`

	Config      RunConfig     `json:"config"`
	ClassesFile string        `json:"classes_file,omitempty"`
	Interrupted bool          `json:"interrupted"`
	Results     []ImageResult `json:"results"`
}

// Consistent reports whether every image has been accounted for exactly once
func (s *RunStats) Consistent() bool {
	return s.Succeeded+s.Failed+s.Skipped == s.TotalImages && len(s.Results) == s.TotalImages
}

// Clone returns a deep copy so the caller can hold results that no
// later mutation can reach
func (s *RunStats) Clone() *RunStats {
	out := *s
	out.Failures = append([]Failure(nil), s.Failures...)
	out.Skips = append([]Failure(nil), s.Skips...)
	out.Config.Prompts = append([]string(nil), s.Config.Prompts...)
	out.ClassDistribution = make(map[string]int, len(s.ClassDistribution))
	for k, v := range s.ClassDistribution {
		out.ClassDistribution[k] = v
	}
	out.Results = make([]ImageResult, len(s.Results))
	for i, r := range s.Results {
		r.Detections = append([]Detection(nil), r.Detections...)
		out.Results[i] = r
	}
	return &out
}
