package detection

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/menta2k/autolabel/pkg/client"
	"github.com/menta2k/autolabel/pkg/processing"
	"github.com/menta2k/autolabel/pkg/types"
	"github.com/menta2k/autolabel/pkg/validate"
)

// promptTemplate is filled with the quoted class list
const promptTemplate = `You are an object detector.

Find every instance of these classes in the image: %s.

Return JSON only:
{
  "objects": [
    {"label": "<one of the classes>", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ]
}

HARD RULES
- label must be exactly one of the listed classes. Ignore everything else.
- box is the top-left corner (x, y) plus width (w) and height (h), normalized to [0,1] (NOT pixels).
- One entry per object instance. Boxes tightly include the visible part of the object.
- confidence is your certainty in [0,1].
- If none of the classes is visible, return {"objects": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Detector turns an image into detections for a fixed set of class prompts.
// Init must succeed exactly once before Detect is called.
type Detector interface {
	Init(ctx context.Context, prompts []string) error
	Detect(ctx context.Context, imagePath string, threshold float64) ([]types.Detection, error)
}

// Options controls how images are sent to the model
type Options struct {
	SendFormat  string // jpg or png
	SendSize    int    // longest side in pixels, 0 keeps the original size
	SendQuality int    // JPEG quality
}

// VisionDetector implements Detector on top of a vision-language model
type VisionDetector struct {
	client    client.VisionClient
	model     string
	opts      Options
	processor *processing.Processor

	classes []string
	lookup  map[string]string
	prompt  string
	ready   bool
}

// NewVisionDetector creates a detector that queries model through client
func NewVisionDetector(client client.VisionClient, model string, opts Options) *VisionDetector {
	if opts.SendFormat == "" {
		opts.SendFormat = "jpg"
	}
	if opts.SendQuality <= 0 {
		opts.SendQuality = 85
	}
	return &VisionDetector{
		client:    client,
		model:     model,
		opts:      opts,
		processor: processing.NewProcessor(),
	}
}

// Init fixes the vocabulary for the rest of the run and checks the backend
func (d *VisionDetector) Init(ctx context.Context, prompts []string) error {
	if d.ready {
		return fmt.Errorf("%w: detector already initialized with %v", types.ErrModelInitialization, d.classes)
	}
	classes, err := validate.PromptList(prompts)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrModelInitialization, err)
	}
	if err := d.client.Ping(ctx, d.model); err != nil {
		return fmt.Errorf("%w: %w", types.ErrModelInitialization, err)
	}

	d.classes = classes
	d.lookup = make(map[string]string, len(classes))
	for _, c := range classes {
		d.lookup[strings.ToLower(c)] = c
	}
	d.prompt = BuildPrompt(classes)
	d.ready = true
	return nil
}

// Classes returns the vocabulary set by Init
func (d *VisionDetector) Classes() []string {
	return append([]string(nil), d.classes...)
}

// Detect locates the configured classes in one image. threshold must
// already be validated. Detections below it, with unknown labels, or with
// empty boxes are dropped; the model's order is kept.
func (d *VisionDetector) Detect(ctx context.Context, imagePath string, threshold float64) ([]types.Detection, error) {
	if !d.ready {
		return nil, fmt.Errorf("%w: Detect called before Init", types.ErrModelInitialization)
	}

	img, err := d.processor.LoadImage(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decode image: %w", types.ErrModelInference, err)
	}

	imgB64, size, err := d.processor.PrepareImageForModel(img, d.opts.SendFormat, d.opts.SendSize, d.opts.SendQuality)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot encode image: %w", types.ErrModelInference, err)
	}

	resp, err := d.client.LocateObjects(ctx, d.model, d.prompt, imgB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrModelInference, err)
	}

	return d.convert(resp, size.X, size.Y, threshold), nil
}

func (d *VisionDetector) convert(resp *types.ObjectsResponse, imgW, imgH int, threshold float64) []types.Detection {
	out := make([]types.Detection, 0, len(resp.Objects))
	for _, obj := range resp.Objects {
		name, ok := d.matchClass(obj.Label)
		if !ok {
			continue
		}
		conf := normalizeConfidence(obj.Confidence)
		if conf < threshold {
			continue
		}
		box, ok := toBBox(normalizeBox(obj.Box, imgW, imgH))
		if !ok {
			continue
		}
		out = append(out, types.Detection{ClassName: name, Box: box, Confidence: conf})
	}
	return out
}

// matchClass maps a model label onto a prompt, ignoring case and a plural "s"
func (d *VisionDetector) matchClass(label string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(label))
	if c, ok := d.lookup[key]; ok {
		return c, true
	}
	if strings.HasSuffix(key, "s") {
		if c, ok := d.lookup[strings.TrimSuffix(key, "s")]; ok {
			return c, true
		}
	}
	return "", false
}

// BuildPrompt renders the instruction sent with every image
func BuildPrompt(classes []string) string {
	quoted := make([]string, len(classes))
	for i, c := range classes {
		quoted[i] = strconv.Quote(c)
	}
	return fmt.Sprintf(promptTemplate, strings.Join(quoted, ", "))
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeConfidence maps percentages onto [0,1] and clamps the rest
func normalizeConfidence(c float64) float64 {
	if c > 1 && c <= 100 {
		c /= 100
	}
	return clamp(c, 0, 1)
}

// normalizeBox converts pixel coordinates (relative to the uploaded image)
// to normalized ones. Boxes already in [0,1] are returned as is.
func normalizeBox(b types.Box, imgW, imgH int) types.Box {
	if imgW > 0 && imgH > 0 && (b.X > 1 || b.Y > 1 || b.W > 1 || b.H > 1) {
		return types.Box{
			X: b.X / float64(imgW),
			Y: b.Y / float64(imgH),
			W: b.W / float64(imgW),
			H: b.H / float64(imgH),
		}
	}
	return b
}

// toBBox clips a top-left box to the image and converts it to centre format.
// It reports false when nothing of the box is left.
func toBBox(b types.Box) (types.BBox, bool) {
	x0 := clamp(b.X, 0, 1)
	y0 := clamp(b.Y, 0, 1)
	x1 := clamp(b.X+b.W, 0, 1)
	y1 := clamp(b.Y+b.H, 0, 1)
	if x1 <= x0 || y1 <= y0 {
		return types.BBox{}, false
	}
	return types.BBox{
		XCenter: (x0 + x1) / 2,
		YCenter: (y0 + y1) / 2,
		Width:   x1 - x0,
		Height:  y1 - y0,
	}, true
}
