package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/menta2k/autolabel/internal/logger"
	"github.com/menta2k/autolabel/pkg/annotation"
	"github.com/menta2k/autolabel/pkg/detection"
	"github.com/menta2k/autolabel/pkg/scanner"
	"github.com/menta2k/autolabel/pkg/types"
)

type stubDetector struct {
	initErr    error
	inits      int
	prompts    []string
	detected   []string
	thresholds []float64
	detect     func(ctx context.Context, path string) ([]types.Detection, error)
}

func (s *stubDetector) Init(ctx context.Context, prompts []string) error {
	s.inits++
	s.prompts = prompts
	return s.initErr
}

func (s *stubDetector) Detect(ctx context.Context, path string, threshold float64) ([]types.Detection, error) {
	s.detected = append(s.detected, filepath.Base(path))
	s.thresholds = append(s.thresholds, threshold)
	if s.detect != nil {
		return s.detect(ctx, path)
	}
	return []types.Detection{oneBus()}, nil
}

func oneBus() types.Detection {
	return types.Detection{ClassName: "bus", Confidence: 0.9, Box: types.BBox{XCenter: 0.5, YCenter: 0.5, Width: 0.2, Height: 0.2}}
}

type countingScanner struct {
	*scanner.Scanner
	scans int
}

func (c *countingScanner) Scan(folder string) ([]types.ImageTask, error) {
	c.scans++
	return c.Scanner.Scan(folder)
}

func newScanner(t *testing.T) *countingScanner {
	t.Helper()
	s, err := scanner.New([]string{".jpg", ".png"})
	if err != nil {
		t.Fatal(err)
	}
	return &countingScanner{Scanner: s}
}

func touch(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, n := range names {
		p := filepath.Join(root, filepath.FromSlash(n))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func checkConsistent(t *testing.T, stats *types.RunStats) {
	t.Helper()
	if !stats.Consistent() {
		t.Errorf("Inconsistent stats: total=%d succeeded=%d failed=%d skipped=%d results=%d",
			stats.TotalImages, stats.Succeeded, stats.Failed, stats.Skipped, len(stats.Results))
	}
}

func TestRunSuccess(t *testing.T) {
	images := t.TempDir()
	out := filepath.Join(t.TempDir(), "labels")
	touch(t, images, "c.jpg", "a.jpg", "sub/b.png", "notes.txt")

	det := &stubDetector{}
	o := New(det, newScanner(t), nil, Options{WriteClassesFile: true, Annotation: annotation.Options{MirrorSubdirs: true}})

	stats, err := o.Run(context.Background(), Params{
		Prompts:      []string{"bus, person", "bus"},
		Confidence:   0.3,
		ImagesFolder: images,
		OutputFolder: out,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	checkConsistent(t, stats)
	if stats.TotalImages != 3 || stats.Succeeded != 3 || stats.Failed != 0 || stats.Skipped != 0 {
		t.Errorf("Unexpected counts: %+v", stats)
	}
	if det.inits != 1 {
		t.Errorf("Expected exactly one Init, got %d", det.inits)
	}
	if strings.Join(det.prompts, ",") != "bus,person" {
		t.Errorf("Unexpected prompts: %v", det.prompts)
	}
	if strings.Join(det.detected, ",") != "a.jpg,c.jpg,b.png" {
		t.Errorf("Expected sorted processing order, got %v", det.detected)
	}
	for _, th := range det.thresholds {
		if th != 0.3 {
			t.Errorf("Expected threshold 0.3, got %v", th)
		}
	}

	if stats.RunID == "" || stats.StartedAt.IsZero() || stats.FinishedAt.Before(stats.StartedAt) {
		t.Errorf("Missing run metadata: %+v", stats)
	}
	if stats.TotalDetections != 3 || stats.ClassDistribution["bus"] != 3 || stats.ClassDistribution["person"] != 0 {
		t.Errorf("Unexpected distribution: %v (total %d)", stats.ClassDistribution, stats.TotalDetections)
	}
	if stats.AnnotationFilesCreated != 3 {
		t.Errorf("Expected 3 annotation files, got %d", stats.AnnotationFilesCreated)
	}

	data, err := os.ReadFile(filepath.Join(out, "sub", "b.txt"))
	if err != nil {
		t.Fatalf("Expected mirrored label file: %v", err)
	}
	if string(data) != "0 0.500000 0.500000 0.200000 0.200000\n" {
		t.Errorf("Unexpected label content: %q", data)
	}
	if stats.ClassesFile != filepath.Join(out, "classes.txt") {
		t.Errorf("Unexpected classes file %s", stats.ClassesFile)
	}
}

type fakeClient struct{}

func (fakeClient) Ping(ctx context.Context, model string) error { return nil }

func (fakeClient) LocateObjects(ctx context.Context, model, prompt, imgB64 string) (*types.ObjectsResponse, error) {
	return &types.ObjectsResponse{Objects: []types.LocatedObject{
		{Label: "bus", Confidence: 0.8, Box: types.Box{X: 0.1, Y: 0.1, W: 0.3, H: 0.3}},
		{Label: "person", Confidence: 0.6, Box: types.Box{X: 0.5, Y: 0.5, W: 0.2, H: 0.4}},
	}}, nil
}

func TestRunCorruptImage(t *testing.T) {
	images := t.TempDir()
	out := filepath.Join(t.TempDir(), "labels")
	for _, name := range []string{"one.png", "two.png", "three.png"} {
		if err := imaging.Save(imaging.New(40, 30, color.NRGBA{200, 0, 0, 255}), filepath.Join(images, name)); err != nil {
			t.Fatal(err)
		}
	}
	corrupt := filepath.Join(images, "broken.jpg")
	if err := os.WriteFile(corrupt, []byte("not an image at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	det := detection.NewVisionDetector(fakeClient{}, "test-model", detection.Options{})
	o := New(det, newScanner(t), nil, Options{})

	stats, err := o.Run(context.Background(), Params{
		Prompts:      []string{"bus,person"},
		Confidence:   0.25,
		ImagesFolder: images,
		OutputFolder: out,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	checkConsistent(t, stats)
	if stats.TotalImages != 4 || stats.Failed != 1 || stats.Succeeded != 3 {
		t.Errorf("Unexpected counts: total=%d succeeded=%d failed=%d", stats.TotalImages, stats.Succeeded, stats.Failed)
	}
	if len(stats.Failures) != 1 || stats.Failures[0].Path != corrupt {
		t.Fatalf("Expected failure for %s, got %+v", corrupt, stats.Failures)
	}
	if !strings.Contains(stats.Failures[0].Reason, "decode") {
		t.Errorf("Expected decode-related reason, got %q", stats.Failures[0].Reason)
	}

	labels, err := annotation.ParseLabelFile(filepath.Join(out, "one.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 2 || labels[0].ClassIndex != 0 || labels[1].ClassIndex != 1 {
		t.Errorf("Unexpected labels: %+v", labels)
	}
}

func TestRunEmptyFolder(t *testing.T) {
	det := &stubDetector{}
	o := New(det, newScanner(t), nil, Options{})

	stats, err := o.Run(context.Background(), Params{
		Prompts:      []string{"bus"},
		Confidence:   0.25,
		ImagesFolder: t.TempDir(),
		OutputFolder: filepath.Join(t.TempDir(), "labels"),
	})
	if !errors.Is(err, types.ErrImageNotFound) {
		t.Fatalf("Expected ErrImageNotFound, got %v", err)
	}
	if stats != nil {
		t.Error("Expected no stats")
	}
	if det.inits != 0 {
		t.Error("Detector must not be initialized without images")
	}
}

func TestRunInvalidConfidence(t *testing.T) {
	det := &stubDetector{}
	sc := newScanner(t)
	o := New(det, sc, nil, Options{})

	_, err := o.Run(context.Background(), Params{
		Prompts:      []string{"bus"},
		Confidence:   1.5,
		ImagesFolder: t.TempDir(),
		OutputFolder: t.TempDir(),
	})
	if !errors.Is(err, types.ErrInvalidParameter) {
		t.Fatalf("Expected ErrInvalidParameter, got %v", err)
	}
	if sc.scans != 0 {
		t.Error("No scan may happen after a validation error")
	}
	if det.inits != 0 {
		t.Error("Detector must not be initialized after a validation error")
	}
}

func TestRunInvalidPrompts(t *testing.T) {
	o := New(&stubDetector{}, newScanner(t), nil, Options{})
	_, err := o.Run(context.Background(), Params{
		Prompts:      []string{" , "},
		Confidence:   0.5,
		ImagesFolder: t.TempDir(),
		OutputFolder: t.TempDir(),
	})
	if !errors.Is(err, types.ErrInvalidParameter) {
		t.Errorf("Expected ErrInvalidParameter, got %v", err)
	}
}

func TestRunWriteFailureIsolation(t *testing.T) {
	images := t.TempDir()
	out := filepath.Join(t.TempDir(), "labels")
	touch(t, images, "img1.jpg", "img2.jpg", "img3.jpg", "img4.jpg")

	// a directory where img2's label file must go
	if err := os.MkdirAll(filepath.Join(out, "img2.txt"), 0o755); err != nil {
		t.Fatal(err)
	}

	o := New(&stubDetector{}, newScanner(t), nil, Options{})
	stats, err := o.Run(context.Background(), Params{
		Prompts:      []string{"bus"},
		Confidence:   0.25,
		ImagesFolder: images,
		OutputFolder: out,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	checkConsistent(t, stats)
	if stats.Succeeded != 3 || stats.Failed != 1 {
		t.Errorf("Expected 3 succeeded and 1 failed, got %d/%d", stats.Succeeded, stats.Failed)
	}
	if filepath.Base(stats.Failures[0].Path) != "img2.jpg" {
		t.Errorf("Unexpected failure: %+v", stats.Failures[0])
	}
	for _, name := range []string{"img1.txt", "img3.txt", "img4.txt"} {
		data, err := os.ReadFile(filepath.Join(out, name))
		if err != nil {
			t.Errorf("Missing %s: %v", name, err)
			continue
		}
		if string(data) != "0 0.500000 0.500000 0.200000 0.200000\n" {
			t.Errorf("%s: unexpected content %q", name, data)
		}
	}
}

func TestRunDetectorFailureIsolation(t *testing.T) {
	images := t.TempDir()
	touch(t, images, "a.jpg", "b.jpg", "c.jpg", "d.jpg")

	det := &stubDetector{detect: func(ctx context.Context, path string) ([]types.Detection, error) {
		switch filepath.Base(path) {
		case "b.jpg":
			return nil, errors.New("model timeout")
		case "c.jpg":
			panic("unexpected nil")
		}
		return nil, nil
	}}

	o := New(det, newScanner(t), nil, Options{})
	stats, err := o.Run(context.Background(), Params{
		Prompts:      []string{"bus"},
		Confidence:   0.5,
		ImagesFolder: images,
		OutputFolder: filepath.Join(t.TempDir(), "out"),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	checkConsistent(t, stats)
	if stats.Succeeded != 2 || stats.Failed != 2 {
		t.Errorf("Expected 2 succeeded and 2 failed, got %d/%d", stats.Succeeded, stats.Failed)
	}
	if !strings.Contains(stats.Failures[0].Reason, "model timeout") {
		t.Errorf("Unexpected reason: %s", stats.Failures[0].Reason)
	}
	if !strings.HasPrefix(stats.Failures[1].Reason, "panic") {
		t.Errorf("Expected panic reason, got %s", stats.Failures[1].Reason)
	}
	if stats.Results[3].Outcome != types.OutcomeSuccess {
		t.Error("Processing must continue after a panic")
	}
	if stats.TotalDetections != 0 || stats.AnnotationFilesCreated != 2 {
		t.Errorf("Unexpected totals: detections=%d files=%d", stats.TotalDetections, stats.AnnotationFilesCreated)
	}
}

func TestRunDetectorInitFailure(t *testing.T) {
	images := t.TempDir()
	touch(t, images, "a.jpg")
	out := filepath.Join(t.TempDir(), "labels")

	initErr := errors.New("backend down")
	det := &stubDetector{initErr: initErr}
	o := New(det, newScanner(t), nil, Options{})

	_, err := o.Run(context.Background(), Params{Prompts: []string{"bus"}, Confidence: 0.5, ImagesFolder: images, OutputFolder: out})
	if !errors.Is(err, initErr) {
		t.Errorf("Expected init error, got %v", err)
	}
	if len(det.detected) != 0 {
		t.Error("No image may be processed after a failed Init")
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("Output folder should not be created when Init fails")
	}
}

func TestRunCancellation(t *testing.T) {
	images := t.TempDir()
	touch(t, images, "1.jpg", "2.jpg", "3.jpg", "4.jpg", "5.jpg")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	det := &stubDetector{}
	var progress []int
	o := New(det, newScanner(t), nil, Options{Progress: func(done, total int, r types.ImageResult) {
		progress = append(progress, done)
		if done == 2 {
			cancel()
		}
	}})

	stats, err := o.Run(ctx, Params{Prompts: []string{"bus"}, Confidence: 0.5, ImagesFolder: images, OutputFolder: filepath.Join(t.TempDir(), "o")})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	checkConsistent(t, stats)
	if !stats.Interrupted {
		t.Error("Expected run to be marked interrupted")
	}
	if stats.Succeeded != 2 || stats.Skipped != 3 {
		t.Errorf("Expected 2 succeeded and 3 skipped, got %d/%d", stats.Succeeded, stats.Skipped)
	}
	if len(det.detected) != 2 {
		t.Errorf("Detector called %d times after cancellation", len(det.detected))
	}
	for _, s := range stats.Skips {
		if s.Reason != ReasonInterrupted {
			t.Errorf("Unexpected skip reason %q", s.Reason)
		}
	}
	if len(progress) != 5 || progress[4] != 5 {
		t.Errorf("Expected progress for every image, got %v", progress)
	}
}

func TestRunCancelledDuringDetect(t *testing.T) {
	images := t.TempDir()
	touch(t, images, "1.jpg", "2.jpg")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	det := &stubDetector{detect: func(ctx context.Context, path string) ([]types.Detection, error) {
		cancel()
		return nil, ctx.Err()
	}}
	o := New(det, newScanner(t), nil, Options{})

	stats, err := o.Run(ctx, Params{Prompts: []string{"bus"}, Confidence: 0.5, ImagesFolder: images, OutputFolder: filepath.Join(t.TempDir(), "o")})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	checkConsistent(t, stats)
	if stats.Skipped != 2 || stats.Failed != 0 {
		t.Errorf("Expected both images skipped, got skipped=%d failed=%d", stats.Skipped, stats.Failed)
	}
}

func TestRunSkipExisting(t *testing.T) {
	images := t.TempDir()
	out := t.TempDir()
	touch(t, images, "a.jpg", "b.jpg")
	if err := os.WriteFile(filepath.Join(out, "a.txt"), []byte("keep me\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	det := &stubDetector{}
	o := New(det, newScanner(t), nil, Options{SkipExisting: true})
	stats, err := o.Run(context.Background(), Params{Prompts: []string{"bus"}, Confidence: 0.5, ImagesFolder: images, OutputFolder: out})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	checkConsistent(t, stats)
	if stats.Skipped != 1 || stats.Succeeded != 1 {
		t.Errorf("Expected 1 skipped and 1 succeeded, got %d/%d", stats.Skipped, stats.Succeeded)
	}
	if strings.Join(det.detected, ",") != "b.jpg" {
		t.Errorf("Detector should only see b.jpg, saw %v", det.detected)
	}
	data, _ := os.ReadFile(filepath.Join(out, "a.txt"))
	if string(data) != "keep me\n" {
		t.Error("Existing label must not be touched")
	}
}

func TestRunFlatCollision(t *testing.T) {
	images := t.TempDir()
	out := filepath.Join(t.TempDir(), "labels")
	touch(t, images, "day/x.jpg", "night/x.jpg")

	o := New(&stubDetector{}, newScanner(t), nil, Options{Annotation: annotation.Options{MirrorSubdirs: false}})
	stats, err := o.Run(context.Background(), Params{Prompts: []string{"bus"}, Confidence: 0.5, ImagesFolder: images, OutputFolder: out})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	checkConsistent(t, stats)
	if stats.Succeeded != 1 || stats.Skipped != 1 {
		t.Errorf("Expected 1 succeeded and 1 skipped, got %d/%d", stats.Succeeded, stats.Skipped)
	}
	if !strings.Contains(stats.Skips[0].Reason, "already used") {
		t.Errorf("Unexpected reason %q", stats.Skips[0].Reason)
	}
}

func TestRunExcludesNestedOutput(t *testing.T) {
	images := t.TempDir()
	touch(t, images, "a.jpg", "labels/debug/a.png")

	o := New(&stubDetector{}, newScanner(t), nil, Options{})
	stats, err := o.Run(context.Background(), Params{
		Prompts:      []string{"bus"},
		Confidence:   0.5,
		ImagesFolder: images,
		OutputFolder: filepath.Join(images, "labels"),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.TotalImages != 1 {
		t.Errorf("Output folder must not be scanned, got %d images", stats.TotalImages)
	}
}

func TestRunVanishedImage(t *testing.T) {
	images := t.TempDir()
	out := filepath.Join(t.TempDir(), "labels")
	touch(t, images, "a.jpg", "b.jpg")

	det := &stubDetector{detect: func(ctx context.Context, path string) ([]types.Detection, error) {
		// b.jpg disappears after the scan
		if err := os.Remove(filepath.Join(images, "b.jpg")); err != nil {
			t.Fatal(err)
		}
		return nil, nil
	}}
	o := New(det, newScanner(t), nil, Options{})
	stats, err := o.Run(context.Background(), Params{Prompts: []string{"bus"}, Confidence: 0.5, ImagesFolder: images, OutputFolder: out})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	checkConsistent(t, stats)
	if stats.Succeeded != 1 || stats.Skipped != 1 {
		t.Errorf("Expected 1 succeeded and 1 skipped, got %d/%d", stats.Succeeded, stats.Skipped)
	}
	if len(stats.Skips) != 1 || !strings.Contains(stats.Skips[0].Reason, "image not found") {
		t.Errorf("Unexpected skips %v", stats.Skips)
	}
	if len(det.detected) != 1 {
		t.Errorf("Vanished image must not reach the detector, got %v", det.detected)
	}
}

func TestRunImageReplacedByDirectory(t *testing.T) {
	images := t.TempDir()
	touch(t, images, "a.jpg", "b.jpg")

	det := &stubDetector{detect: func(ctx context.Context, path string) ([]types.Detection, error) {
		b := filepath.Join(images, "b.jpg")
		if err := os.Remove(b); err != nil {
			t.Fatal(err)
		}
		if err := os.Mkdir(b, 0o755); err != nil {
			t.Fatal(err)
		}
		return nil, nil
	}}
	o := New(det, newScanner(t), nil, Options{})
	stats, err := o.Run(context.Background(), Params{Prompts: []string{"bus"}, Confidence: 0.5, ImagesFolder: images, OutputFolder: filepath.Join(t.TempDir(), "out")})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	checkConsistent(t, stats)
	if stats.Skipped != 1 || !strings.Contains(stats.Skips[0].Reason, "not a regular file") {
		t.Errorf("Expected b.jpg skipped as not a regular file, got %v", stats.Skips)
	}
}

func TestRunClassesFileCollision(t *testing.T) {
	images := t.TempDir()
	out := filepath.Join(t.TempDir(), "labels")
	touch(t, images, "a.jpg", "classes.jpg")

	o := New(&stubDetector{}, newScanner(t), nil, Options{
		Annotation:       annotation.Options{MirrorSubdirs: true},
		WriteClassesFile: true,
	})
	stats, err := o.Run(context.Background(), Params{Prompts: []string{"bus", "person"}, Confidence: 0.5, ImagesFolder: images, OutputFolder: out})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	checkConsistent(t, stats)
	if stats.Succeeded != 1 || stats.Skipped != 1 {
		t.Errorf("Expected 1 succeeded and 1 skipped, got %d/%d", stats.Succeeded, stats.Skipped)
	}
	if len(stats.Skips) != 1 || filepath.Base(stats.Skips[0].Path) != "classes.jpg" || !strings.Contains(stats.Skips[0].Reason, "already used") {
		t.Errorf("Unexpected skips %v", stats.Skips)
	}
	data, err := os.ReadFile(filepath.Join(out, annotation.ClassesFileName))
	if err != nil || string(data) != "bus\nperson\n" {
		t.Errorf("classes.txt was overwritten: %q, %v", data, err)
	}
}

func TestRunClassesFileNameWithoutClassesFile(t *testing.T) {
	images := t.TempDir()
	touch(t, images, "classes.jpg")

	o := New(&stubDetector{}, newScanner(t), nil, Options{WriteClassesFile: false})
	stats, err := o.Run(context.Background(), Params{Prompts: []string{"bus"}, Confidence: 0.5, ImagesFolder: images, OutputFolder: filepath.Join(t.TempDir(), "out")})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Succeeded != 1 {
		t.Errorf("Expected classes.jpg to be labelled when no classes file is written, got %+v", stats.Skips)
	}
}

func TestRunExcludeDirsInsideImages(t *testing.T) {
	images := t.TempDir()
	touch(t, images, "a.jpg", "debug/a.png")

	o := New(&stubDetector{}, newScanner(t), nil, Options{ExcludeDirs: []string{filepath.Join(images, "debug")}})
	stats, err := o.Run(context.Background(), Params{
		Prompts:      []string{"bus"},
		Confidence:   0.5,
		ImagesFolder: images,
		OutputFolder: images,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.TotalImages != 1 || filepath.Base(stats.Results[0].Task.SourcePath) != "a.jpg" {
		t.Errorf("Expected only a.jpg to be scanned, got %d images", stats.TotalImages)
	}
}

func TestRunFailureLogLevel(t *testing.T) {
	images := t.TempDir()
	touch(t, images, "a.jpg", "b.jpg")

	det := &stubDetector{detect: func(ctx context.Context, path string) ([]types.Detection, error) {
		if filepath.Base(path) == "a.jpg" {
			return nil, fmt.Errorf("%w: bad answer", types.ErrModelInference)
		}
		return nil, fmt.Errorf("%w: backend went away", types.ErrModelInitialization)
	}}

	var buf bytes.Buffer
	log, err := logger.New(logger.Options{Out: &buf})
	if err != nil {
		t.Fatal(err)
	}
	o := New(det, newScanner(t), log, Options{})
	stats, err := o.Run(context.Background(), Params{Prompts: []string{"bus"}, Confidence: 0.5, ImagesFolder: images, OutputFolder: filepath.Join(t.TempDir(), "out")})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Failed != 2 {
		t.Errorf("Both images must fail without aborting the run, got %d failed", stats.Failed)
	}

	var warned, errored bool
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.HasPrefix(line, "WARNING") && strings.Contains(line, "a.jpg") {
			warned = true
		}
		if strings.HasPrefix(line, "ERROR") && strings.Contains(line, "b.jpg") && strings.Contains(line, "model initialization") {
			errored = true
		}
	}
	if !warned || !errored {
		t.Errorf("Expected a warning for a.jpg and an error for b.jpg, got:\n%s", buf.String())
	}
}

func TestRunOnlyOnce(t *testing.T) {
	images := t.TempDir()
	touch(t, images, "a.jpg")
	o := New(&stubDetector{}, newScanner(t), nil, Options{})
	p := Params{Prompts: []string{"bus"}, Confidence: 0.5, ImagesFolder: images, OutputFolder: filepath.Join(t.TempDir(), "o")}

	if _, err := o.Run(context.Background(), p); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if _, err := o.Run(context.Background(), p); !errors.Is(err, types.ErrModelInitialization) {
		t.Errorf("Expected ErrModelInitialization on second run, got %v", err)
	}
}

func TestRunStatsAreSnapshot(t *testing.T) {
	images := t.TempDir()
	touch(t, images, "a.jpg")

	var seen types.ImageResult
	o := New(&stubDetector{}, newScanner(t), nil, Options{Progress: func(done, total int, r types.ImageResult) { seen = r }})
	stats, err := o.Run(context.Background(), Params{Prompts: []string{"bus"}, Confidence: 0.5, ImagesFolder: images, OutputFolder: filepath.Join(t.TempDir(), "o")})
	if err != nil {
		t.Fatal(err)
	}

	stats.Results[0].Detections[0].ClassName = "mutated"
	if seen.Detections[0].ClassName != "bus" {
		t.Error("Returned stats must not share memory with progress results")
	}
}
