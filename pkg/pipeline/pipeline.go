// Package pipeline drives one labelling run: validate the parameters, scan
// the images folder, initialise the detector once, then detect and write
// labels image by image. A failure on one image is recorded and the run
// moves on; only problems that leave no image processable abort the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/autolabel/internal/logger"
	"github.com/menta2k/autolabel/internal/utils"
	"github.com/menta2k/autolabel/pkg/annotation"
	"github.com/menta2k/autolabel/pkg/detection"
	"github.com/menta2k/autolabel/pkg/types"
	"github.com/menta2k/autolabel/pkg/validate"
)

// Skip reasons recorded in RunStats.Skips
const (
	ReasonInterrupted = "interrupted"
	ReasonLabelExists = "label exists"
)

// ImageScanner finds the images of a run
type ImageScanner interface {
	Scan(folder string) ([]types.ImageTask, error)
	Exclude(dirs ...string)
	Extensions() []string
}

// Options tunes a run
type Options struct {
	Annotation       annotation.Options
	SkipExisting     bool
	WriteClassesFile bool
	// ExcludeDirs are kept out of the scan when they lie inside the images folder
	ExcludeDirs []string

	// Progress is called after every image with the number of images done so far
	Progress func(done, total int, result types.ImageResult)
	// OnAnnotated is called after a label file was written
	OnAnnotated func(task types.ImageTask, detections []types.Detection)
}

// Params are the raw, unvalidated run parameters
type Params struct {
	Prompts      []string
	Confidence   float64
	ImagesFolder string
	OutputFolder string
}

// Orchestrator runs the pipeline once. It is not safe for concurrent use.
type Orchestrator struct {
	detector detection.Detector
	scanner  ImageScanner
	log      *logger.Logger
	opts     Options
	used     bool
}

// New creates an orchestrator. A nil logger discards output.
func New(detector detection.Detector, scanner ImageScanner, log *logger.Logger, opts Options) *Orchestrator {
	if log == nil {
		log = logger.Discard()
	}
	return &Orchestrator{
		detector: detector,
		scanner:  scanner,
		log:      log,
		opts:     opts,
	}
}

// Run processes every image below p.ImagesFolder. The returned stats are a
// snapshot owned by the caller. An error means the run as a whole failed
// and no stats exist.
func (o *Orchestrator) Run(ctx context.Context, p Params) (*types.RunStats, error) {
	if o.used {
		return nil, fmt.Errorf("%w: orchestrator already ran; create a new one for another run", types.ErrModelInitialization)
	}
	o.used = true

	cfg, err := validateParams(p)
	if err != nil {
		return nil, err
	}
	o.log.Info("Run config: prompts=%v confidence=%.2f images=%s output=%s",
		cfg.Prompts, cfg.ConfidenceThreshold, cfg.ImagesFolder, cfg.OutputFolder)

	for _, dir := range append([]string{cfg.OutputFolder}, o.opts.ExcludeDirs...) {
		if abs, err := filepath.Abs(dir); err == nil && abs != cfg.ImagesFolder && utils.IsWithin(cfg.ImagesFolder, abs) {
			o.scanner.Exclude(abs)
		}
	}
	tasks, err := o.scanner.Scan(cfg.ImagesFolder)
	if err != nil {
		return nil, err
	}
	o.log.Info("Found %d images in %s", len(tasks), cfg.ImagesFolder)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := o.detector.Init(ctx, cfg.Prompts); err != nil {
		return nil, err
	}

	if err := utils.EnsureDir(cfg.OutputFolder); err != nil {
		return nil, fmt.Errorf("%w: cannot create output folder %s: %w", types.ErrFileOperation, cfg.OutputFolder, err)
	}
	writer := annotation.NewWriter(cfg.Prompts, o.opts.Annotation)

	stats := &types.RunStats{
		RunID:             uuid.NewString(),
		StartedAt:         time.Now(),
		TotalImages:       len(tasks),
		Config:            cfg,
		ClassDistribution: make(map[string]int, len(cfg.Prompts)),
		Failures:          []types.Failure{},
		Results:           make([]types.ImageResult, 0, len(tasks)),
	}
	for _, c := range cfg.Prompts {
		stats.ClassDistribution[c] = 0
	}

	if o.opts.WriteClassesFile {
		path, err := writer.WriteClassesFile(cfg.OutputFolder)
		if err != nil {
			return nil, err
		}
		stats.ClassesFile = path
	}

	claimed := make(map[string]string, len(tasks)+1)
	if stats.ClassesFile != "" {
		claimed[stats.ClassesFile] = annotation.ClassesFileName
	}
	exts := o.scanner.Extensions()
	for i, task := range tasks {
		var result types.ImageResult
		if ctx.Err() != nil {
			result = skipped(task, ReasonInterrupted)
		} else {
			result = o.process(ctx, task, cfg, writer, claimed, exts)
		}
		if result.Outcome == types.OutcomeSkipped && result.Reason == ReasonInterrupted {
			stats.Interrupted = true
		}
		record(stats, result)

		if o.opts.Progress != nil {
			o.opts.Progress(i+1, len(tasks), result)
		}
	}
	stats.FinishedAt = time.Now()

	if stats.Interrupted {
		o.log.Warning("Run interrupted; remaining images were skipped")
	}
	o.log.Info("Run %s finished: total=%d succeeded=%d failed=%d skipped=%d detections=%d",
		stats.RunID, stats.TotalImages, stats.Succeeded, stats.Failed, stats.Skipped, stats.TotalDetections)

	return stats.Clone(), nil
}

func validateParams(p Params) (types.RunConfig, error) {
	conf, err := validate.Confidence(p.Confidence)
	if err != nil {
		return types.RunConfig{}, err
	}
	prompts, err := validate.PromptList(p.Prompts)
	if err != nil {
		return types.RunConfig{}, err
	}
	images, err := validate.DirectoryPath(p.ImagesFolder)
	if err != nil {
		return types.RunConfig{}, err
	}
	output, err := validate.OutputPath(p.OutputFolder)
	if err != nil {
		return types.RunConfig{}, err
	}
	return types.RunConfig{
		Prompts:             prompts,
		ConfidenceThreshold: conf,
		ImagesFolder:        images,
		OutputFolder:        output,
	}, nil
}

// process handles one image. Every outcome, including a panic in a
// collaborator, becomes an ImageResult.
func (o *Orchestrator) process(ctx context.Context, task types.ImageTask, cfg types.RunConfig, writer *annotation.Writer, claimed map[string]string, exts []string) (result types.ImageResult) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("Panic while processing %s: %v", task.SourcePath, r)
			result = failed(task, fmt.Sprintf("panic: %v", r))
		}
	}()

	if _, err := validate.ImageFile(task.SourcePath, exts); err != nil {
		o.log.Warning("Skipping %s: %v", task.SourcePath, err)
		return skipped(task, err.Error())
	}

	labelPath := writer.LabelPath(task, cfg.OutputFolder)
	if first, ok := claimed[labelPath]; ok {
		reason := fmt.Sprintf("label path %s already used by %s", labelPath, first)
		o.log.Warning("Skipping %s: %s", task.SourcePath, reason)
		return skipped(task, reason)
	}
	claimed[labelPath] = task.SourcePath

	if o.opts.SkipExisting && utils.FileExists(labelPath) {
		o.log.Debug("Skipping %s: %s", task.SourcePath, ReasonLabelExists)
		r := skipped(task, ReasonLabelExists)
		r.LabelPath = labelPath
		return r
	}

	start := time.Now()
	detections, err := o.detector.Detect(ctx, task.SourcePath, cfg.ConfidenceThreshold)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return skipped(task, ReasonInterrupted)
		}
		o.logFailure("Detection", task, err)
		return failed(task, err.Error())
	}

	written, err := writer.Write(task, detections, cfg.OutputFolder)
	if err != nil {
		o.logFailure("Writing labels", task, err)
		return failed(task, err.Error())
	}
	o.log.Debug("%s: %d detections in %v -> %s", task.RelPath, len(detections), time.Since(start).Round(time.Millisecond), written)

	if o.opts.OnAnnotated != nil {
		o.opts.OnAnnotated(task, detections)
	}

	return types.ImageResult{
		Task:       task,
		Detections: detections,
		Outcome:    types.OutcomeSuccess,
		LabelPath:  written,
	}
}

// logFailure classifies a per-image error. Recoverable kinds are warnings;
// anything else points at a broken collaborator and is logged as an error.
// Either way only this image fails.
func (o *Orchestrator) logFailure(step string, task types.ImageTask, err error) {
	kind := types.KindOf(err)
	if types.IsFatal(kind) {
		o.log.Error("%s failed for %s (%s error): %v", step, task.SourcePath, kind, err)
		return
	}
	o.log.Warning("%s failed for %s: %v", step, task.SourcePath, err)
}

func record(stats *types.RunStats, r types.ImageResult) {
	stats.Results = append(stats.Results, r)
	switch r.Outcome {
	case types.OutcomeSuccess:
		stats.Succeeded++
		stats.AnnotationFilesCreated++
		stats.TotalDetections += len(r.Detections)
		for _, d := range r.Detections {
			stats.ClassDistribution[d.ClassName]++
		}
	case types.OutcomeSkipped:
		stats.Skipped++
		stats.Skips = append(stats.Skips, types.Failure{Path: r.Task.SourcePath, Reason: r.Reason})
	default:
		stats.Failed++
		stats.Failures = append(stats.Failures, types.Failure{Path: r.Task.SourcePath, Reason: r.Reason})
	}
}

func skipped(task types.ImageTask, reason string) types.ImageResult {
	return types.ImageResult{Task: task, Outcome: types.OutcomeSkipped, Reason: reason}
}

func failed(task types.ImageTask, reason string) types.ImageResult {
	return types.ImageResult{Task: task, Outcome: types.OutcomeFailed, Reason: reason}
}
