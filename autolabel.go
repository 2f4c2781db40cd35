// Package autolabel labels a folder of images with a vision-language model
// and writes YOLO annotation files.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		"github.com/menta2k/autolabel"
//		"github.com/menta2k/autolabel/internal/config"
//	)
//
//	func main() {
//		ctx := context.Background()
//		cfg := config.Default()
//
//		labeler, err := autolabel.New(ctx, cfg, nil, autolabel.Options{})
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer labeler.Close()
//
//		stats, err := labeler.Run(ctx, autolabel.Request{
//			Prompts:      []string{"bus", "person"},
//			Confidence:   0.3,
//			ImagesFolder: "data/images",
//		})
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("%d labelled, %d failed\n", stats.Succeeded, stats.Failed)
//	}
//
// The package ties together:
//
//  1. Scanner (pkg/scanner): finds the images of a run
//  2. Detection (pkg/detection): asks the model for the prompted classes
//  3. Annotation (pkg/annotation): writes one label file per image
//  4. Pipeline (pkg/pipeline): runs the above image by image
//
// The model is reached through one of the backends in pkg/ollama,
// pkg/llamacpp or pkg/gemini.
package autolabel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/menta2k/autolabel/internal/config"
	"github.com/menta2k/autolabel/internal/logger"
	"github.com/menta2k/autolabel/internal/utils"
	"github.com/menta2k/autolabel/pkg/annotation"
	"github.com/menta2k/autolabel/pkg/client"
	"github.com/menta2k/autolabel/pkg/detection"
	"github.com/menta2k/autolabel/pkg/gemini"
	"github.com/menta2k/autolabel/pkg/llamacpp"
	"github.com/menta2k/autolabel/pkg/ollama"
	"github.com/menta2k/autolabel/pkg/pipeline"
	"github.com/menta2k/autolabel/pkg/processing"
	"github.com/menta2k/autolabel/pkg/scanner"
	"github.com/menta2k/autolabel/pkg/types"
	"github.com/menta2k/autolabel/pkg/validate"
)

// Version of the autolabel tool
const Version = "1.0.0"

const (
	// SummaryFileName is written to the output folder after a run
	SummaryFileName = "run_summary.json"
	// DebugDirName holds the overlay images below the output folder
	DebugDirName = "debug"
)

// Options customises a Labeler
type Options struct {
	// Progress is called after every image
	Progress func(done, total int, result types.ImageResult)
	// Client replaces the backend selected by the configuration
	Client client.VisionClient
}

// Request holds the parameters of one run as given by the user
type Request struct {
	Prompts      []string
	Confidence   float64
	ImagesFolder string
	// OutputFolder defaults to DefaultOutputFolder when empty
	OutputFolder string
}

// Labeler runs a single labelling job against one backend
type Labeler struct {
	cfg       *config.Config
	log       *logger.Logger
	client    client.VisionClient
	model     string
	processor *processing.Processor
	opts      Options
	used      bool
}

// New checks the model settings and connects the configured backend. A nil
// logger discards output.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*Labeler, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.Discard()
	}

	model, err := validate.ModelName(cfg.Default.ModelName, cfg.Models.ValidModels)
	if err != nil {
		return nil, err
	}
	if _, err := validate.AnnotationFormat(cfg.Default.AnnotationFormat); err != nil {
		return nil, err
	}

	vc := opts.Client
	if vc == nil {
		vc, err = NewVisionClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.Info("Using %s backend with model %s", cfg.Backend.Name, model)
	}

	return &Labeler{
		cfg:       cfg,
		log:       log,
		client:    vc,
		model:     model,
		processor: processing.NewProcessor(),
		opts:      opts,
	}, nil
}

// NewVisionClient creates the backend client named by cfg.Backend.Name
func NewVisionClient(ctx context.Context, cfg *config.Config) (client.VisionClient, error) {
	b := cfg.Backend
	var (
		vc  client.VisionClient
		err error
	)
	switch strings.ToLower(b.Name) {
	case "", "ollama":
		vc, err = ollama.NewClient(b.URL, b.Timeout)
	case "llamacpp":
		vc, err = llamacpp.NewClient(b.URL, b.Timeout)
	case "gemini":
		vc, err = gemini.NewClient(ctx, b.APIKey, b.Timeout)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q (use %s)", types.ErrInvalidParameter, b.Name, strings.Join(config.Backends, ", "))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s backend: %w", types.ErrModelInitialization, b.Name, err)
	}
	return vc, nil
}

// DefaultOutputFolder places the labels next to the images folder, in a
// folder named after output_folder_name
func DefaultOutputFolder(imagesFolder, name string) string {
	if strings.TrimSpace(imagesFolder) == "" {
		return ""
	}
	abs, err := filepath.Abs(imagesFolder)
	if err != nil {
		abs = filepath.Clean(imagesFolder)
	}
	return filepath.Join(filepath.Dir(abs), name)
}

// Run labels every image of req.ImagesFolder. A Labeler runs once; prompts
// are fixed for its lifetime.
func (l *Labeler) Run(ctx context.Context, req Request) (*types.RunStats, error) {
	if l.used {
		return nil, fmt.Errorf("%w: labeler already ran; create a new one for another run", types.ErrModelInitialization)
	}
	l.used = true

	output := req.OutputFolder
	if strings.TrimSpace(output) == "" {
		output = DefaultOutputFolder(req.ImagesFolder, l.cfg.Default.OutputFolderName)
	}

	sc, err := scanner.New(l.cfg.Default.ImageExtensions)
	if err != nil {
		return nil, err
	}

	detector := detection.NewVisionDetector(l.client, l.model, detection.Options{
		SendFormat:  l.cfg.Backend.SendFormat,
		SendSize:    l.cfg.Backend.SendSize,
		SendQuality: l.cfg.Backend.SendQuality,
	})

	opts := pipeline.Options{
		Annotation: annotation.Options{
			Precision:     l.cfg.Output.Precision,
			MirrorSubdirs: l.cfg.Output.MirrorSubdirs,
		},
		SkipExisting:     l.cfg.Output.SkipExisting,
		WriteClassesFile: l.cfg.Output.WriteClassesFile,
		ExcludeDirs:      []string{filepath.Join(output, DebugDirName)},
		Progress:         l.opts.Progress,
	}
	if l.cfg.Output.DebugOverlays {
		opts.OnAnnotated = l.overlayHook(detector, output)
	}

	stats, err := pipeline.New(detector, sc, l.log, opts).Run(ctx, pipeline.Params{
		Prompts:      req.Prompts,
		Confidence:   req.Confidence,
		ImagesFolder: req.ImagesFolder,
		OutputFolder: output,
	})
	if err != nil {
		return nil, err
	}

	if l.cfg.Output.WriteSummary {
		path, err := WriteSummary(stats, stats.Config.OutputFolder)
		if err != nil {
			l.log.Warning("Could not write run summary: %v", err)
		} else {
			l.log.Info("Run summary written to %s", path)
		}
	}
	return stats, nil
}

// Close releases the backend connection, if it holds one
func (l *Labeler) Close() error {
	if c, ok := l.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// overlayHook draws the detections of every annotated image into
// <output>/debug. Overlay problems are logged and never fail the image.
func (l *Labeler) overlayHook(detector *detection.VisionDetector, output string) func(types.ImageTask, []types.Detection) {
	var (
		once  sync.Once
		index map[string]int
	)
	dir := filepath.Join(output, DebugDirName)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	format := strings.ToLower(l.cfg.Output.OverlayFormat)

	return func(task types.ImageTask, detections []types.Detection) {
		once.Do(func() {
			classes := detector.Classes()
			index = make(map[string]int, len(classes))
			for i, c := range classes {
				index[c] = i
			}
		})

		img, err := l.processor.LoadImage(task.SourcePath)
		if err != nil {
			l.log.Warning("Overlay skipped for %s: %v", task.SourcePath, err)
			return
		}
		overlay := l.processor.CreateDebugOverlay(img, detections, func(name string) int { return index[name] })

		path := utils.GenerateOutputFilename(task.RelPath, dir, "."+format, l.cfg.Output.MirrorSubdirs)
		if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
			l.log.Warning("Overlay skipped for %s: %v", task.SourcePath, err)
			return
		}
		if err := l.processor.SaveImage(overlay, path, format, 92, false); err != nil {
			l.log.Warning("Overlay save failed for %s: %v", path, err)
			return
		}
		l.log.Debug("wrote %s", path)
	}
}

// WriteSummary stores stats as indented JSON in dir and returns the file path
func WriteSummary(stats *types.RunStats, dir string) (string, error) {
	js, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encoding summary: %w", types.ErrFileOperation, err)
	}
	path := filepath.Join(dir, SummaryFileName)
	if err := os.WriteFile(path, append(js, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrFileOperation, err)
	}
	return path, nil
}

// GetVersion returns the tool version
func GetVersion() string {
	return Version
}
