package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/menta2k/autolabel"
	"github.com/menta2k/autolabel/internal/config"
	"github.com/menta2k/autolabel/internal/logger"
	"github.com/menta2k/autolabel/pkg/client"
	"github.com/menta2k/autolabel/pkg/types"
	"github.com/menta2k/autolabel/pkg/validate"
)

// Exit codes
const (
	exitOK          = 0
	exitUnexpected  = 1
	exitConfig      = 2
	exitValidation  = 3
	exitModelInit   = 4
	exitInference   = 5
	exitNotFound    = 6
	exitFileOp      = 7
	exitInterrupted = 130
)

// clientFactory connects the backend selected by the effective configuration
type clientFactory func(ctx context.Context, cfg *config.Config) (client.VisionClient, error)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, autolabel.NewVisionClient))
}

func run(args []string, stdout, stderr io.Writer, newClient clientFactory) int {
	var prompts, images, output, model, backend, url, format, configPath, writeConfig string
	var confidence float64
	var debug, skipExisting, flat, verbose, noProgress, version bool

	fs := flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&prompts, "prompts", "", "comma-separated class names, e.g. \"bus,person\" (required)")
	fs.StringVar(&images, "images_folder_path", "", "folder with the images to label (default: images_folder from config)")
	fs.Float64Var(&confidence, "confidence", 0, "minimum confidence 0-1 (default: conf from config)")
	fs.StringVar(&output, "output_folder_path", "", "output folder (default: <parent of images>/<output_folder_name>)")

	fs.StringVar(&model, "model_name", "", "model name (default: model_name from config)")
	fs.StringVar(&backend, "backend", "", "backend to use: ollama, llamacpp or gemini")
	fs.StringVar(&url, "url", "", "server URL (defaults: ollama=http://localhost:11434, llamacpp=http://localhost:8080)")
	fs.StringVar(&format, "annotation_format", "", "annotation format (only yolo)")

	fs.StringVar(&configPath, "config", "", "config file (default: $AUTOLABEL_CONFIG, conf/config.ini, ~/.config/autolabel/config.ini)")
	fs.StringVar(&writeConfig, "write_config", "", "write the effective configuration to this file and exit")

	fs.BoolVar(&debug, "debug", false, "write debug overlay images to <output>/debug")
	fs.BoolVar(&skipExisting, "skip_existing", false, "skip images that already have a label file")
	fs.BoolVar(&flat, "flat", false, "write all label files directly into the output folder")
	fs.BoolVar(&verbose, "verbose", false, "verbose logging")
	fs.BoolVar(&noProgress, "no_progress", false, "disable the progress bar")
	fs.BoolVar(&version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitValidation
	}
	if version {
		fmt.Fprintf(stdout, "autolabel %s\n", autolabel.GetVersion())
		return exitOK
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	if configPath == "" {
		configPath = config.GetConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	cfg.ApplyEnv()

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["model_name"] {
		cfg.Default.ModelName = model
	}
	if set["backend"] {
		cfg.Backend.Name = strings.ToLower(backend)
	}
	if set["url"] {
		cfg.Backend.URL = url
	}
	if set["annotation_format"] {
		cfg.Default.AnnotationFormat = format
	}
	if set["debug"] {
		cfg.Output.DebugOverlays = debug
	}
	if set["skip_existing"] {
		cfg.Output.SkipExisting = skipExisting
	}
	if set["flat"] {
		cfg.Output.MirrorSubdirs = !flat
	}
	if set["verbose"] {
		cfg.Logging.Verbose = verbose
	}
	if !set["confidence"] {
		confidence = cfg.Default.Confidence
	}
	if !set["images_folder_path"] {
		images = cfg.Default.ImagesFolder
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}

	if writeConfig != "" {
		if err := cfg.SaveToFile(writeConfig); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFileOp
		}
		fmt.Fprintf(stdout, "Configuration written to %s\n", writeConfig)
		return exitOK
	}

	log, err := logger.New(logger.Options{Dir: cfg.Logging.Dir, Verbose: cfg.Logging.Verbose, Out: stderr})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFileOp
	}
	defer log.Close()

	for _, w := range cfg.Warnings {
		log.Warning("%s", w)
	}

	classes, err := validate.Prompts(prompts)
	if err != nil {
		log.Error("--prompts: %v", err)
		fs.Usage()
		return exitCode(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vc, err := newClient(ctx, cfg)
	if err != nil {
		log.Error("%v", err)
		return exitCode(err)
	}
	log.Info("Using %s backend with model %s", cfg.Backend.Name, cfg.Default.ModelName)

	var bar *progressbar.ProgressBar
	opts := autolabel.Options{Client: vc}
	if !noProgress {
		opts.Progress = func(done, total int, r types.ImageResult) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetWriter(stderr),
					progressbar.OptionSetDescription("labelling"),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
			}
			_ = bar.Set(done)
		}
	}

	labeler, err := autolabel.New(ctx, cfg, log, opts)
	if err != nil {
		if c, ok := vc.(io.Closer); ok {
			c.Close()
		}
		log.Error("%v", err)
		return exitCode(err)
	}
	defer labeler.Close()

	stats, err := labeler.Run(ctx, autolabel.Request{
		Prompts:      classes,
		Confidence:   confidence,
		ImagesFolder: images,
		OutputFolder: output,
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		if ctx.Err() != nil {
			log.Warning("Interrupted before any image was processed")
			return exitInterrupted
		}
		log.Error("%v", err)
		return exitCode(err)
	}

	printSummary(stdout, stats)
	if stats.Interrupted {
		return exitInterrupted
	}
	return exitOK
}

// exitCode maps an error category onto the process exit status
func exitCode(err error) int {
	switch types.KindOf(err) {
	case types.KindConfig:
		return exitConfig
	case types.KindValidation:
		return exitValidation
	case types.KindModelInit:
		return exitModelInit
	case types.KindInference:
		return exitInference
	case types.KindNotFound:
		return exitNotFound
	case types.KindFileOperation:
		return exitFileOp
	}
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	return exitUnexpected
}

func printSummary(w io.Writer, stats *types.RunStats) {
	fmt.Fprintf(w, "Run %s\n", stats.RunID)
	fmt.Fprintf(w, "  output:      %s\n", stats.Config.OutputFolder)
	fmt.Fprintf(w, "  total:       %d\n", stats.TotalImages)
	fmt.Fprintf(w, "  succeeded:   %d\n", stats.Succeeded)
	fmt.Fprintf(w, "  failed:      %d\n", stats.Failed)
	fmt.Fprintf(w, "  skipped:     %d\n", stats.Skipped)
	fmt.Fprintf(w, "  detections:  %d\n", stats.TotalDetections)
	fmt.Fprintf(w, "  duration:    %v\n", stats.FinishedAt.Sub(stats.StartedAt).Round(time.Millisecond))

	classes := make([]string, 0, len(stats.ClassDistribution))
	for c := range stats.ClassDistribution {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for _, c := range classes {
		fmt.Fprintf(w, "    %-20s %d\n", c, stats.ClassDistribution[c])
	}

	if len(stats.Failures) > 0 {
		fmt.Fprintln(w, "Failures:")
		for _, f := range stats.Failures {
			fmt.Fprintf(w, "  %s: %s\n", f.Path, f.Reason)
		}
	}
	if stats.Interrupted {
		fmt.Fprintln(w, "Run was interrupted; remaining images were skipped.")
	}
}
