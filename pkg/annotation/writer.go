// Package annotation reads and writes YOLO label files.
//
// A label file holds one line per object:
//
//	class_index x_center y_center width height
//
// with coordinates normalized to the image size. An empty file means the
// image was processed and nothing was found.
package annotation

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/menta2k/autolabel/internal/utils"
	"github.com/menta2k/autolabel/pkg/types"
)

const (
	// LabelExt is the extension of every label file
	LabelExt = ".txt"
	// ClassesFileName lists the class names, one per line, in index order
	ClassesFileName = "classes.txt"
	// DefaultPrecision is the number of decimals written per coordinate
	DefaultPrecision = 6
)

// Options controls label output
type Options struct {
	Precision     int
	MirrorSubdirs bool
}

// Writer converts detections into label files. The class index of a
// detection is the position of its class name in the list given to NewWriter.
type Writer struct {
	classes []string
	index   map[string]int
	opts    Options
}

// Label is one parsed label line
type Label struct {
	ClassIndex int
	Box        types.BBox
}

// NewWriter creates a writer for the given ordered class list
func NewWriter(classes []string, opts Options) *Writer {
	if opts.Precision <= 0 {
		opts.Precision = DefaultPrecision
	}
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	return &Writer{
		classes: append([]string(nil), classes...),
		index:   index,
		opts:    opts,
	}
}

// LabelPath returns where the label file for task goes below outputDir
func (w *Writer) LabelPath(task types.ImageTask, outputDir string) string {
	rel := task.RelPath
	if rel == "" {
		rel = filepath.Base(task.SourcePath)
	}
	return utils.GenerateOutputFilename(rel, outputDir, LabelExt, w.opts.MirrorSubdirs)
}

// Format renders the label file content for detections, in order
func (w *Writer) Format(detections []types.Detection) ([]byte, error) {
	var buf bytes.Buffer
	for _, d := range detections {
		idx, ok := w.index[d.ClassName]
		if !ok {
			return nil, fmt.Errorf("%w: class %q is not in the prompt list", types.ErrInvalidParameter, d.ClassName)
		}
		buf.WriteString(FormatLine(idx, d.Box, w.opts.Precision))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Write persists the label file for one image and returns its path. An
// existing file is replaced atomically; no detections gives an empty file.
func (w *Writer) Write(task types.ImageTask, detections []types.Detection, outputDir string) (string, error) {
	data, err := w.Format(detections)
	if err != nil {
		return "", err
	}
	path := w.LabelPath(task, outputDir)
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// WriteClassesFile writes classes.txt into outputDir and returns its path
func (w *Writer) WriteClassesFile(outputDir string) (string, error) {
	var buf bytes.Buffer
	for _, c := range w.classes {
		buf.WriteString(c)
		buf.WriteByte('\n')
	}
	path := filepath.Join(outputDir, ClassesFileName)
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}

// FormatLine renders one label line without the trailing newline
func FormatLine(classIndex int, b types.BBox, precision int) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', precision, 64) }
	return strconv.Itoa(classIndex) + " " + f(b.XCenter) + " " + f(b.YCenter) + " " + f(b.Width) + " " + f(b.Height)
}

// ParseLabels reads label lines. Blank lines are ignored.
func ParseLabels(r io.Reader) ([]Label, error) {
	var labels []Label
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 {
			return nil, fmt.Errorf("line %d: expected 5 fields, got %d", line, len(fields))
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("line %d: invalid class index %q", line, fields[0])
		}
		var v [4]float64
		for i := range v {
			v[i], err = strconv.ParseFloat(fields[i+1], 64)
			if err != nil || v[i] < 0 || v[i] > 1 {
				return nil, fmt.Errorf("line %d: invalid coordinate %q", line, fields[i+1])
			}
		}
		labels = append(labels, Label{
			ClassIndex: idx,
			Box:        types.BBox{XCenter: v[0], YCenter: v[1], Width: v[2], Height: v[3]},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// ParseLabelFile reads a label file from disk
func ParseLabelFile(path string) ([]Label, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrFileOperation, err)
	}
	defer f.Close()
	labels, err := ParseLabels(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return labels, nil
}

// writeFileAtomic writes data to a temp file next to path and renames it into place
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := utils.EnsureDir(dir); err != nil {
		return fmt.Errorf("%w: cannot create %s: %w", types.ErrFileOperation, dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: cannot write %s: %w", types.ErrFileOperation, path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: cannot write %s: %w", types.ErrFileOperation, path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: cannot write %s: %w", types.ErrFileOperation, path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return fmt.Errorf("%w: cannot write %s: %w", types.ErrFileOperation, path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("%w: cannot write %s: %w", types.ErrFileOperation, path, err)
	}
	return nil
}
