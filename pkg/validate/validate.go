// Package validate checks and normalizes user-supplied parameters before
// they reach any stateful component. Every function is pure apart from
// filesystem reads and is safe for concurrent use.
package validate

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/menta2k/autolabel/pkg/types"
)

// illegalPromptChars may not appear in a class name
const illegalPromptChars = `/\:*?"<>|`

// Confidence fails unless 0.0 <= value <= 1.0
func Confidence(value float64) (float64, error) {
	if math.IsNaN(value) || value < 0 || value > 1 {
		return 0, fmt.Errorf("%w: confidence must be within [0.0, 1.0], got %v", types.ErrInvalidParameter, value)
	}
	return value, nil
}

// Prompts splits a comma-separated prompt string and normalizes it like PromptList
func Prompts(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: prompts cannot be empty (example: bus,taxi,person)", types.ErrInvalidParameter)
	}
	return PromptList(strings.Split(raw, ","))
}

// PromptList trims every entry, splits entries that still contain commas,
// drops empty ones and removes duplicates keeping first-seen order. Prompts
// that differ only in case are duplicates; the first spelling wins.
func PromptList(items []string) ([]string, error) {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(items))
	for _, item := range items {
		for _, p := range strings.Split(item, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if strings.ContainsAny(p, illegalPromptChars) {
				return nil, fmt.Errorf("%w: prompt %q contains an illegal character (one of %s)", types.ErrInvalidParameter, p, illegalPromptChars)
			}
			key := strings.ToLower(p)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one non-empty prompt is required", types.ErrInvalidParameter)
	}
	return out, nil
}

// DirectoryPath checks that path exists, is a directory and can be listed.
// It returns the cleaned absolute path.
func DirectoryPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: directory path cannot be empty", types.ErrInvalidPath)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", types.ErrInvalidPath, path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: directory does not exist: %s", types.ErrInvalidPath, abs)
		}
		return "", fmt.Errorf("%w: %s: %w", types.ErrInvalidPath, abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: not a directory: %s", types.ErrInvalidPath, abs)
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("%w: directory is not readable: %s: %w", types.ErrInvalidPath, abs, err)
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && err != io.EOF {
		return "", fmt.Errorf("%w: directory is not readable: %s: %w", types.ErrInvalidPath, abs, err)
	}

	return abs, nil
}

// OutputPath checks that an output folder path is usable: not empty and, if
// it exists, a directory. It returns the cleaned absolute path. The folder
// itself is created later.
func OutputPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: output folder path cannot be empty", types.ErrInvalidPath)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", types.ErrInvalidPath, path, err)
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return "", fmt.Errorf("%w: output path exists and is not a directory: %s", types.ErrInvalidPath, abs)
	}
	return abs, nil
}

// ImageExtensions normalizes a list of extensions: lower case, leading dot,
// blanks dropped. Entries may themselves be space or comma separated.
// The result is sorted and free of duplicates.
func ImageExtensions(items []string) ([]string, error) {
	set := map[string]struct{}{}
	for _, item := range items {
		for _, ext := range strings.FieldsFunc(item, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' }) {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" || ext == "." {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			set[ext] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: at least one image extension is required", types.ErrInvalidParameter)
	}

	out := make([]string, 0, len(set))
	for ext := range set {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out, nil
}

// ImageFile checks that path is an existing regular file whose extension is
// in the allowed set
func ImageFile(path string, allowed []string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", types.ErrImageNotFound, path)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: not a regular file: %s", types.ErrImageNotFound, path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	for _, a := range allowed {
		if ext == a {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %q (supported: %s)", types.ErrImageFormat, ext, strings.Join(allowed, " "))
}

// ModelName checks a model name against the allowed list. An empty list
// accepts any non-empty name.
func ModelName(name string, valid []string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: model name cannot be empty", types.ErrInvalidParameter)
	}
	if len(valid) == 0 {
		return name, nil
	}
	for _, v := range valid {
		if v == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: unknown model %q, valid models: %s", types.ErrInvalidParameter, name, strings.Join(valid, ", "))
}

// AnnotationFormat accepts only the YOLO label format
func AnnotationFormat(name string) (string, error) {
	if strings.EqualFold(strings.TrimSpace(name), "yolo") {
		return "yolo", nil
	}
	return "", fmt.Errorf("%w: unsupported annotation format %q (only yolo is supported)", types.ErrInvalidParameter, name)
}
