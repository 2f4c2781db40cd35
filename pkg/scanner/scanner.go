// Package scanner discovers image files below a folder.
package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/menta2k/autolabel/internal/utils"
	"github.com/menta2k/autolabel/pkg/types"
	"github.com/menta2k/autolabel/pkg/validate"
)

// Scanner walks a directory tree and collects files with a supported extension
type Scanner struct {
	extensions []string
	exclude    []string
}

// New creates a scanner for the given extensions. Extensions are normalized
// the same way the config layer does it.
func New(extensions []string) (*Scanner, error) {
	exts, err := validate.ImageExtensions(extensions)
	if err != nil {
		return nil, err
	}
	return &Scanner{extensions: exts}, nil
}

// Extensions returns the normalized extension set
func (s *Scanner) Extensions() []string {
	return append([]string(nil), s.extensions...)
}

// Exclude skips the given directories (and everything below them) during
// Scan. Used to keep an output folder nested inside the images folder out
// of the results.
func (s *Scanner) Exclude(dirs ...string) {
	for _, d := range dirs {
		if abs, err := filepath.Abs(d); err == nil {
			s.exclude = append(s.exclude, abs)
		}
	}
}

// Scan returns every matching file below folder, sorted by path
func (s *Scanner) Scan(folder string) ([]types.ImageTask, error) {
	root, err := validate.DirectoryPath(folder)
	if err != nil {
		return nil, err
	}

	var tasks []types.ImageTask
	scanned := 0

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && s.excluded(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			// symlinks count when they point at a regular file
			if d.Type()&fs.ModeSymlink == 0 {
				return nil
			}
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				return nil
			}
		}

		scanned++
		if !utils.HasExtension(d.Name(), s.extensions) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		tasks = append(tasks, types.ImageTask{SourcePath: path, RelPath: rel})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scanning %s: %w", types.ErrFileOperation, root, err)
	}

	if scanned == 0 {
		return nil, fmt.Errorf("%w: no files found in %s", types.ErrImageNotFound, root)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: none of the %d files in %s has a supported extension (%s)",
			types.ErrImageNotFound, scanned, root, strings.Join(s.extensions, " "))
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].SourcePath < tasks[j].SourcePath
	})
	return tasks, nil
}

func (s *Scanner) excluded(dir string) bool {
	for _, e := range s.exclude {
		if dir == e {
			return true
		}
	}
	return false
}
