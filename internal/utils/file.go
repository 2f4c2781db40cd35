package utils

import (
	"os"
	"path/filepath"
	"strings"
)

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the lower-cased file extension including the dot
func GetFileExtension(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// HasExtension checks if a file's extension (case-insensitive) is in exts.
// exts must already be lower case with a leading dot.
func HasExtension(filename string, exts []string) bool {
	ext := GetFileExtension(filename)
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// GenerateOutputFilename maps an input file to outputDir, replacing its
// extension with ext. relPath is kept as a subdirectory when mirror is set.
func GenerateOutputFilename(relPath, outputDir, ext string, mirror bool) string {
	name := relPath
	if !mirror {
		name = filepath.Base(relPath)
	}
	name = strings.TrimSuffix(name, filepath.Ext(name)) + ext
	return filepath.Join(outputDir, name)
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// IsWithin reports whether path lies inside (or equals) dir. Both must be absolute.
func IsWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
