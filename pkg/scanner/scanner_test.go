package scanner

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/menta2k/autolabel/pkg/types"
)

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

func relPaths(tasks []types.ImageTask) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = filepath.ToSlash(task.RelPath)
	}
	return out
}

func TestScanRecursiveSorted(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "b.PNG", "a.jpg", "sub/c.jpeg", "sub/deeper/d.bmp", "notes.txt", "sub/e.gif")

	s, err := New([]string{".jpg", ".jpeg", ".png", ".bmp"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tasks, err := s.Scan(root)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	want := []string{"a.jpg", "b.PNG", "sub/c.jpeg", "sub/deeper/d.bmp"}
	if got := relPaths(tasks); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	for _, task := range tasks {
		if !filepath.IsAbs(task.SourcePath) {
			t.Errorf("Expected absolute path, got %s", task.SourcePath)
		}
	}
}

func TestScanDeterministic(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "z.jpg", "m/1.jpg", "a/2.png", "A.jpg")

	s, _ := New([]string{"jpg", "png"})
	first, err := s.Scan(root)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	second, err := s.Scan(root)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Scans differ:\n%v\n%v", first, second)
	}
}

func TestScanEmptyFolder(t *testing.T) {
	s, _ := New([]string{".jpg"})
	_, err := s.Scan(t.TempDir())
	if !errors.Is(err, types.ErrImageNotFound) {
		t.Errorf("Expected ErrImageNotFound, got %v", err)
	}
}

func TestScanNoMatches(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.txt", "b.gif", "c/d.tiff")

	s, _ := New([]string{".jpg", ".png"})
	_, err := s.Scan(root)
	if !errors.Is(err, types.ErrImageNotFound) {
		t.Fatalf("Expected ErrImageNotFound, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, ".jpg .png") || !strings.Contains(msg, "3 files") {
		t.Errorf("Message should name extensions and file count: %s", msg)
	}
}

func TestScanInvalidFolder(t *testing.T) {
	s, _ := New([]string{".jpg"})
	_, err := s.Scan(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, types.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath, got %v", err)
	}
}

func TestScanExclude(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.jpg", "labels/debug/a.jpg", "labelsx/b.jpg")

	s, _ := New([]string{".jpg"})
	s.Exclude(filepath.Join(root, "labels"))

	tasks, err := s.Scan(root)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	want := []string{"a.jpg", "labelsx/b.jpg"}
	if got := relPaths(tasks); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestScanPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	root := t.TempDir()
	touch(t, root, "a.jpg", "locked/b.jpg")
	locked := filepath.Join(root, "locked")
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	s, _ := New([]string{".jpg"})
	_, err := s.Scan(root)
	if !errors.Is(err, types.ErrFileOperation) {
		t.Errorf("Expected ErrFileOperation, got %v", err)
	}
}

func TestScanFollowsFileSymlinks(t *testing.T) {
	root := t.TempDir()
	elsewhere := t.TempDir()
	touch(t, root, "a.jpg")
	touch(t, elsewhere, "real.jpg", "dir/inner.jpg")

	links := map[string]string{
		"link.jpg":   filepath.Join(elsewhere, "real.jpg"),
		"broken.jpg": filepath.Join(elsewhere, "missing.jpg"),
		"dirlink":    filepath.Join(elsewhere, "dir"),
	}
	for name, target := range links {
		if err := os.Symlink(target, filepath.Join(root, name)); err != nil {
			t.Skipf("symlinks not supported: %v", err)
		}
	}

	s, _ := New([]string{".jpg"})
	tasks, err := s.Scan(root)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	want := []string{"a.jpg", "link.jpg"}
	if got := relPaths(tasks); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestNewRejectsEmptyExtensions(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, types.ErrInvalidParameter) {
		t.Errorf("Expected ErrInvalidParameter, got %v", err)
	}
}
