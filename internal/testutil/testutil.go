package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// DefaultSeed is the xorshift32 seed used for reproducible test buffers
const DefaultSeed uint32 = 0xA5A5A5A5

// TestMtime is the modification time given to generated files
const TestMtime int64 = 1_700_000_000

// MiB converts mebibytes to bytes
func MiB(n int) int {
	return n * 1024 * 1024
}

// DeterministicBytes returns size bytes from an xorshift32 generator.
// The sequence is identical on every platform.
func DeterministicBytes(size int, seed uint32) []byte {
	buf := make([]byte, size)
	x := seed
	for i := range buf {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		buf[i] = byte(x)
	}
	return buf
}

// CreateTestFile creates a file on disk with the given content and mtime
func CreateTestFile(t *testing.T, dir, name string, content []byte, mtime int64) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create parent dir: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	ts := time.Unix(mtime, 0)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("failed to set mtime: %v", err)
	}

	return path
}

// MemFile describes one file of an in-memory tree
type MemFile struct {
	Content []byte
	Mtime   int64
}

// NewMemTree builds an afero in-memory filesystem from path → file.
// Paths ending in "/" create empty directories.
func NewMemTree(t *testing.T, files map[string]MemFile) afero.Fs {
	t.Helper()

	fs := afero.NewMemMapFs()
	for path, f := range files {
		if path[len(path)-1] == '/' {
			if err := fs.MkdirAll(path, 0755); err != nil {
				t.Fatalf("failed to create dir %s: %v", path, err)
			}
			continue
		}
		WriteMemFile(t, fs, path, f.Content, f.Mtime)
	}
	return fs
}

// WriteMemFile writes content at path and sets its mtime
func WriteMemFile(t *testing.T, fs afero.Fs, path string, content []byte, mtime int64) {
	t.Helper()

	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create parent of %s: %v", path, err)
	}
	if err := afero.WriteFile(fs, path, content, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}

	ts := time.Unix(mtime, 0)
	if err := fs.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("failed to set mtime of %s: %v", path, err)
	}
}
