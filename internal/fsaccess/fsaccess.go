// Package fsaccess defines the file and directory access used by fingerprinting
// and reconciliation, with an implementation over afero filesystems.
package fsaccess

import (
	"io"

	"github.com/Ning0612/cloudmirror/internal/domain"
)

// EntryType is the kind of a directory entry
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDir
	EntrySymlink
	EntryOther
)

// FileInfo describes one entry on disk
type FileInfo struct {
	// Path is the full path of the entry
	Path string

	// Name is the final path component
	Name string

	Type EntryType

	// Size in bytes (0 for directories)
	Size int64

	// Mtime is the modification time in Unix seconds
	Mtime int64

	// FSID is the filesystem identity (inode where available)
	FSID domain.FSID
}

// FileAccess is an open file
type FileAccess interface {
	// Info returns the metadata captured when the file was opened
	Info() FileInfo

	// ReadAt reads len(p) bytes at off; a short read is an error
	io.ReaderAt

	io.Closer
}

// DirAccess is an open directory
type DirAccess interface {
	// Entries enumerates the directory, sorted by name
	Entries() ([]FileInfo, error)

	io.Closer
}

// FileSystem opens files and directories
type FileSystem interface {
	OpenFile(path string) (FileAccess, error)
	OpenDir(path string) (DirAccess, error)
	Stat(path string) (FileInfo, error)
}
