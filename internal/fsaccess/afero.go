package fsaccess

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/Ning0612/cloudmirror/internal/domain"
)

// AferoFS implements FileSystem on top of an afero.Fs
type AferoFS struct {
	fs afero.Fs
}

// New wraps an afero filesystem
func New(fs afero.Fs) *AferoFS {
	return &AferoFS{fs: fs}
}

// NewOS returns a FileSystem backed by the operating system
func NewOS() *AferoFS {
	return New(afero.NewOsFs())
}

// Fs returns the wrapped afero filesystem
func (a *AferoFS) Fs() afero.Fs {
	return a.fs
}

// OpenFile opens a regular file for reading
func (a *AferoFS) OpenFile(path string) (FileAccess, error) {
	f, err := a.fs.Open(path)
	if err != nil {
		return nil, mapError(err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapError(err)
	}
	if st.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s: is a directory", path)
	}

	return &aferoFile{file: f, info: fileInfoFromOS(path, st)}, nil
}

// OpenDir opens a directory for enumeration
func (a *AferoFS) OpenDir(path string) (DirAccess, error) {
	f, err := a.fs.Open(path)
	if err != nil {
		return nil, mapError(err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapError(err)
	}
	if !st.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s: not a directory", path)
	}

	return &aferoDir{file: f, path: path}, nil
}

// Stat returns metadata for a single path without following a final symlink
func (a *AferoFS) Stat(path string) (FileInfo, error) {
	var (
		st  os.FileInfo
		err error
	)
	if lst, ok := a.fs.(afero.Lstater); ok {
		st, _, err = lst.LstatIfPossible(path)
	} else {
		st, err = a.fs.Stat(path)
	}
	if err != nil {
		return FileInfo{}, mapError(err)
	}
	return fileInfoFromOS(path, st), nil
}

type aferoFile struct {
	file afero.File
	info FileInfo
}

func (f *aferoFile) Info() FileInfo {
	return f.info
}

func (f *aferoFile) ReadAt(p []byte, off int64) (int, error) {
	return f.file.ReadAt(p, off)
}

func (f *aferoFile) Close() error {
	return f.file.Close()
}

type aferoDir struct {
	file afero.File
	path string
}

func (d *aferoDir) Entries() ([]FileInfo, error) {
	infos, err := d.file.Readdir(-1)
	if err != nil {
		return nil, mapError(err)
	}

	result := make([]FileInfo, 0, len(infos))
	for _, st := range infos {
		result = append(result, fileInfoFromOS(filepath.Join(d.path, st.Name()), st))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (d *aferoDir) Close() error {
	return d.file.Close()
}

// fileInfoFromOS converts os.FileInfo to FileInfo
func fileInfoFromOS(path string, st os.FileInfo) FileInfo {
	entryType := EntryOther
	switch {
	case st.Mode()&os.ModeSymlink != 0:
		entryType = EntrySymlink
	case st.IsDir():
		entryType = EntryDir
	case st.Mode().IsRegular():
		entryType = EntryFile
	}

	info := FileInfo{
		Path:  path,
		Name:  filepath.Base(path),
		Type:  entryType,
		Mtime: st.ModTime().Unix(),
		FSID:  fsidOf(path, st),
	}
	if entryType == EntryFile {
		info.Size = st.Size()
	}
	return info
}

// mapError converts OS errors to domain errors
func mapError(err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return err
}
