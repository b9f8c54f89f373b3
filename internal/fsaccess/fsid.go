package fsaccess

import (
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/Ning0612/cloudmirror/internal/domain"
)

// syntheticFSID derives a stable identity from the cleaned path
func syntheticFSID(path string) domain.FSID {
	id := domain.FSID(xxhash.Sum64String(filepath.ToSlash(filepath.Clean(path))))
	if id == domain.UndefFSID {
		id--
	}
	return id
}
