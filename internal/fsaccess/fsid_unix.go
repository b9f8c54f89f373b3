//go:build !windows

package fsaccess

import (
	"os"
	"syscall"

	"github.com/Ning0612/cloudmirror/internal/domain"
)

// fsidOf returns the inode number, or a path-derived id for filesystems without one
func fsidOf(path string, st os.FileInfo) domain.FSID {
	if sys, ok := st.Sys().(*syscall.Stat_t); ok && sys != nil {
		return domain.FSID(uint64(sys.Ino))
	}
	return syntheticFSID(path)
}
