//go:build windows

package fsaccess

import (
	"os"

	"github.com/Ning0612/cloudmirror/internal/domain"
)

// fsidOf returns a path-derived id; file indexes need an open handle on Windows
func fsidOf(path string, _ os.FileInfo) domain.FSID {
	return syntheticFSID(path)
}
