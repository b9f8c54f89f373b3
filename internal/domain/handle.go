package domain

import (
	"fmt"
	"math"
)

// Handle identifies a cloud node. Only the low 48 bits are significant.
type Handle uint64

const (
	// NoHandle marks an absent parent or an unset handle
	NoHandle Handle = 0

	// HandleBytes is the width of a persisted handle
	HandleBytes = 6

	maxHandle Handle = 1<<(8*HandleBytes) - 1
)

// Valid reports whether h is non-zero and fits in 48 bits
func (h Handle) Valid() bool {
	return h != NoHandle && h <= maxHandle
}

// String returns the handle as fixed-width hex
func (h Handle) String() string {
	if h == NoHandle {
		return "none"
	}
	return fmt.Sprintf("%012x", uint64(h))
}

// NodeType is the kind of a cloud node
type NodeType int8

const (
	TypeUnknown NodeType = iota - 1
	TypeFile
	TypeFolder
	TypeRoot
	TypeVault
	TypeRubbish
)

// IsValid checks if the node type is a known value
func (t NodeType) IsValid() bool {
	switch t {
	case TypeUnknown, TypeFile, TypeFolder, TypeRoot, TypeVault, TypeRubbish:
		return true
	}
	return false
}

// IsRootType reports whether t is one of the three session roots
func (t NodeType) IsRootType() bool {
	return t == TypeRoot || t == TypeVault || t == TypeRubbish
}

// IsContainer reports whether nodes of this type may have children
func (t NodeType) IsContainer() bool {
	return t == TypeFolder || t.IsRootType()
}

func (t NodeType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeFolder:
		return "folder"
	case TypeRoot:
		return "root"
	case TypeVault:
		return "vault"
	case TypeRubbish:
		return "rubbish"
	default:
		return "unknown"
	}
}

// FSID is a filesystem-assigned identity such as an inode number
type FSID uint64

// UndefFSID marks a local node that has not been matched to a file on disk
const UndefFSID FSID = math.MaxUint64

// Defined reports whether id was assigned
func (id FSID) Defined() bool {
	return id != UndefFSID
}
