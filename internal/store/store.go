// Package store persists serialized nodes keyed by handle, with secondary
// indexes for the scans the cache cannot answer from memory.
package store

import (
	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fingerprint"
	"github.com/Ning0612/cloudmirror/internal/node"
)

// Row is one node with its indexed columns
type Row struct {
	Handle      domain.Handle
	Parent      domain.Handle
	Type        domain.NodeType
	Name        string
	Fingerprint []byte // binary fingerprint, nil when not indexed
	CTime       int64
	Favourite   bool
	Blob        []byte
}

// Record is a handle and its serialized node
type Record struct {
	Handle domain.Handle
	Blob   []byte
}

// Store is the persistent source of truth for nodes.
// Get returns domain.ErrNotFound for unknown handles; scans return
// records ordered by handle unless stated otherwise.
type Store interface {
	Get(h domain.Handle) ([]byte, error)
	Put(row Row) error
	PutMany(rows []Row) error
	Remove(h domain.Handle) error

	ScanChildren(parent domain.Handle) ([]Record, error)
	ScanByFingerprint(fp []byte) ([]Record, error)
	ScanByName(name string) ([]Record, error)
	ScanRoots() ([]Record, error)
	ScanFavourites() ([]Record, error)

	// ScanRecent lists nodes created at or after since, newest first.
	// limit <= 0 means no limit.
	ScanRecent(since int64, limit int) ([]Record, error)

	// CountChildren counts children of parent, restricted to types when given
	CountChildren(parent domain.Handle, types ...domain.NodeType) (uint64, error)
	Count() (uint64, error)

	// Truncate removes every node
	Truncate() error
	Close() error
}

// FingerprintKey returns the indexed form of a fingerprint
func FingerprintKey(fp fingerprint.Fingerprint) []byte {
	b, _ := fp.MarshalBinary()
	return b
}

// RowFor serializes n and fills its index columns.
// Only files with a valid fingerprint enter the fingerprint index.
func RowFor(n *node.Node) (Row, error) {
	blob, err := n.MarshalBinary()
	if err != nil {
		return Row{}, err
	}

	row := Row{
		Handle:    n.Handle,
		Parent:    n.Parent,
		Type:      n.Type,
		Name:      n.Name(),
		CTime:     n.CTime,
		Favourite: n.IsFavourite(),
		Blob:      blob,
	}
	if n.Type == domain.TypeFile && n.Fingerprint.Valid {
		row.Fingerprint = FingerprintKey(n.Fingerprint)
	}
	return row, nil
}
