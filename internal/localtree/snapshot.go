package localtree

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fingerprint"
)

const snapshotVersion = 1

// encMode uses Core Deterministic Encoding so equal trees encode to equal bytes
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("localtree: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 27,
	}.DecMode()
	if err != nil {
		panic("localtree: CBOR decoder initialization failed: " + err.Error())
	}
}

type snapshot struct {
	Version    int             `cbor:"1,keyasint"`
	Entries    []snapshotEntry `cbor:"2,keyasint"`
	RootHandle uint64          `cbor:"3,keyasint,omitempty"`
}

// snapshotEntry is one non-root node. Parent is 0 for the root,
// otherwise the 1-based index of an earlier entry.
type snapshotEntry struct {
	Parent      uint32          `cbor:"1,keyasint"`
	Name        string          `cbor:"2,keyasint"`
	Type        domain.NodeType `cbor:"3,keyasint"`
	Fingerprint []byte          `cbor:"4,keyasint,omitempty"`
	FSID        uint64          `cbor:"5,keyasint"`
	Handle      uint64          `cbor:"6,keyasint,omitempty"`
}

// MarshalSnapshot encodes the tree, including assigned fsids
func MarshalSnapshot(t *Tree) ([]byte, error) {
	snap := snapshot{Version: snapshotVersion, RootHandle: uint64(t.root.Handle)}
	index := map[*LocalNode]uint32{t.root: 0}

	err := t.Walk(func(n *LocalNode) error {
		if n == t.root {
			return nil
		}
		e := snapshotEntry{
			Parent: index[n.Parent],
			Name:   n.Name,
			Type:   n.Type,
			FSID:   uint64(n.FSID),
			Handle: uint64(n.Handle),
		}
		if n.Type == domain.TypeFile {
			fp, err := n.Fingerprint.MarshalBinary()
			if err != nil {
				return err
			}
			e.Fingerprint = fp
		}
		snap.Entries = append(snap.Entries, e)
		index[n] = uint32(len(snap.Entries))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return encMode.Marshal(snap)
}

// UnmarshalSnapshot rebuilds a tree encoded by MarshalSnapshot
func UnmarshalSnapshot(data []byte) (*Tree, error) {
	var snap snapshot
	if err := decMode.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: tree snapshot: %v", domain.ErrCorruptRecord, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported tree snapshot version %d", domain.ErrCorruptRecord, snap.Version)
	}

	t := New()
	t.root.Handle = domain.Handle(snap.RootHandle)
	nodes := []*LocalNode{t.root}
	for i, e := range snap.Entries {
		if int(e.Parent) >= len(nodes) {
			return nil, fmt.Errorf("%w: entry %d refers to parent %d", domain.ErrCorruptRecord, i, e.Parent)
		}

		fp := fingerprint.Invalid()
		if e.Type == domain.TypeFile {
			if err := fp.UnmarshalBinary(e.Fingerprint); err != nil {
				return nil, fmt.Errorf("entry %d fingerprint: %w", i, err)
			}
		}

		n, err := t.Add(nodes[e.Parent], e.Name, e.Type, fp)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", domain.ErrCorruptRecord, i, err)
		}
		n.Handle = domain.Handle(e.Handle)
		t.SetFSID(n, domain.FSID(e.FSID))
		nodes = append(nodes, n)
	}
	return t, nil
}
