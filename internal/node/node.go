// Package node models one entry of the remote filesystem.
package node

import (
	"maps"
	"strings"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fingerprint"
)

// Well-known attribute names
const (
	AttrName        = "n"
	AttrFingerprint = "c"
	AttrFavourite   = "fav"
)

// Key sizes per node type
const (
	FileKeySize   = 32
	FolderKeySize = 16
)

// PublicLink describes an exported node
type PublicLink struct {
	Handle    domain.Handle
	ETS       int64 // expiry, 0 for none
	TakenDown bool
	CTS       int64 // creation
}

// ChangeFlags records what changed in the latest update of a node
type ChangeFlags uint16

const (
	ChangeNew ChangeFlags = 1 << iota
	ChangeRemoved
	ChangeAttrs
	ChangeOwner
	ChangeCTime
	ChangeParent
	ChangeFingerprint
	ChangeName
	ChangeFavourite
	ChangePublicLink
)

var changeNames = []struct {
	flag ChangeFlags
	name string
}{
	{ChangeNew, "new"},
	{ChangeRemoved, "removed"},
	{ChangeAttrs, "attrs"},
	{ChangeOwner, "owner"},
	{ChangeCTime, "ctime"},
	{ChangeParent, "parent"},
	{ChangeFingerprint, "fingerprint"},
	{ChangeName, "name"},
	{ChangeFavourite, "favourite"},
	{ChangePublicLink, "link"},
}

// Has reports whether all bits of f are set
func (c ChangeFlags) Has(f ChangeFlags) bool {
	return c&f == f
}

func (c ChangeFlags) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for _, n := range changeNames {
		if c&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Node is one remote filesystem entry
type Node struct {
	Handle domain.Handle
	Parent domain.Handle
	Type   domain.NodeType

	// Size in bytes, -1 for containers
	Size int64

	Owner uint32
	CTime int64

	Attrs       map[string]string
	Fingerprint fingerprint.Fingerprint

	// Key is the opaque content key (see KeySize)
	Key []byte

	EncryptedAttrs string
	Link           *PublicLink

	// Changes is transient and never persisted
	Changes ChangeFlags
}

// New returns a node with an empty key of the right size
func New(handle, parent domain.Handle, typ domain.NodeType, name string) *Node {
	n := &Node{
		Handle:      handle,
		Parent:      parent,
		Type:        typ,
		Size:        -1,
		Fingerprint: fingerprint.Invalid(),
		Attrs:       map[string]string{},
	}
	if size := KeySize(typ); size > 0 {
		n.Key = make([]byte, size)
	}
	if name != "" {
		n.Attrs[AttrName] = name
	}
	if typ == domain.TypeFile {
		n.Size = 0
	}
	return n
}

// KeySize returns the persisted key length for a node type
func KeySize(t domain.NodeType) int {
	switch t {
	case domain.TypeFile:
		return FileKeySize
	case domain.TypeFolder:
		return FolderKeySize
	default:
		return 0
	}
}

// Name returns the decrypted name attribute
func (n *Node) Name() string {
	return n.Attrs[AttrName]
}

// IsFavourite reports whether the node carries the favourite attribute
func (n *Node) IsFavourite() bool {
	return n.Attrs[AttrFavourite] == "1"
}

// IsPinnedType reports whether the node is a session root
func (n *Node) IsPinnedType() bool {
	return n.Type.IsRootType()
}

// SetFingerprint sets the content fingerprint and its attribute form
func (n *Node) SetFingerprint(fp fingerprint.Fingerprint) {
	n.Fingerprint = fp
	n.Size = fp.Size
	if n.Attrs == nil {
		n.Attrs = map[string]string{}
	}
	if fp.Valid {
		n.Attrs[AttrFingerprint] = fp.EncodeAttr()
	} else {
		delete(n.Attrs, AttrFingerprint)
	}
}

// FingerprintFromAttrs rebuilds the fingerprint from the attribute form
func (n *Node) FingerprintFromAttrs() (fingerprint.Fingerprint, bool) {
	s, ok := n.Attrs[AttrFingerprint]
	if !ok {
		return fingerprint.Invalid(), false
	}
	fp, err := fingerprint.DecodeAttr(s, n.Size)
	if err != nil {
		return fingerprint.Invalid(), false
	}
	return fp, true
}

// Clone returns a deep copy
func (n *Node) Clone() *Node {
	c := *n
	c.Attrs = maps.Clone(n.Attrs)
	if n.Key != nil {
		c.Key = append([]byte(nil), n.Key...)
	}
	if n.Link != nil {
		link := *n.Link
		c.Link = &link
	}
	return &c
}

// Diff returns the change flags that turn old into n
func (n *Node) Diff(old *Node) ChangeFlags {
	if old == nil {
		return ChangeNew
	}

	var c ChangeFlags
	if n.Parent != old.Parent {
		c |= ChangeParent
	}
	if n.Owner != old.Owner {
		c |= ChangeOwner
	}
	if n.CTime != old.CTime {
		c |= ChangeCTime
	}
	if n.Fingerprint != old.Fingerprint {
		c |= ChangeFingerprint
	}
	if !maps.Equal(n.Attrs, old.Attrs) || n.EncryptedAttrs != old.EncryptedAttrs {
		c |= ChangeAttrs
	}
	if n.Name() != old.Name() {
		c |= ChangeName
	}
	if n.IsFavourite() != old.IsFavourite() {
		c |= ChangeFavourite
	}
	if (n.Link == nil) != (old.Link == nil) || (n.Link != nil && *n.Link != *old.Link) {
		c |= ChangePublicLink
	}
	return c
}
