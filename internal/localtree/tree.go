// Package localtree holds the local side of a sync: the tree of entries
// known from the last session, each with its content fingerprint and the
// filesystem id it was last seen under.
package localtree

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fingerprint"
)

// LocalNode is one known local entry
type LocalNode struct {
	Name        string
	Type        domain.NodeType
	Parent      *LocalNode
	Children    map[string]*LocalNode
	Fingerprint fingerprint.Fingerprint

	// FSID is the filesystem id of the matching disk entry, UndefFSID until
	// assigned. Only Tree methods may change it.
	FSID domain.FSID

	// Handle is the remote node this entry syncs with, NoHandle if none
	Handle domain.Handle
}

// Path returns the slash-separated path below the tree root
func (n *LocalNode) Path() string {
	var parts []string
	for cur := n; cur != nil && cur.Parent != nil; cur = cur.Parent {
		parts = append(parts, cur.Name)
	}
	slices.Reverse(parts)
	return strings.Join(parts, "/")
}

// Child looks up a direct child by name
func (n *LocalNode) Child(name string) (*LocalNode, bool) {
	c, ok := n.Children[NormalizeName(name)]
	return c, ok
}

// SortedChildren returns the children in name order
func (n *LocalNode) SortedChildren() []*LocalNode {
	out := make([]*LocalNode, 0, len(n.Children))
	for _, c := range n.Children {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *LocalNode) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// NormalizeName returns the NFC form under which children are keyed
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

// Tree owns the local nodes and the fsid index. The index and the FSID
// fields always agree: LookupFSID(id) returns exactly the node whose FSID is id.
type Tree struct {
	root   *LocalNode
	byFSID map[domain.FSID]*LocalNode
	size   int
}

// New returns a tree holding only its root folder
func New() *Tree {
	return &Tree{
		root:   newNode("", domain.TypeFolder, nil),
		byFSID: make(map[domain.FSID]*LocalNode),
		size:   1,
	}
}

func newNode(name string, typ domain.NodeType, parent *LocalNode) *LocalNode {
	n := &LocalNode{
		Name:        name,
		Type:        typ,
		Parent:      parent,
		Fingerprint: fingerprint.Invalid(),
		FSID:        domain.UndefFSID,
	}
	if typ == domain.TypeFolder {
		n.Children = make(map[string]*LocalNode)
	}
	return n
}

// Root returns the root folder
func (t *Tree) Root() *LocalNode {
	return t.root
}

// Len returns the number of nodes including the root
func (t *Tree) Len() int {
	return t.size
}

// Add creates a child of parent
func (t *Tree) Add(parent *LocalNode, name string, typ domain.NodeType, fp fingerprint.Fingerprint) (*LocalNode, error) {
	if parent == nil || parent.Type != domain.TypeFolder {
		return nil, errors.New("parent must be a folder")
	}
	if typ != domain.TypeFile && typ != domain.TypeFolder {
		return nil, fmt.Errorf("unsupported local node type %v", typ)
	}
	name = NormalizeName(name)
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid name %q", name)
	}
	if _, exists := parent.Children[name]; exists {
		return nil, fmt.Errorf("%q already exists in %q", name, parent.Path())
	}

	n := newNode(name, typ, parent)
	if typ == domain.TypeFile {
		n.Fingerprint = fp
	}
	parent.Children[name] = n
	t.size++
	return n, nil
}

// AddPath creates the node at path, creating missing parent folders
func (t *Tree) AddPath(path string, typ domain.NodeType, fp fingerprint.Fingerprint) (*LocalNode, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, errors.New("empty path")
	}

	dir := t.root
	for _, part := range parts[:len(parts)-1] {
		next, ok := dir.Child(part)
		if !ok {
			var err error
			if next, err = t.Add(dir, part, domain.TypeFolder, fingerprint.Invalid()); err != nil {
				return nil, err
			}
		}
		if next.Type != domain.TypeFolder {
			return nil, fmt.Errorf("%q is not a folder", next.Path())
		}
		dir = next
	}
	return t.Add(dir, parts[len(parts)-1], typ, fp)
}

// Lookup finds the node at path; "" is the root
func (t *Tree) Lookup(path string) (*LocalNode, bool) {
	cur := t.root
	for _, part := range splitPath(path) {
		next, ok := cur.Child(part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Remove detaches n and its subtree, dropping their fsids from the index
func (t *Tree) Remove(n *LocalNode) error {
	if n == nil || n == t.root {
		return errors.New("cannot remove the root")
	}
	if n.Parent == nil || n.Parent.Children[n.Name] != n {
		return errors.New("node is not part of this tree")
	}

	_ = walk(n, func(c *LocalNode) error {
		t.ClearFSID(c)
		t.size--
		return nil
	})
	delete(n.Parent.Children, n.Name)
	n.Parent = nil
	return nil
}

// SetFSID assigns id to n. A node previously holding id loses it.
func (t *Tree) SetFSID(n *LocalNode, id domain.FSID) {
	if !id.Defined() {
		t.ClearFSID(n)
		return
	}
	if n.FSID == id {
		return
	}

	t.ClearFSID(n)
	if prev, ok := t.byFSID[id]; ok {
		prev.FSID = domain.UndefFSID
	}
	t.byFSID[id] = n
	n.FSID = id
}

// ClearFSID resets n to unassigned
func (t *Tree) ClearFSID(n *LocalNode) {
	if !n.FSID.Defined() {
		return
	}
	if t.byFSID[n.FSID] == n {
		delete(t.byFSID, n.FSID)
	}
	n.FSID = domain.UndefFSID
}

// ClearAllFSIDs resets every node to unassigned
func (t *Tree) ClearAllFSIDs() {
	for _, n := range t.byFSID {
		n.FSID = domain.UndefFSID
	}
	clear(t.byFSID)
}

// LookupFSID returns the node assigned id
func (t *Tree) LookupFSID(id domain.FSID) (*LocalNode, bool) {
	n, ok := t.byFSID[id]
	return n, ok
}

// AssignedCount returns the number of nodes holding an fsid
func (t *Tree) AssignedCount() int {
	return len(t.byFSID)
}

// Walk visits every node depth first, parents before children and
// siblings in name order. A non-nil error from fn stops the walk.
func (t *Tree) Walk(fn func(*LocalNode) error) error {
	return walk(t.root, fn)
}

func walk(n *LocalNode, fn func(*LocalNode) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, c := range n.SortedChildren() {
		if err := walk(c, fn); err != nil {
			return err
		}
	}
	return nil
}

// CheckIndex verifies that the fsid index and the node fields agree
func (t *Tree) CheckIndex() error {
	assigned := 0
	err := t.Walk(func(n *LocalNode) error {
		if !n.FSID.Defined() {
			return nil
		}
		assigned++
		if got := t.byFSID[n.FSID]; got != n {
			return fmt.Errorf("node %q has fsid %d but the index maps it elsewhere", n.Path(), n.FSID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if assigned != len(t.byFSID) {
		return fmt.Errorf("index holds %d fsids, tree has %d assigned nodes", len(t.byFSID), assigned)
	}
	return nil
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return parts
}

// InheritHandles copies the cloud handle of every node of prev onto the
// node at the same path in t, returning how many were copied.
func (t *Tree) InheritHandles(prev *Tree) int {
	if prev == nil {
		return 0
	}
	copied := 0
	_ = prev.Walk(func(old *LocalNode) error {
		if !old.Handle.Valid() {
			return nil
		}
		if n, ok := t.Lookup(old.Path()); ok && n.Type == old.Type {
			n.Handle = old.Handle
			copied++
		}
		return nil
	})
	return copied
}
