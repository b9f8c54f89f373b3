// Package mirror publishes a local tree into the node cache so both sides
// of the sync share handles.
package mirror

import (
	"errors"
	"fmt"

	"github.com/Ning0612/cloudmirror/internal/cache"
	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/localtree"
	"github.com/Ning0612/cloudmirror/internal/logger"
	"github.com/Ning0612/cloudmirror/internal/node"
)

// ErrRejected is returned when the cache refuses a node
var ErrRejected = errors.New("node rejected by cache")

// Importer copies local trees into a cache
type Importer struct {
	Cache *cache.Manager
	Log   logger.Logger

	// RootName names the cloud root node created for the tree root
	RootName string

	// CTime stamps newly created nodes; zero uses the file mtime
	CTime int64
}

// Stats counts what an import did
type Stats struct {
	Created int
	Updated int

	// Changed counts updated nodes that differ from the cached version
	Changed int
}

// Import adds every node of tree to the cache, parents first. Nodes without
// a handle get a fresh one, recorded back into the tree so a later import
// updates the same cloud nodes. Created and changed nodes are queued for
// the cache's TakeNotifications.
func (im *Importer) Import(tree *localtree.Tree) (Stats, error) {
	log := im.Log
	if log == nil {
		log = &logger.NullLogger{}
	}

	next := nextHandle(tree)
	var st Stats
	err := tree.Walk(func(ln *localtree.LocalNode) error {
		if !ln.Handle.Valid() {
			if !next.Valid() {
				return fmt.Errorf("handle space exhausted at %q", ln.Path())
			}
			ln.Handle = next
			next++
		}

		n := im.nodeFor(ln)
		prev, known := im.Cache.GetNodeByHandle(n.Handle)
		var changes node.ChangeFlags
		if known {
			changes = n.Diff(prev)
		} else {
			changes = node.ChangeNew
		}
		if !im.Cache.AddNode(n, false, false) {
			return fmt.Errorf("%w: %s (%s)", ErrRejected, ln.Path(), n.Handle)
		}

		switch {
		case !known:
			st.Created++
		case changes != 0:
			st.Updated++
			st.Changed++
			log.Debug("node changed", "path", ln.Path(), "handle", n.Handle, "changes", changes)
		default:
			st.Updated++
		}
		if changes != 0 {
			im.Cache.NotifyNode(n)
		}
		return nil
	})
	if err != nil {
		return st, err
	}

	log.Info("imported local tree", "created", st.Created, "updated", st.Updated, "changed", st.Changed)
	return st, nil
}

func (im *Importer) nodeFor(ln *localtree.LocalNode) *node.Node {
	if ln.Parent == nil {
		return node.New(ln.Handle, domain.NoHandle, domain.TypeRoot, im.RootName)
	}

	n := node.New(ln.Handle, ln.Parent.Handle, ln.Type, ln.Name)
	n.CTime = im.CTime
	if ln.Type == domain.TypeFile {
		n.SetFingerprint(ln.Fingerprint)
		if n.CTime == 0 {
			n.CTime = ln.Fingerprint.Mtime
		}
	}
	return n
}

// nextHandle returns one past the highest handle already in tree
func nextHandle(tree *localtree.Tree) domain.Handle {
	highest := domain.NoHandle
	_ = tree.Walk(func(ln *localtree.LocalNode) error {
		if ln.Handle.Valid() && ln.Handle > highest {
			highest = ln.Handle
		}
		return nil
	})
	return highest + 1
}
