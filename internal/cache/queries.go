package cache

import (
	"cmp"
	"slices"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/node"
)

// LoadNodes brings up a session: the roots are made resident and their
// direct children are appended at the cold end of the LRU. It returns the
// number of nodes loaded.
func (m *Manager) LoadNodes() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	roots, err := m.st.ScanRoots()
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, rec := range roots {
		e := m.attachLocked(rec.Handle, rec.Blob, 0)
		if e == nil {
			continue
		}
		loaded++

		children, err := m.st.ScanChildren(rec.Handle)
		if err != nil {
			return loaded, err
		}
		for _, child := range children {
			if _, ok := m.nodes[child.Handle]; ok {
				continue
			}
			n, err := node.Decode(child.Blob)
			if err != nil {
				m.log.Warn("corrupt node record, treating as absent", "handle", child.Handle, "error", err)
				continue
			}
			m.insertLocked(n, e, false)
			loaded++
		}
	}

	m.log.Info("loaded nodes", "roots", len(roots), "total", loaded)
	return loaded, nil
}

// CleanNodes forgets every node, in RAM and in the store
func (m *Manager) CleanNodes() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lru.clear()
	clear(m.nodes)
	clear(m.byFingerprint)
	clear(m.ghosts)
	clear(m.tombstones)
	m.negative.Purge()
	m.pending = nil

	return m.st.Truncate()
}

// GetRootNodes returns the resident session roots ordered by type
func (m *Manager) GetRootNodes() []*node.Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	var roots []*node.Node
	for h, e := range m.nodes {
		if _, dead := m.tombstones[h]; dead {
			continue
		}
		if e.node.IsPinnedType() {
			roots = append(roots, e.node)
		}
	}
	slices.SortFunc(roots, func(a, b *node.Node) int {
		return cmp.Compare(a.Type, b.Type)
	})
	return roots
}

// GetRecentNodes returns up to limit nodes created at or after since,
// newest first. limit <= 0 means no limit.
func (m *Manager) GetRecentNodes(limit int, since int64) []*node.Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.st.ScanRecent(since, limit)
	if err != nil {
		m.log.Error("failed to scan recent nodes", "error", err)
		return nil
	}
	nodes := m.attachRecordsLocked(records)
	m.evictToBoundLocked()
	return nodes
}

// Favourites returns the handles of live favourite nodes
func (m *Manager) Favourites() []domain.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.st.ScanFavourites()
	if err != nil {
		m.log.Error("failed to scan favourites", "error", err)
		return nil
	}

	var out []domain.Handle
	for _, rec := range records {
		if _, dead := m.tombstones[rec.Handle]; !dead {
			out = append(out, rec.Handle)
		}
	}
	return out
}

// NumberOfChildren counts the live children of parent
func (m *Manager) NumberOfChildren(parent domain.Handle) uint64 {
	return m.countChildren(parent)
}

// NumberOfChildrenByType counts the live children of parent of type typ
func (m *Manager) NumberOfChildrenByType(parent domain.Handle, typ domain.NodeType) uint64 {
	return m.countChildren(parent, typ)
}

func (m *Manager) countChildren(parent domain.Handle, types ...domain.NodeType) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.st.CountChildren(parent, types...)
	if err != nil {
		m.log.Error("failed to count children", "parent", parent, "error", err)
		return 0
	}
	for _, ts := range m.tombstones {
		if ts.parent == parent && (len(types) == 0 || slices.Contains(types, ts.typ)) && n > 0 {
			n--
		}
	}
	return n
}

// IsAncestor reports whether ancestor is a proper ancestor of h
func (m *Manager) IsAncestor(h, ancestor domain.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	defer m.evictToBoundLocked()

	e := m.loadLocked(h, 0)
	for depth := 0; e != nil && depth < maxDepth; depth++ {
		if e.parent == domain.NoHandle {
			return false
		}
		if e.parent == ancestor {
			return true
		}
		e = m.nodes[e.parent]
	}
	return false
}

// Stats is a snapshot of cache occupancy
type Stats struct {
	Resident     int
	InLRU        int
	LRUMaxSize   int
	Pinned       int
	Tombstoned   int
	Fingerprints int
}

// Stats returns the current occupancy
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Resident:     len(m.nodes),
		InLRU:        m.lru.len(),
		LRUMaxSize:   m.maxLRU,
		Tombstoned:   len(m.tombstones),
		Fingerprints: len(m.byFingerprint),
	}
	for _, e := range m.nodes {
		if e.refs > 0 || e.node.IsPinnedType() {
			s.Pinned++
		}
	}
	return s
}
