// Package cache keeps a bounded working set of remote nodes in memory on top
// of the persistent store.
//
// Every node lives in the store. A subset is resident in RAM: the session
// roots, nodes held through Acquire, the ancestors of every resident node,
// and at most LRUMaxSize other nodes ordered by recency of use.
package cache

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"weak"

	lru "github.com/hashicorp/golang-lru"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fingerprint"
	"github.com/Ning0612/cloudmirror/internal/logger"
	"github.com/Ning0612/cloudmirror/internal/node"
	"github.com/Ning0612/cloudmirror/internal/store"
)

const (
	// DefaultLRUMaxSize bounds the evictable resident nodes
	DefaultLRUMaxSize = 20000

	// DefaultNegativeEntries bounds the remembered fingerprint misses
	DefaultNegativeEntries = 1024

	// maxDepth stops parent resolution on corrupt parent cycles
	maxDepth = 4096

	minGhostPrune = 256
)

// Config holds the cache tunables
type Config struct {
	LRUMaxSize      int
	NegativeEntries int
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		LRUMaxSize:      DefaultLRUMaxSize,
		NegativeEntries: DefaultNegativeEntries,
	}
}

type tombstone struct {
	parent domain.Handle
	typ    domain.NodeType
}

// Manager is the tiered node cache. All methods are safe for concurrent use;
// a single mutex serializes them.
type Manager struct {
	mu  sync.Mutex
	st  store.Store
	log logger.Logger

	nodes  map[domain.Handle]*entry
	lru    *nodeLRU
	maxLRU int

	byFingerprint map[fingerprint.Fingerprint]map[domain.Handle]struct{}
	negative      *lru.Cache

	// ghosts track evicted nodes that callers may still reference
	ghosts       map[domain.Handle]weak.Pointer[node.Node]
	ghostPruneAt int

	tombstones map[domain.Handle]tombstone
	pending    []*node.Node
}

// New creates a cache over st
func New(st store.Store, cfg Config, log logger.Logger) (*Manager, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if cfg.LRUMaxSize < 0 {
		return nil, fmt.Errorf("lru max size must not be negative, got %d", cfg.LRUMaxSize)
	}
	if cfg.NegativeEntries <= 0 {
		cfg.NegativeEntries = DefaultNegativeEntries
	}
	if log == nil {
		log = &logger.NullLogger{}
	}

	negative, err := lru.New(cfg.NegativeEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create negative cache: %w", err)
	}

	return &Manager{
		st:            st,
		log:           log.With("component", "nodecache"),
		nodes:         make(map[domain.Handle]*entry),
		lru:           newNodeLRU(),
		maxLRU:        cfg.LRUMaxSize,
		byFingerprint: make(map[fingerprint.Fingerprint]map[domain.Handle]struct{}),
		negative:      negative,
		ghosts:        make(map[domain.Handle]weak.Pointer[node.Node]),
		ghostPruneAt:  minGhostPrune,
		tombstones:    make(map[domain.Handle]tombstone),
	}, nil
}

// AddNode inserts or updates n and writes it to the store.
//
// With initialLoad the node is appended at the cold end of the LRU and no
// eviction happens; otherwise it becomes the most recently used node and the
// LRU is trimmed to its bound. With notify the node is queued for
// TakeNotifications. A node whose parent cannot be resolved is rejected.
//
// An already known handle is overwritten in place: callers holding the
// previous pointer observe the new fields.
func (m *Manager) AddNode(n *node.Node, notify, initialLoad bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok := m.addLocked(n, notify, initialLoad)
	if !initialLoad {
		m.evictToBoundLocked()
	}
	return ok
}

// UpdateNode adds n as a notified, non-initial update
func (m *Manager) UpdateNode(n *node.Node) bool {
	return m.AddNode(n, true, false)
}

func (m *Manager) addLocked(n *node.Node, notify, initialLoad bool) bool {
	if n == nil || !n.Handle.Valid() {
		m.log.Warn("rejecting node with invalid handle")
		return false
	}
	if n.Parent == n.Handle {
		m.log.Warn("rejecting node that is its own parent", "handle", n.Handle)
		return false
	}

	var parent *entry
	if n.Parent != domain.NoHandle {
		parent = m.loadLocked(n.Parent, 1)
		if parent == nil {
			m.log.Warn("rejecting node with unresolvable parent", "handle", n.Handle, "parent", n.Parent)
			return false
		}
	}

	e, resident := m.nodes[n.Handle]
	ghost := m.ghostLocked(n.Handle)
	changes := m.changesLocked(n, e, ghost, initialLoad)

	row, err := store.RowFor(n)
	if err != nil {
		m.log.Error("failed to serialize node", "handle", n.Handle, "error", err)
		return false
	}
	if err := m.st.Put(row); err != nil {
		m.log.Error("failed to persist node", "handle", n.Handle, "error", err)
		return false
	}

	delete(m.tombstones, n.Handle)
	if n.Type == domain.TypeFile && n.Fingerprint.Valid {
		m.negative.Remove(n.Fingerprint)
	}

	if resident {
		m.unindexLocked(e)
		if e.parent != n.Parent {
			if p, ok := m.nodes[e.parent]; ok {
				m.childLeftLocked(p)
			}
			m.adoptLocked(e, parent)
		}
		if e.node != n {
			*e.node = *n
		}
		m.indexLocked(e)
		if !initialLoad {
			m.lru.touch(e)
		}
	} else {
		target := n
		if ghost != nil {
			delete(m.ghosts, n.Handle)
			*ghost = *n
			target = ghost
		}
		e = m.insertLocked(target, parent, !initialLoad)
	}
	e.node.Changes = changes

	if notify {
		m.pending = append(m.pending, e.node)
	}
	return true
}

// changesLocked computes the change flags of an incoming node
func (m *Manager) changesLocked(n *node.Node, e *entry, ghost *node.Node, initialLoad bool) node.ChangeFlags {
	switch {
	case e != nil && e.node == n:
		// the caller edited the resident instance; keep its flags
		return n.Changes
	case e != nil:
		return n.Diff(e.node)
	case ghost != nil:
		return n.Diff(ghost)
	case initialLoad:
		return node.ChangeNew
	}

	blob, err := m.st.Get(n.Handle)
	if err != nil {
		return node.ChangeNew
	}
	prev, err := node.Decode(blob)
	if err != nil {
		return node.ChangeNew
	}
	return n.Diff(prev)
}

// insertLocked makes n resident under parent
func (m *Manager) insertLocked(n *node.Node, parent *entry, front bool) *entry {
	e := &entry{node: n}
	m.nodes[n.Handle] = e
	m.adoptLocked(e, parent)
	m.indexLocked(e)
	m.repositionLocked(e, front)
	return e
}

// adoptLocked counts e as a resident child of parent
func (m *Manager) adoptLocked(e *entry, parent *entry) {
	e.parent = domain.NoHandle
	if parent == nil {
		return
	}
	e.parent = parent.node.Handle
	parent.residentChildren++
	m.repositionLocked(parent, true)
}

// GetNodeByHandle returns the node, loading it from the store if needed
func (m *Manager) GetNodeByHandle(h domain.Handle) (*node.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.loadLocked(h, 0)
	if e == nil {
		return nil, false
	}
	m.evictToBoundLocked()
	return e.node, true
}

// loadLocked returns the resident entry for h, loading h and its missing
// ancestors from the store. nil means absent, tombstoned or unreadable.
func (m *Manager) loadLocked(h domain.Handle, depth int) *entry {
	if depth > maxDepth {
		m.log.Error("parent chain too deep, treating node as absent", "handle", h)
		return nil
	}
	if _, dead := m.tombstones[h]; dead {
		return nil
	}
	if e, ok := m.nodes[h]; ok {
		m.lru.touch(e)
		return e
	}

	blob, err := m.st.Get(h)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.log.Error("failed to read node", "handle", h, "error", err)
		}
		return nil
	}
	return m.attachLocked(h, blob, depth)
}

// attachLocked decodes a stored blob and makes it resident
func (m *Manager) attachLocked(h domain.Handle, blob []byte, depth int) *entry {
	n, err := node.Decode(blob)
	if err != nil {
		m.log.Warn("corrupt node record, treating as absent", "handle", h, "error", err)
		return nil
	}
	if n.Handle != h {
		m.log.Warn("node record under wrong handle, treating as absent", "handle", h, "record", n.Handle)
		return nil
	}

	var parent *entry
	if n.Parent != domain.NoHandle {
		parent = m.loadLocked(n.Parent, depth+1)
		if parent == nil {
			m.log.Warn("node parent unresolvable, treating as absent", "handle", h, "parent", n.Parent)
			return nil
		}
	}

	// an ancestor load never brings h itself in, unless the chain is cyclic
	if e, ok := m.nodes[h]; ok {
		return e
	}

	if g := m.ghostLocked(h); g != nil {
		delete(m.ghosts, h)
		*g = *n
		n = g
	}
	return m.insertLocked(n, parent, true)
}

// ghostLocked returns the evicted instance of h if a caller still holds it
func (m *Manager) ghostLocked(h domain.Handle) *node.Node {
	wp, ok := m.ghosts[h]
	if !ok {
		return nil
	}
	return wp.Value()
}

// GetChildren returns every live child of parent, RAM-resident or not
func (m *Manager) GetChildren(parent domain.Handle) []*node.Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loadLocked(parent, 0) == nil {
		return nil
	}

	records, err := m.st.ScanChildren(parent)
	if err != nil {
		m.log.Error("failed to scan children", "parent", parent, "error", err)
		return nil
	}

	children := m.attachRecordsLocked(records)
	m.evictToBoundLocked()
	return children
}

// attachRecordsLocked resolves store records to resident nodes, skipping
// tombstoned and unreadable ones
func (m *Manager) attachRecordsLocked(records []store.Record) []*node.Node {
	out := make([]*node.Node, 0, len(records))
	for _, rec := range records {
		if _, dead := m.tombstones[rec.Handle]; dead {
			continue
		}
		var e *entry
		if resident, ok := m.nodes[rec.Handle]; ok {
			m.lru.touch(resident)
			e = resident
		} else {
			e = m.attachLocked(rec.Handle, rec.Blob, 0)
		}
		if e != nil {
			out = append(out, e.node)
		}
	}
	return out
}

// ChildNodeByNameType finds the child of parent with the given name and type
func (m *Manager) ChildNodeByNameType(parent domain.Handle, name string, typ domain.NodeType) (*node.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.st.ScanByName(name)
	if err != nil {
		m.log.Error("failed to scan by name", "name", name, "error", err)
		return nil, false
	}

	var found *node.Node
	for _, n := range m.attachRecordsLocked(records) {
		if n.Parent == parent && n.Type == typ {
			found = n
			break
		}
	}
	m.evictToBoundLocked()
	return found, found != nil
}

// GetNodesByFingerprint returns every live file with exactly this fingerprint,
// ordered by handle. The result does not depend on residency.
func (m *Manager) GetNodesByFingerprint(fp fingerprint.Fingerprint) []*node.Node {
	if !fp.Valid {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.negative.Contains(fp) {
		return nil
	}

	records, err := m.st.ScanByFingerprint(store.FingerprintKey(fp))
	if err != nil {
		m.log.Error("failed to scan by fingerprint", "fingerprint", fp, "error", err)
		return nil
	}
	if len(records) == 0 {
		m.negative.Add(fp, struct{}{})
		return nil
	}

	nodes := m.attachRecordsLocked(records)
	m.evictToBoundLocked()
	return nodes
}

// GetNodeByFingerprint returns one live file with this fingerprint,
// preferring a RAM-resident one
func (m *Manager) GetNodeByFingerprint(fp fingerprint.Fingerprint) (*node.Node, bool) {
	if !fp.Valid {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if hits := m.byFingerprint[fp]; len(hits) > 0 {
		var best domain.Handle
		for h := range hits {
			if _, dead := m.tombstones[h]; dead {
				continue
			}
			if best == domain.NoHandle || h < best {
				best = h
			}
		}
		if best != domain.NoHandle {
			e := m.nodes[best]
			m.lru.touch(e)
			return e.node, true
		}
	}

	if m.negative.Contains(fp) {
		return nil, false
	}

	records, err := m.st.ScanByFingerprint(store.FingerprintKey(fp))
	if err != nil {
		m.log.Error("failed to scan by fingerprint", "fingerprint", fp, "error", err)
		return nil, false
	}

	nodes := m.attachRecordsLocked(records)
	m.evictToBoundLocked()
	if len(nodes) == 0 {
		m.negative.Add(fp, struct{}{})
		return nil, false
	}
	return nodes[0], true
}

// RemoveNode tombstones h and its subtree. They disappear from lookups
// at once and leave RAM and the store on NotifyPurge.
func (m *Manager) RemoveNode(h domain.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dead := m.tombstones[h]; dead {
		return false
	}
	e := m.loadLocked(h, 0)
	if e == nil {
		return false
	}

	queue := []*node.Node{e.node}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		m.tombstones[n.Handle] = tombstone{parent: n.Parent, typ: n.Type}
		n.Changes |= node.ChangeRemoved
		m.pending = append(m.pending, n)

		if !n.Type.IsContainer() {
			continue
		}
		records, err := m.st.ScanChildren(n.Handle)
		if err != nil {
			m.log.Error("failed to scan children for removal", "parent", n.Handle, "error", err)
			continue
		}
		for _, rec := range records {
			if _, dead := m.tombstones[rec.Handle]; dead {
				continue
			}
			if child, ok := m.nodes[rec.Handle]; ok {
				queue = append(queue, child.node)
				continue
			}
			child, err := node.Decode(rec.Blob)
			if err != nil {
				m.log.Warn("corrupt child record during removal", "handle", rec.Handle, "error", err)
				m.tombstones[rec.Handle] = tombstone{parent: n.Handle, typ: domain.TypeUnknown}
				continue
			}
			queue = append(queue, child)
		}
	}

	m.evictToBoundLocked()
	return true
}

// NotifyPurge drops every tombstoned node from RAM and the store and
// returns how many were purged
func (m *Manager) NotifyPurge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for h := range m.tombstones {
		if e, ok := m.nodes[h]; ok {
			m.detachLocked(e)
		}
		delete(m.ghosts, h)

		if err := m.st.Remove(h); err != nil {
			m.log.Error("failed to purge node from store", "handle", h, "error", err)
			continue
		}
		delete(m.tombstones, h)
		purged++
	}

	if purged > 0 {
		m.log.Debug("purged removed nodes", "count", purged)
	}
	m.evictToBoundLocked()
	return purged
}

// Acquire pins h in RAM until the returned Ref is released
func (m *Manager) Acquire(h domain.Handle) (*Ref, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.loadLocked(h, 0)
	if e == nil {
		return nil, false
	}
	e.refs++
	m.repositionLocked(e, true)
	m.evictToBoundLocked()
	return &Ref{m: m, node: e.node}, true
}

func (m *Manager) release(n *node.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.nodes[n.Handle]
	if !ok || e.node != n || e.refs == 0 {
		return
	}
	e.refs--
	m.repositionLocked(e, true)
	m.evictToBoundLocked()
}

// SetCacheLRUMaxSize changes the LRU bound. Shrinking evicts at once;
// growing loads nothing.
func (m *Manager) SetCacheLRUMaxSize(n int) {
	if n < 0 {
		n = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.maxLRU = n
	m.evictToBoundLocked()
}

// CacheLRUMaxSize returns the LRU bound
func (m *Manager) CacheLRUMaxSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxLRU
}

// NumberNodesInRAM returns the number of resident nodes
func (m *Manager) NumberNodesInRAM() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

// NumNodesAtCacheLRU returns the number of evictable resident nodes
func (m *Manager) NumNodesAtCacheLRU() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.len()
}

// NodeCount returns the number of nodes known, resident or not.
// Tombstoned nodes count until they are purged.
func (m *Manager) NodeCount() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Count()
}

// TakeNotifications returns and clears the queued node notifications
func (m *Manager) TakeNotifications() []*node.Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.pending
	m.pending = nil
	return out
}

// NotifyNode queues n for TakeNotifications
func (m *Manager) NotifyNode(n *node.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, n)
}

// repositionLocked links e into the LRU exactly when it is evictable
func (m *Manager) repositionLocked(e *entry, front bool) {
	evictable := e.refs == 0 && e.residentChildren == 0 && !e.node.IsPinnedType()
	switch {
	case evictable && e.elem == nil:
		if front {
			m.lru.pushFront(e)
		} else {
			m.lru.pushBack(e)
		}
	case !evictable && e.elem != nil:
		m.lru.remove(e)
	}
}

// childLeftLocked records that one resident child of p left RAM
func (m *Manager) childLeftLocked(p *entry) {
	if p.residentChildren > 0 {
		p.residentChildren--
	}
	m.repositionLocked(p, true)
}

// evictToBoundLocked drops least recently used nodes until the LRU fits
func (m *Manager) evictToBoundLocked() {
	for m.lru.len() > m.maxLRU {
		e := m.lru.oldest()
		m.detachLocked(e)
		m.ghosts[e.node.Handle] = weak.Make(e.node)
	}
	m.pruneGhostsLocked()
}

// detachLocked removes e from RAM, keeping the store untouched
func (m *Manager) detachLocked(e *entry) {
	m.lru.remove(e)
	delete(m.nodes, e.node.Handle)
	m.unindexLocked(e)
	if p, ok := m.nodes[e.parent]; ok && e.parent != domain.NoHandle {
		m.childLeftLocked(p)
	}
}

func (m *Manager) pruneGhostsLocked() {
	if len(m.ghosts) < m.ghostPruneAt {
		return
	}
	for h, wp := range m.ghosts {
		if wp.Value() == nil {
			delete(m.ghosts, h)
		}
	}
	m.ghostPruneAt = max(minGhostPrune, 2*len(m.ghosts))
}

func (m *Manager) indexLocked(e *entry) {
	n := e.node
	if n.Type != domain.TypeFile || !n.Fingerprint.Valid {
		return
	}
	fp := n.Fingerprint
	set, ok := m.byFingerprint[fp]
	if !ok {
		set = make(map[domain.Handle]struct{})
		m.byFingerprint[fp] = set
	}
	set[n.Handle] = struct{}{}
	e.indexed = &fp
}

func (m *Manager) unindexLocked(e *entry) {
	if e.indexed == nil {
		return
	}
	fp := *e.indexed
	e.indexed = nil
	if set, ok := m.byFingerprint[fp]; ok {
		delete(set, e.node.Handle)
		if len(set) == 0 {
			delete(m.byFingerprint, fp)
		}
	}
}

// residentHandles lists resident handles in order, for tests and stats
func (m *Manager) residentHandles() []domain.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Handle, 0, len(m.nodes))
	for h := range m.nodes {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
