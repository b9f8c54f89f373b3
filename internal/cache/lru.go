package cache

import (
	"container/list"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fingerprint"
	"github.com/Ning0612/cloudmirror/internal/node"
)

// entry is the bookkeeping for one resident node
type entry struct {
	node *node.Node

	// refs counts outstanding Acquire calls
	refs int

	// residentChildren counts children currently in RAM
	residentChildren int

	// parent is the handle residentChildren was counted under
	parent domain.Handle

	// indexed is the fingerprint the node is indexed under, if any
	indexed *fingerprint.Fingerprint

	// elem is set while the entry is linked into the LRU
	elem *list.Element
}

// nodeLRU orders the evictable resident entries, most recent at the front.
// It is not safe for concurrent use; Manager.mu guards it.
type nodeLRU struct {
	list *list.List
}

func newNodeLRU() *nodeLRU {
	return &nodeLRU{list: list.New()}
}

// pushFront links e as the most recently used entry
func (l *nodeLRU) pushFront(e *entry) {
	e.elem = l.list.PushFront(e)
}

// pushBack links e as the least recently used entry
func (l *nodeLRU) pushBack(e *entry) {
	e.elem = l.list.PushBack(e)
}

// touch moves a linked entry to the front
func (l *nodeLRU) touch(e *entry) {
	if e.elem != nil {
		l.list.MoveToFront(e.elem)
	}
}

func (l *nodeLRU) remove(e *entry) {
	if e.elem != nil {
		l.list.Remove(e.elem)
		e.elem = nil
	}
}

// oldest returns the least recently used entry or nil
func (l *nodeLRU) oldest() *entry {
	back := l.list.Back()
	if back == nil {
		return nil
	}
	return back.Value.(*entry)
}

func (l *nodeLRU) len() int {
	return l.list.Len()
}

func (l *nodeLRU) clear() {
	for el := l.list.Front(); el != nil; el = el.Next() {
		el.Value.(*entry).elem = nil
	}
	l.list.Init()
}
