package cache

import (
	"sync"

	"github.com/Ning0612/cloudmirror/internal/node"
)

// Ref keeps a node resident until Release. The node pointer stays valid
// after Release; only the pin is dropped.
type Ref struct {
	m    *Manager
	node *node.Node
	once sync.Once
}

// Node returns the referenced node
func (r *Ref) Node() *node.Node {
	return r.node
}

// Release drops the pin. Calling it more than once has no effect.
func (r *Ref) Release() {
	r.once.Do(func() {
		r.m.release(r.node)
	})
}
