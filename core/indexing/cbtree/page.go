package cbtree

import (
	"context"
	"sync"
)

// PageAllocator is the node-lifetime contract a Tree relies on for fresh
// allocations. The default implementation pools freed nodes with
// sync.Pool. New always installs that default; no Option replaces it.
type PageAllocator[P any] interface {
	Allocate() P
	Release(P)
}

// poolAllocator is the default PageAllocator, backed by sync.Pool.
type poolAllocator[P any] struct {
	pool sync.Pool
}

func newPoolAllocator[P any](newFn func() P) *poolAllocator[P] {
	return &poolAllocator[P]{pool: sync.Pool{New: func() any { return newFn() }}}
}

func (a *poolAllocator[P]) Allocate() P {
	return a.pool.Get().(P)
}

func (a *poolAllocator[P]) Release(p P) {
	a.pool.Put(p)
}

// getNodePage returns a node ready for (re)initialization, preferring a
// page the epoch reclaimer has already cleared quarantine for over a fresh
// allocation.
func (t *Tree[K, V]) getNodePage(isInner bool) *node[K, V] {
	var n *node[K, V]
	if p, ok := t.gc.TryReuse(); ok {
		p.reset(isInner)
		n = p
	} else {
		n = t.allocator.Allocate()
		n.reset(isInner)
		n.tree = t
	}
	if t.metrics != nil {
		t.metrics.NodeCountUpDownGauge.Add(context.Background(), 1)
	}
	return n
}

// retireNode hands n to the epoch reclaimer and reflects the retirement in
// the live-node gauge. Every path that detaches a node from the tree
// (merge, root shrink, bulkload root swap) goes through here instead of
// calling gc.AddGarbage directly.
func (t *Tree[K, V]) retireNode(n *node[K, V]) {
	t.gc.AddGarbage(n)
	if t.metrics != nil {
		t.metrics.NodeCountUpDownGauge.Add(context.Background(), -1)
	}
}
