package cbtree

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// ScanIterator walks a contiguous key range leaf by leaf, holding a
// shared lock on exactly one leaf at a time and releasing it only once it
// has safely acquired the next one (lock coupling across the sibling
// chain), so a concurrent split or merge elsewhere in the tree never
// stalls the scan and a concurrent delete on an already-visited leaf
// never invalidates records already returned.
type ScanIterator[K any, V any] struct {
	tree         *Tree[K, V]
	guard        *Guard
	node         *node[K, V]
	pos          int
	endKey       *K
	endInclusive bool
	closed       bool
	span         trace.Span
}

// Scan opens an iterator over the key range bounded by beginKey/endKey,
// each nil-able for an open-ended bound and each paired with its own
// inclusivity flag (ignored when the corresponding key is nil). A nil
// beginKey starts at the smallest key in the tree; a nil endKey runs to
// the largest. Passing the same key as both begin and end with both
// bounds inclusive scans exactly that one key, if present. When the Tree
// was built with WithTracer, the iterator's lifetime (from this call to
// Close, or to exhaustion) is wrapped in a span.
func (t *Tree[K, V]) Scan(beginKey *K, beginInclusive bool, endKey *K, endInclusive bool) *ScanIterator[K, V] {
	var span trace.Span
	if t.tracer != nil {
		_, span = t.tracer.Start(context.Background(), "cbtree.Scan")
	}

	guard := t.gc.CreateGuard()

	var n *node[K, V]
	if beginKey == nil {
		n = t.searchLeftmostLeaf()
	} else {
		n = t.searchLeafNode(*beginKey)
	}
	n.LockS()

	it := &ScanIterator[K, V]{tree: t, guard: guard, node: n, endKey: endKey, endInclusive: endInclusive, span: span}
	if beginKey != nil {
		idx, found := n.searchPos(t.cmp, *beginKey)
		if found && !beginInclusive {
			idx++
		}
		it.pos = idx
	}
	return it
}

// HasNext advances past any tombstoned or out-of-range records and
// reports whether a valid record is now positioned. It is safe to call
// repeatedly; only the first call after exhaustion releases the
// iterator's resources.
func (it *ScanIterator[K, V]) HasNext() bool {
	if it.closed {
		return false
	}
	for {
		if it.pos >= len(it.node.keys) {
			next := it.node.next.Load()
			if next == nil {
				it.release()
				return false
			}
			next.LockS()
			it.node.UnlockS()
			it.node = next
			it.pos = 0
			continue
		}
		if it.endKey != nil {
			c := it.tree.cmp(it.node.keys[it.pos], *it.endKey)
			if c > 0 || (c == 0 && !it.endInclusive) {
				it.release()
				return false
			}
		}
		if it.node.isTombstoned(it.pos) {
			it.pos++
			continue
		}
		return true
	}
}

// Key returns the key at the iterator's current position. Only valid
// after HasNext returns true.
func (it *ScanIterator[K, V]) Key() K {
	return it.node.keys[it.pos]
}

// Payload returns the payload at the iterator's current position. Only
// valid after HasNext returns true.
func (it *ScanIterator[K, V]) Payload() V {
	return it.node.payloads[it.pos]
}

// Next advances the iterator by one record. Call HasNext again afterward
// before reading Key/Payload.
func (it *ScanIterator[K, V]) Next() {
	it.pos++
}

// Close releases the iterator's held lock and epoch guard early. It is
// safe to call even if the iterator was already exhausted.
func (it *ScanIterator[K, V]) Close() {
	it.release()
}

func (it *ScanIterator[K, V]) release() {
	if it.closed {
		return
	}
	it.closed = true
	it.node.UnlockS()
	it.guard.Release()
	if it.span != nil {
		it.span.End()
	}
}
