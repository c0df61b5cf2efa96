package cbtree

import "sync/atomic"

// node is the single physical representation used for both leaves and
// inner nodes. isInner selects which of the two record areas below is
// live; the other is left empty. Unifying the two kinds behind one struct
// (rather than two generated variants, one per key layout) is the
// simplification this port makes over the original design: a single
// KeyLen estimator (see Config) stands in for the fixed-length and
// variable-length record layouts the original generates at compile time.
type node[K any, V any] struct {
	tree *Tree[K, V]
	id   uint64

	isInner bool
	verLock atomic.Uint64

	// highKey is the exclusive upper bound this node is responsible for.
	// nil means +infinity (the rightmost node at this level).
	highKey *K

	next atomic.Pointer[node[K, V]]
	prev atomic.Pointer[node[K, V]]

	// Leaf record area. tomb holds 0/1 flags accessed through
	// sync/atomic so that a tombstone flip performed by an exclusive
	// holder never races, under Go's memory model, with a concurrent
	// shared-lock holder reading the same slot. A plain []uint32 (rather
	// than []atomic.Bool) is used deliberately: shifting elements during
	// insertion/merge is just a slice copy, not a struct copy of a
	// no-copy-guarded type.
	keys      []K
	payloads  []V
	tomb      []uint32
	liveCount int

	// Inner record area: len(children) == len(keys)+1. children[i] is the
	// subtree covering [keys[i-1], keys[i]) (keys[-1] treated as -infinity,
	// keys[len(keys)] treated as +infinity).
	children []*node[K, V]

	// usedBytes is the running estimate of occupied record-area bytes,
	// used to decide split and merge thresholds without ever touching a
	// real byte buffer.
	usedBytes int
	// deletedSize is the portion of usedBytes occupied by tombstoned leaf
	// records. Tombstoned records are never physically removed: split and
	// merge carry them (and their bytes) over to the resulting nodes, and
	// only reset, on reuse of the node, clears them.
	deletedSize int
}

// reset clears a node for reuse, either fresh off the allocator or handed
// back by the epoch reclaimer.
func (n *node[K, V]) reset(isInner bool) {
	n.isInner = isInner
	n.verLock.Store(0)
	n.highKey = nil
	n.next.Store(nil)
	n.prev.Store(nil)
	n.keys = n.keys[:0]
	n.payloads = n.payloads[:0]
	n.tomb = n.tomb[:0]
	n.liveCount = 0
	n.children = n.children[:0]
	n.usedBytes = 0
	n.deletedSize = 0
}

// isTombstoned reports whether the leaf record at idx is deleted.
func (n *node[K, V]) isTombstoned(idx int) bool {
	return atomic.LoadUint32(&n.tomb[idx]) != 0
}

// setTombstone flips the tombstone flag for the leaf record at idx.
func (n *node[K, V]) setTombstone(idx int, deleted bool) {
	var v uint32
	if deleted {
		v = 1
	}
	atomic.StoreUint32(&n.tomb[idx], v)
}

// recordCount returns the number of directory slots (leaf: including
// tombstones; inner: child count).
func (n *node[K, V]) recordCount() int {
	if n.isInner {
		return len(n.children)
	}
	return len(n.keys)
}

// highKeyValue copies out the node's high key. Only meaningful when
// highKey != nil; callers must check that first.
func (n *node[K, V]) highKeyValue() K {
	return *n.highKey
}

// searchPos does a binary search for key among a leaf's record keys,
// returning the slot and whether it matched exactly.
func (n *node[K, V]) searchPos(cmp KeyOrder[K], key K) (idx int, found bool) {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := cmp(n.keys[mid], key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// childIndex returns the index of the child responsible for key, i.e. the
// first index i such that key < keys[i] (or len(keys) if none).
func (n *node[K, V]) childIndex(cmp KeyOrder[K], key K) int {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(key, n.keys[mid]) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}
