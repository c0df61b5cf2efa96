package cbtree

import (
	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"
)

// Bulkload replaces the tree's contents wholesale with entries, which must
// already be sorted and unique by key. It is only valid on a freshly
// constructed, still-empty Tree; calling it after any Write/Insert/Delete
// has occurred discards whatever was there.
//
// When workers > 1, entries are partitioned into contiguous chunks built
// concurrently via golang.org/x/sync/errgroup, each chunk's leaf chain and
// inner levels wired up independently, and the resulting per-chunk
// subtrees stitched together: adjacent chunks' rightmost and leftmost
// spines are linked (vertical border linking) before a final pass
// combines every chunk root into a single top structure.
func (t *Tree[K, V]) Bulkload(entries []Entry[K, V], workers int) error {
	if len(entries) == 0 {
		return ErrBulkloadEmpty
	}
	for i := 1; i < len(entries); i++ {
		if t.cmp(entries[i-1].Key, entries[i].Key) >= 0 {
			return ErrBulkloadNotSorted
		}
	}
	if workers < 1 {
		workers = 1
	}
	t.logger.Info("bulkload starting", zap.Int("entries", len(entries)), zap.Int("workers", workers))
	if workers == 1 || len(entries) < workers {
		t.installBulkloadRoot(t.bulkloadSingleThread(entries))
		return nil
	}
	return t.bulkloadMultiThread(entries, workers)
}

func (t *Tree[K, V]) installBulkloadRoot(root *node[K, V]) {
	old := t.root.Load()
	t.retireNode(old)
	t.root.Store(root)
}

// bulkloadSingleThread builds a complete subtree from entries bottom-up:
// pack leaves to the split threshold, then repeatedly pack the layer
// above until a single root remains.
func (t *Tree[K, V]) bulkloadSingleThread(entries []Entry[K, V]) *node[K, V] {
	level := t.bulkloadLeaves(entries)
	for len(level) > 1 {
		level = t.constructSingleLayer(level)
	}
	return level[0]
}

func (t *Tree[K, V]) bulkloadLeaves(entries []Entry[K, V]) []*node[K, V] {
	limit := t.cfg.PageSize - t.cfg.MinFreeSpaceSize
	var leaves []*node[K, V]
	i := 0
	for i < len(entries) {
		n := t.getNodePage(false)
		n.id = t.nextID.Add(1)
		used := 0
		for i < len(entries) {
			e := entries[i]
			rl := t.recLenLeaf(e.Key)
			if used+rl > limit && len(n.keys) > 0 {
				break
			}
			n.keys = append(n.keys, e.Key)
			n.payloads = append(n.payloads, e.Payload)
			n.tomb = append(n.tomb, 0)
			used += rl
			i++
		}
		n.usedBytes = used
		n.liveCount = len(n.keys)
		leaves = append(leaves, n)
	}
	t.linkSiblings(leaves)
	return leaves
}

// constructSingleLayer packs children into parent nodes, one child per
// group boundary more than the group's separator count, and links the
// resulting layer's siblings.
func (t *Tree[K, V]) constructSingleLayer(children []*node[K, V]) []*node[K, V] {
	limit := t.cfg.PageSize - t.cfg.MinFreeSpaceSize
	var layer []*node[K, V]
	i := 0
	for i < len(children) {
		n := t.getNodePage(true)
		n.id = t.nextID.Add(1)
		n.children = append(n.children, children[i])
		i++
		used := 0
		for i < len(children) {
			sep := children[i].leftmostKey()
			rl := t.recLenInner(sep)
			if used+rl > limit {
				break
			}
			n.keys = append(n.keys, sep)
			n.children = append(n.children, children[i])
			used += rl
			i++
		}
		n.usedBytes = used
		layer = append(layer, n)
	}
	t.linkSiblings(layer)
	return layer
}

// linkSiblings wires next/prev pointers and high keys across one
// newly-built level, left to right.
func (t *Tree[K, V]) linkSiblings(level []*node[K, V]) {
	for i, n := range level {
		if i+1 < len(level) {
			next := level[i+1]
			n.next.Store(next)
			next.prev.Store(n)
			sep := next.leftmostKey()
			n.highKey = &sep
		} else {
			n.next.Store(nil)
		}
	}
}

func (t *Tree[K, V]) bulkloadMultiThread(entries []Entry[K, V], workers int) error {
	chunks := partitionEntries(entries, workers)
	roots := make([]*node[K, V], len(chunks))

	var g errgroup.Group
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			roots[i] = t.bulkloadSingleThread(chunk)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	t.padChunkRootsToSameHeight(roots)
	t.linkVerticalBorders(roots)
	t.installBulkloadRoot(t.combineRoots(roots))
	return nil
}

// height returns the number of levels from n down to (and including) its
// leaves, following the leftmost spine.
func (t *Tree[K, V]) height(n *node[K, V]) int {
	h := 1
	for n.isInner {
		h++
		n = n.children[0]
	}
	return h
}

// padChunkRootsToSameHeight wraps every shorter chunk subtree in
// single-child inner nodes until all of roots reach the tallest chunk's
// height. A contiguous chunk can build a shorter partial tree than its
// neighbors whenever partitionEntries hands it fewer entries (the final,
// remainder chunk in particular), and both linkVerticalBorders' lockstep
// spine descent and combineRoots' single-layer packing assume every root
// in the slice sits at the same level; skipping this pass would truncate
// the taller chunks' sibling chains and combine mismatched-height
// subtrees as if they were peers.
func (t *Tree[K, V]) padChunkRootsToSameHeight(roots []*node[K, V]) {
	target := 0
	for _, r := range roots {
		if h := t.height(r); h > target {
			target = h
		}
	}
	for i, r := range roots {
		for t.height(r) < target {
			wrapper := t.getNodePage(true)
			wrapper.id = t.nextID.Add(1)
			wrapper.children = append(wrapper.children, r)
			t.recomputeInner(wrapper)
			r = wrapper
		}
		roots[i] = r
	}
}

func partitionEntries[K any, V any](entries []Entry[K, V], workers int) [][]Entry[K, V] {
	n := len(entries)
	chunkSize := (n + workers - 1) / workers
	chunks := make([][]Entry[K, V], 0, workers)
	for i := 0; i < n; i += chunkSize {
		end := i + chunkSize
		if end > n {
			end = n
		}
		chunks = append(chunks, entries[i:end])
	}
	return chunks
}

// linkVerticalBorders stitches adjacent chunk subtrees together: for each
// boundary, it walks the left chunk's rightmost spine and the right
// chunk's leftmost spine in lockstep, linking siblings at every shared
// level until either side reaches a leaf.
func (t *Tree[K, V]) linkVerticalBorders(roots []*node[K, V]) {
	for i := 0; i+1 < len(roots); i++ {
		left, right := roots[i], roots[i+1]
		for left != nil && right != nil {
			sep := right.leftmostKey()
			left.next.Store(right)
			right.prev.Store(left)
			left.highKey = &sep
			if !left.isInner || !right.isInner {
				break
			}
			left = left.children[len(left.children)-1]
			right = right.children[0]
		}
	}
}

// combineRoots repeatedly layers chunk roots together until one node
// remains, exactly like the single-threaded builder's upper levels.
func (t *Tree[K, V]) combineRoots(roots []*node[K, V]) *node[K, V] {
	level := roots
	for len(level) > 1 {
		level = t.constructSingleLayer(level)
	}
	return level[0]
}
