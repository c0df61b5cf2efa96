package cbtree

import "go.uber.org/zap"

// halfSplit allocates a fresh right sibling for n, moves the upper half of
// n's records into it, links it into the sibling chain, and narrows n's
// high key to the new boundary between them. n must already be X-locked;
// the returned sibling is returned X-locked too, since halfSplit links it
// into n.next before releasing anything, making it immediately reachable
// by a concurrent reader that follows n's sibling pointer.
func (t *Tree[K, V]) halfSplit(n *node[K, V]) *node[K, V] {
	r := t.getNodePage(n.isInner)
	r.id = t.nextID.Add(1)
	r.LockX()

	mid := n.recordCount() / 2

	if n.isInner {
		promoted := n.keys[mid]
		r.keys = append(r.keys, n.keys[mid+1:]...)
		r.children = append(r.children, n.children[mid+1:]...)
		n.keys = n.keys[:mid]
		n.children = n.children[:mid+1]
		t.recomputeInner(r)
		t.recomputeInner(n)
		r.highKey = n.highKey
		sep := promoted
		n.highKey = &sep
	} else {
		r.keys = append(r.keys, n.keys[mid:]...)
		r.payloads = append(r.payloads, n.payloads[mid:]...)
		r.tomb = append(r.tomb, n.tomb[mid:]...)
		n.keys = n.keys[:mid]
		n.payloads = n.payloads[:mid]
		n.tomb = n.tomb[:mid]
		t.recomputeLeaf(r)
		t.recomputeLeaf(n)
		r.highKey = n.highKey
		sep := r.keys[0]
		n.highKey = &sep
	}

	rNext := n.next.Load()
	r.next.Store(rNext)
	r.prev.Store(n)
	if rNext != nil {
		rNext.prev.Store(r)
	}
	n.next.Store(r)

	return r
}

func (t *Tree[K, V]) recomputeLeaf(n *node[K, V]) {
	used, deleted, live := 0, 0, 0
	for i, k := range n.keys {
		rl := t.recLenLeaf(k)
		used += rl
		if n.isTombstoned(i) {
			deleted += rl
		} else {
			live++
		}
	}
	n.usedBytes, n.deletedSize, n.liveCount = used, deleted, live
}

func (t *Tree[K, V]) recomputeInner(n *node[K, V]) {
	used := 0
	for _, k := range n.keys {
		used += t.recLenInner(k)
	}
	n.usedBytes = used
}

// getValidSplitNode decides which half of a just-split pair owns key.
func (t *Tree[K, V]) getValidSplitNode(n, r *node[K, V], key K) *node[K, V] {
	if n.highKey != nil && t.cmp(key, *n.highKey) >= 0 {
		return r
	}
	return n
}

// splitAndRetryLeaf handles a leaf write/insert that reported kNeedSplit:
// it splits the leaf, routes the pending record into whichever half now
// owns it via insertFn, and pushes the new separator up through
// completeSplit.
func (t *Tree[K, V]) splitAndRetryLeaf(stack []*node[K, V], n *node[K, V], key K, insertFn func(target *node[K, V])) {
	r := t.halfSplit(n)
	target := t.getValidSplitNode(n, r, key)
	insertFn(target)
	sep := n.highKeyValue()
	n.UnlockX()
	r.UnlockX()
	t.recordSMO("split")
	t.completeSplit(stack, n, r, sep)
}

// tryRootSplit installs a fresh two-child root above lChild/rChild, but
// only if lChild is still the current root; a concurrent split elsewhere
// may have already promoted a new root above it.
func (t *Tree[K, V]) tryRootSplit(lChild, rChild *node[K, V], sepKey K) bool {
	if t.root.Load() != lChild {
		return false
	}
	newRoot := t.getNodePage(true)
	newRoot.id = t.nextID.Add(1)
	newRoot.keys = append(newRoot.keys, sepKey)
	newRoot.children = append(newRoot.children, lChild, rChild)
	t.recomputeInner(newRoot)
	if !t.root.CompareAndSwap(lChild, newRoot) {
		t.retireNode(newRoot)
		return false
	}
	t.recordSMO("root_split")
	t.logger.Debug("root split", zap.Uint64("new_root_id", newRoot.id))
	return true
}

// completeSplit walks the ancestor stack upward, inserting the
// lChild/rChild separator into each parent in turn and cascading into
// another split whenever a parent is itself full. It terminates either by
// completing an insertion cleanly or by installing a new root.
func (t *Tree[K, V]) completeSplit(stack []*node[K, V], lChild, rChild *node[K, V], sepKey K) {
	var p *node[K, V]
	for {
		if len(stack) == 0 && p == nil {
			if t.tryRootSplit(lChild, rChild, sepKey) {
				return
			}
			stack = t.searchParentNode(sepKey, rChild)
			continue
		}
		if p == nil {
			p = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		}
		p = t.checkKeyRangeAndLockForWrite(p, sepKey)

		rc := p.insertChild(t.cmp, sepKey, rChild, t.recLenInner(sepKey))
		if rc == kCompleted {
			p.UnlockX()
			return
		}

		// kNeedSplit: the parent is itself full; split it and recurse one
		// level up with the newly promoted pair.
		rNode := t.halfSplit(p)
		target := t.getValidSplitNode(p, rNode, sepKey)
		target.insertChildRaw(t.cmp, sepKey, rChild)
		newSep := p.highKeyValue()
		p.UnlockX()
		rNode.UnlockX()
		t.recordSMO("split")

		lChild, rChild, sepKey = p, rNode, newSep
		p = nil
	}
}

// getMergeableSiblingNode looks at lChild's right sibling and, if it
// exists and the two nodes' live records would fit in one page, returns
// it SIX-locked. It returns nil (releasing any lock it took) if there is
// no sibling or the combined size would not fit.
func (t *Tree[K, V]) getMergeableSiblingNode(l *node[K, V]) *node[K, V] {
	r := l.next.Load()
	if r == nil {
		return nil
	}
	r.LockSIX()
	combined := (l.usedBytes - l.deletedSize) + (r.usedBytes - r.deletedSize)
	if combined > t.cfg.PageSize-t.cfg.MinFreeSpaceSize {
		r.UnlockSIX()
		return nil
	}
	return r
}

// merge drives the cascading sibling-merge and parent-separator-removal
// protocol that follows a delete dropping a node below its fill
// threshold. lChild enters already SIX-locked; stack holds lChild's
// ancestors (lChild itself must already be popped by the caller, matching
// Delete's descent stack handling).
func (t *Tree[K, V]) merge(stack []*node[K, V], lChild *node[K, V]) {
	var p *node[K, V]
	for {
		rChild := t.getMergeableSiblingNode(lChild)
		if rChild == nil {
			lChild.UnlockSIX()
			return
		}
		delKey := lChild.highKeyValue()

		if len(stack) == 0 && p == nil {
			stack = t.searchParentNode(delKey, rChild)
			if len(stack) == 0 {
				// lChild has no ancestor at all: it is the root itself,
				// so there is no separator to remove at a parent.
				rChild.UnlockSIX()
				lChild.UpgradeSIXtoX()
				t.tryShrinkTree(lChild)
				return
			}
		}
		if p == nil {
			p = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		}

		p = t.checkKeyRangeAndLockForWrite(p, delKey)
		rc := p.deleteChild(t.cmp, delKey)

		switch rc {
		case kAbortMerge:
			p.UnlockX()
			lChild.UnlockSIX()
			rChild.UnlockSIX()
			return

		case kNeedRetry:
			p.UnlockX()
			rChild.UnlockSIX()
			t.recordRetry()
			t.retryWait()
			p = nil

		default: // kCompleted or kNeedMerge
			lChild.UpgradeSIXtoX()
			rChild.UpgradeSIXtoX()
			lChild.physicalMerge(t.cmp, rChild)
			t.retireNode(rChild)
			lChild.UnlockX()
			t.recordSMO("merge")

			if rc == kCompleted {
				p.UnlockX()
				return
			}
			if len(stack) == 0 {
				t.tryShrinkTree(p)
				return
			}
			p.commitAndDowngradeToSIX()
			lChild = p
			p = nil
		}
	}
}

// tryShrinkTree collapses single-child inner roots, retiring each
// discarded layer through the epoch reclaimer. n enters this call
// X-locked (as the current root); the loop's descent into the
// replacement root's child count is read without its own lock, mirroring
// the original design: no other writer can reach this exact point
// concurrently, since any competing root-shrink or root-split must first
// observe (and contend on) the same root pointer this call already holds.
func (t *Tree[K, V]) tryShrinkTree(n *node[K, V]) {
	locked := n
	if n == t.root.Load() && n.isInner && len(n.children) == 1 {
		for {
			t.retireNode(n)
			t.recordSMO("root_shrink")
			child := n.children[0]
			t.root.Store(child)
			t.logger.Debug("root shrunk", zap.Uint64("retired_root_id", n.id), zap.Uint64("new_root_id", child.id))
			n = child
			if !(n.isInner && len(n.children) == 1) {
				break
			}
		}
	}
	locked.UnlockX()
}
