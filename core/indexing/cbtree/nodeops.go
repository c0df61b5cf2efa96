package cbtree

// nodeRC is the outcome of a node-level mutation. It never crosses the
// package boundary; Tree-level operations translate it into an error or a
// continued SMO.
type nodeRC int

const (
	kCompleted nodeRC = iota
	kKeyAlreadyInserted
	kKeyNotInserted
	kNeedSplit
	kNeedMerge
	kAbortMerge
	kNeedRetry
)

// recLenLeaf estimates the directory-accounted size of a leaf record for
// the given key.
func (t *Tree[K, V]) recLenLeaf(key K) int {
	return t.cfg.KeyLen(key) + t.cfg.PayloadLen + recordMetaLen
}

// recLenInner estimates the directory-accounted size of an inner record
// (a separator key plus a child pointer) for the given key.
func (t *Tree[K, V]) recLenInner(key K) int {
	return t.cfg.KeyLen(key) + childPtrLen + recordMetaLen
}

// needsSplit reports whether adding addBytes more to this node would leave
// fewer than MinFreeSpaceSize bytes free.
func (n *node[K, V]) needsSplit(addBytes int) bool {
	cfg := &n.tree.cfg
	return n.usedBytes+addBytes > cfg.PageSize-cfg.MinFreeSpaceSize
}

// underflowed reports whether this node has fallen below the merge
// threshold, accounting for space occupied by tombstoned records.
func (n *node[K, V]) underflowed() bool {
	return n.usedBytes-n.deletedSize < n.tree.cfg.MinUsedSpaceSize
}

// read performs a lock-free, version-validated point lookup. It retries
// internally until the two version snapshots agree.
func (n *node[K, V]) read(cmp KeyOrder[K], key K) (payload V, rc nodeRC, version uint64) {
	for {
		before := n.verLock.Load()
		if isXLocked(before) {
			continue
		}
		idx, found := n.searchPos(cmp, key)
		var p V
		var code nodeRC
		if found && !n.isTombstoned(idx) {
			p = n.payloads[idx]
			code = kKeyAlreadyInserted
		} else {
			code = kKeyNotInserted
		}
		after := n.verLock.Load()
		if before != after {
			continue
		}
		return p, code, rawVersion(before)
	}
}

// write upserts key/payload. The caller must hold X. Returns kNeedSplit
// without mutating anything if the record would not fit.
func (n *node[K, V]) write(cmp KeyOrder[K], key K, payload V, recLen int) nodeRC {
	idx, found := n.searchPos(cmp, key)
	if found {
		if n.isTombstoned(idx) {
			n.setTombstone(idx, false)
			n.liveCount++
			n.deletedSize -= recLen
		}
		n.payloads[idx] = payload
		return kCompleted
	}
	if n.needsSplit(recLen) {
		return kNeedSplit
	}
	n.insertLeafAt(idx, key, payload, recLen)
	return kCompleted
}

// insertLeafAt physically inserts a new leaf record at idx, shifting
// later entries right. It never checks needsSplit; callers must have
// already confirmed the record fits.
func (n *node[K, V]) insertLeafAt(idx int, key K, payload V, recLen int) {
	n.keys = append(n.keys, key)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.payloads = append(n.payloads, payload)
	copy(n.payloads[idx+1:], n.payloads[idx:])
	n.payloads[idx] = payload

	n.tomb = append(n.tomb, 0)
	copy(n.tomb[idx+1:], n.tomb[idx:])
	n.tomb[idx] = 0

	n.liveCount++
	n.usedBytes += recLen
}

// insert is the Insert-path node mutation: unlike write, it refuses to
// overwrite an existing live record.
func (n *node[K, V]) insert(cmp KeyOrder[K], key K, payload V, recLen int) (existing V, rc nodeRC) {
	idx, found := n.searchPos(cmp, key)
	if found && !n.isTombstoned(idx) {
		return n.payloads[idx], kKeyAlreadyInserted
	}
	if found {
		// Tombstoned slot: resurrect in place, no split risk since the
		// slot already exists.
		n.setTombstone(idx, false)
		n.liveCount++
		n.deletedSize -= recLen
		n.payloads[idx] = payload
		var zero V
		return zero, kCompleted
	}
	if n.needsSplit(recLen) {
		var zero V
		return zero, kNeedSplit
	}
	n.insertLeafAt(idx, key, payload, recLen)
	var zero V
	return zero, kCompleted
}

// update overwrites an existing live record's payload; it never splits.
func (n *node[K, V]) update(cmp KeyOrder[K], key K, payload V) nodeRC {
	idx, found := n.searchPos(cmp, key)
	if !found || n.isTombstoned(idx) {
		return kKeyNotInserted
	}
	n.payloads[idx] = payload
	return kCompleted
}

// delete tombstones a live record. The caller must hold X (liveCount and
// deletedSize bookkeeping is not individually atomic). Returns kNeedMerge
// if this drops the node below the fill threshold.
func (n *node[K, V]) delete(cmp KeyOrder[K], key K, recLen int) nodeRC {
	idx, found := n.searchPos(cmp, key)
	if !found || n.isTombstoned(idx) {
		return kKeyNotInserted
	}
	n.setTombstone(idx, true)
	n.liveCount--
	n.deletedSize += recLen
	if n.underflowed() {
		return kNeedMerge
	}
	return kCompleted
}

// insertChild physically inserts a new separator/child pair into an inner
// node. The caller must hold X. Returns kNeedSplit without mutating
// anything if the record would not fit.
func (n *node[K, V]) insertChild(cmp KeyOrder[K], sepKey K, child *node[K, V], recLen int) nodeRC {
	if n.needsSplit(recLen) {
		return kNeedSplit
	}
	n.insertChildRaw(cmp, sepKey, child)
	return kCompleted
}

// insertChildRaw inserts the pair unconditionally, used both by
// insertChild and by the post-split raw insert (where fit was already
// checked against the correct target half).
func (n *node[K, V]) insertChildRaw(cmp KeyOrder[K], sepKey K, child *node[K, V]) {
	idx := n.childIndex(cmp, sepKey)

	n.keys = append(n.keys, sepKey)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = sepKey

	n.children = append(n.children, nil)
	copy(n.children[idx+2:], n.children[idx+1:])
	n.children[idx+1] = child

	n.usedBytes += n.tree.recLenInner(sepKey)
}

// deleteChild removes the separator/child pair whose separator equals
// delKey. It re-validates that delKey still names an actual boundary in
// this node before committing, since time has passed since
// GetMergeableSiblingNode first ran; a concurrent SMO elsewhere may have
// invalidated it, in which case it aborts the merge rather than removing
// a stale entry.
func (n *node[K, V]) deleteChild(cmp KeyOrder[K], delKey K) nodeRC {
	idx := n.childIndex(cmp, delKey) - 1
	if idx < 0 || idx >= len(n.keys) || cmp(n.keys[idx], delKey) != 0 {
		return kAbortMerge
	}
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.children = append(n.children[:idx+1], n.children[idx+2:]...)
	n.usedBytes -= n.tree.recLenInner(delKey)
	if n.underflowed() && n.recordCount() > 1 {
		return kNeedMerge
	}
	return kCompleted
}

// physicalMerge absorbs r's live records into n in place. The caller must
// hold X on both n and r. n must be r's immediate left sibling.
func (n *node[K, V]) physicalMerge(cmp KeyOrder[K], r *node[K, V]) {
	if n.isInner {
		sep := r.leftmostKey()
		n.keys = append(n.keys, sep)
		n.keys = append(n.keys, r.keys...)
		n.children = append(n.children, r.children...)
		n.usedBytes += r.usedBytes + n.tree.recLenInner(sep)
	} else {
		n.keys = append(n.keys, r.keys...)
		n.payloads = append(n.payloads, r.payloads...)
		n.tomb = append(n.tomb, r.tomb...)
		n.liveCount += r.liveCount
		n.deletedSize += r.deletedSize
		n.usedBytes += r.usedBytes
	}
	n.highKey = r.highKey
	next := r.next.Load()
	n.next.Store(next)
	if next != nil {
		next.prev.Store(n)
	}
}

// leftmostKey returns the first record key of the leftmost leaf under n,
// descending its leftmost spine (n itself when n is a leaf). Used as the
// separator that accompanies a merged-in right sibling's subtree and as
// the separator/high key when bulkload links a new level.
func (n *node[K, V]) leftmostKey() K {
	cur := n
	for cur.isInner {
		cur = cur.children[0]
	}
	return cur.keys[0]
}
