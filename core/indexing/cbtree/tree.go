// Package cbtree implements a concurrent, in-memory B+tree index: lock
// coupling with shared/SIX/exclusive node locks, epoch-based safe memory
// reclamation, cooperative split and merge structure-modification
// operations, a stable range-scan iterator, and a multi-threaded bulk
// loader.
package cbtree

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dbgroup-oss/cbtree/internal/treemetrics"
	"github.com/dbgroup-oss/cbtree/pkg/logger"
	"github.com/dbgroup-oss/cbtree/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Entry is a single key/payload pair, used by Bulkload.
type Entry[K any, V any] struct {
	Key     K
	Payload V
}

// NodeInfo reports the identity and version bracket observed by a Read, as
// an opaque handle embedders can use to validate that nothing touched the
// owning node between two operations, without exposing the node type
// itself.
type NodeInfo struct {
	NodeID        uint64
	VersionBefore uint64
	VersionAfter  uint64
}

// LevelStats summarizes one level of the tree, returned by
// CollectStatisticalData.
type LevelStats struct {
	Level         int
	NodeCount     int
	UsedBytes     int
	ReservedBytes int
}

// Tree is a concurrent B+tree index over keys K and payloads V.
type Tree[K any, V any] struct {
	cfg Config[K]
	cmp KeyOrder[K]

	root atomic.Pointer[node[K, V]]

	gc        *epochGC[*node[K, V]]
	allocator PageAllocator[*node[K, V]]
	nextID    atomic.Uint64

	logger  *zap.Logger
	metrics *treemetrics.TreeMetrics
	tracer  trace.Tracer
}

// Option configures a Tree at construction time.
type Option[K any, V any] func(*Tree[K, V])

// WithLogger attaches a zap.Logger; the default is zap.NewNop().
func WithLogger[K any, V any](l *zap.Logger) Option[K, V] {
	return func(t *Tree[K, V]) { t.logger = l }
}

// WithMeter wires an OpenTelemetry meter, registering the tree's operation
// and SMO instruments under it. The default is no metrics.
func WithMeter[K any, V any](m metric.Meter) Option[K, V] {
	return func(t *Tree[K, V]) {
		tm, err := treemetrics.New(m)
		if err == nil {
			t.metrics = tm
		}
	}
}

// WithTracer attaches an OpenTelemetry tracer used to emit a span around
// every Scan, the one operation long-lived enough to be worth tracing
// individually. Point operations (Read/Write/Insert/Update/Delete) are
// covered by the metrics set instead; the default tracer is nil, which
// Scan treats as "tracing disabled".
func WithTracer[K any, V any](tr trace.Tracer) Option[K, V] {
	return func(t *Tree[K, V]) { t.tracer = tr }
}

// WithLoggerConfig builds a zap.Logger via pkg/logger.New from cfg and
// attaches it, matching the teacher's own call style
// (`zlogger, _ := logger.New(logger.Config{...})`) of discarding a
// misconfigured level/output rather than failing construction over it.
func WithLoggerConfig[K any, V any](cfg logger.Config) Option[K, V] {
	return func(t *Tree[K, V]) {
		if l, err := logger.New(cfg); err == nil {
			t.logger = l
		}
	}
}

// WithTelemetryConfig builds the OpenTelemetry metrics/tracing stack via
// pkg/telemetry.New from cfg, returning the Option that wires the
// resulting meter and tracer into the Tree alongside the shutdown func
// the caller owns (to flush buffered telemetry on exit, e.g. alongside
// Tree.Close). Unlike WithLoggerConfig, a failure to build the telemetry
// resource or Prometheus exporter is returned rather than silently
// discarded. The /metrics listener is started in the background, so a
// failure to listen on the configured port is not returned here; it is
// reported through OpenTelemetry's global error handler.
func WithTelemetryConfig[K any, V any](cfg telemetry.Config) (Option[K, V], telemetry.ShutdownFunc, error) {
	tel, shutdown, err := telemetry.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	opt := func(t *Tree[K, V]) {
		if tm, err := treemetrics.New(tel.Meter); err == nil {
			t.metrics = tm
		}
		t.tracer = tel.Tracer
	}
	return opt, shutdown, nil
}

// New builds an empty Tree from the given Config and comparator.
func New[K any, V any](cfg Config[K], cmp KeyOrder[K], opts ...Option[K, V]) (*Tree[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tree[K, V]{
		cfg:       cfg,
		cmp:       cmp,
		gc:        newEpochGC[*node[K, V]](100 * time.Millisecond),
		allocator: newPoolAllocator(func() *node[K, V] { return &node[K, V]{} }),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	root := t.getNodePage(false)
	root.id = t.nextID.Add(1)
	t.root.Store(root)
	t.gc.Start()
	t.logger.Info("tree initialized", zap.Int("page_size", cfg.PageSize))
	return t, nil
}

// Close stops the background epoch reclaimer goroutine. It does not free
// any nodes; the Tree is unusable afterward.
func (t *Tree[K, V]) Close() {
	t.gc.Stop()
}

func (t *Tree[K, V]) retryWait() {
	time.Sleep(t.cfg.RetryWait)
}

func (t *Tree[K, V]) recordSMO(kind string) {
	if t.metrics == nil {
		return
	}
	t.metrics.SMOCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("smo", kind)))
}

func (t *Tree[K, V]) recordRetry() {
	if t.metrics == nil {
		return
	}
	t.metrics.RetryCounter.Add(context.Background(), 1)
}

// trackOp records an operation's start and, via the returned func, its
// completion and latency. Read, Write, Insert, Update and Delete defer the
// returned func at their top; Scan, Bulkload and CollectStatisticalData
// are not tracked. It is a no-op when no meter was configured.
func (t *Tree[K, V]) trackOp() func() {
	if t.metrics == nil {
		return func() {}
	}
	ctx := context.Background()
	t.metrics.OpsStartedCounter.Add(ctx, 1)
	start := time.Now()
	return func() {
		t.metrics.OpsCompletedCounter.Add(ctx, 1)
		t.metrics.OpLatencyHistogram.Record(ctx, time.Since(start).Microseconds())
	}
}

// searchLeafNode descends from the root to the leaf that would own key,
// without taking any locks, following sibling (next) pointers to recover
// from a concurrent split that moved the target past where a stale parent
// pointer expected it.
func (t *Tree[K, V]) searchLeafNode(key K) *node[K, V] {
	n := t.root.Load()
	for n.isInner {
		n = t.checkKeyRange(n, key)
		idx := n.childIndex(t.cmp, key)
		n = n.children[idx]
	}
	return t.checkKeyRange(n, key)
}

// searchLeftmostLeaf descends to the leftmost leaf, used to start a
// full-range scan.
func (t *Tree[K, V]) searchLeftmostLeaf() *node[K, V] {
	n := t.root.Load()
	for n.isInner {
		n = n.children[0]
	}
	return n
}

// searchLeafNodeForWrite descends from the root, building the ancestor
// stack a subsequent SMO cascade will need, and returns it with the target
// leaf as its last element. No locks are taken; the caller is responsible
// for locking (and re-validating key ownership of) the leaf once it has
// it, via checkKeyRangeAndLockForWrite.
func (t *Tree[K, V]) searchLeafNodeForWrite(key K) []*node[K, V] {
	stack := make([]*node[K, V], 0, t.cfg.ExpectedTreeHeight)
	n := t.root.Load()
	for n.isInner {
		stack = append(stack, n)
		idx := n.childIndex(t.cmp, key)
		n = n.children[idx]
	}
	stack = append(stack, n)
	return stack
}

// searchParentNode rebuilds an ancestor stack by descending from the root
// along key, stopping just above target (target itself is not pushed).
// It is used to repair a stack invalidated by an intervening root split,
// and by the merge path to locate the parent of a sibling discovered only
// after the original descent completed.
func (t *Tree[K, V]) searchParentNode(key K, target *node[K, V]) []*node[K, V] {
	stack := make([]*node[K, V], 0, t.cfg.ExpectedTreeHeight)
	n := t.root.Load()
	for n.isInner {
		n = t.checkKeyRange(n, key)
		if n == target {
			return stack
		}
		stack = append(stack, n)
		idx := n.childIndex(t.cmp, key)
		n = n.children[idx]
	}
	return stack
}

// checkKeyRange walks n forward via sibling pointers until it finds the
// node whose high key dominates key, without locking. It is used during
// lock-free descent, where a stale parent pointer may have been left
// behind by a concurrent split that has already completed at this level.
func (t *Tree[K, V]) checkKeyRange(n *node[K, V], key K) *node[K, V] {
	for n.highKey != nil && t.cmp(key, *n.highKey) >= 0 {
		next := n.next.Load()
		if next == nil {
			return n
		}
		n = next
	}
	return n
}

// checkKeyRangeAndLockForWrite is the write-path counterpart of
// checkKeyRange: it locks n exclusively, and if n's high key turns out not
// to dominate key (a split completed after n was chosen), it walks to
// n.next, locking it before releasing n, until it finds the true owner.
func (t *Tree[K, V]) checkKeyRangeAndLockForWrite(n *node[K, V], key K) *node[K, V] {
	n.LockX()
	for n.highKey != nil && t.cmp(key, *n.highKey) >= 0 {
		next := n.next.Load()
		if next == nil {
			return n
		}
		next.LockX()
		n.UnlockX()
		n = next
	}
	return n
}

// Read looks up key, returning its payload if present.
func (t *Tree[K, V]) Read(key K) (payload V, found bool, info NodeInfo) {
	defer t.trackOp()()
	guard := t.gc.CreateGuard()
	defer guard.Release()

	n := t.searchLeafNode(key)
	p, rc, version := n.read(t.cmp, key)
	return p, rc == kKeyAlreadyInserted, NodeInfo{NodeID: n.id, VersionBefore: version, VersionAfter: version}
}

// Write upserts key/payload, overwriting any existing value.
func (t *Tree[K, V]) Write(key K, payload V) error {
	defer t.trackOp()()
	guard := t.gc.CreateGuard()
	defer guard.Release()

	stack := t.searchLeafNodeForWrite(key)
	n := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	n = t.checkKeyRangeAndLockForWrite(n, key)

	rc := n.write(t.cmp, key, payload, t.recLenLeaf(key))
	if rc != kNeedSplit {
		n.UnlockX()
		return nil
	}
	t.splitAndRetryLeaf(stack, n, key, func(target *node[K, V]) {
		target.insertLeafAt(target.childIndex(t.cmp, key), key, payload, t.recLenLeaf(key))
	})
	return nil
}

// Insert adds key/payload only if key is absent. If key is already
// present, it returns ErrKeyExists along with the existing payload and the
// version observed at the moment of the check.
func (t *Tree[K, V]) Insert(key K, payload V) (existing V, info NodeInfo, err error) {
	defer t.trackOp()()
	guard := t.gc.CreateGuard()
	defer guard.Release()

	stack := t.searchLeafNodeForWrite(key)
	n := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	n = t.checkKeyRangeAndLockForWrite(n, key)

	exist, rc := n.insert(t.cmp, key, payload, t.recLenLeaf(key))
	switch rc {
	case kKeyAlreadyInserted:
		version := n.Version()
		id := n.id
		n.UnlockX()
		return exist, NodeInfo{NodeID: id, VersionBefore: version, VersionAfter: version}, ErrKeyExists
	case kCompleted:
		n.UnlockX()
		var zero V
		return zero, NodeInfo{}, nil
	}

	t.splitAndRetryLeaf(stack, n, key, func(target *node[K, V]) {
		target.insertLeafAt(target.childIndex(t.cmp, key), key, payload, t.recLenLeaf(key))
	})
	var zero V
	return zero, NodeInfo{}, nil
}

// Update overwrites an existing key's payload, returning ErrKeyNotExist if
// the key is absent.
func (t *Tree[K, V]) Update(key K, payload V) error {
	defer t.trackOp()()
	guard := t.gc.CreateGuard()
	defer guard.Release()

	n := t.searchLeafNode(key)
	n = t.checkKeyRangeAndLockForWrite(n, key)
	rc := n.update(t.cmp, key, payload)
	n.UnlockX()
	if rc == kKeyNotInserted {
		return ErrKeyNotExist
	}
	return nil
}

// Delete removes key, returning ErrKeyNotExist if it is absent. If the
// deletion drops the owning leaf below its fill threshold, Delete
// attempts to merge it with a sibling and, transitively, shrink the tree.
func (t *Tree[K, V]) Delete(key K) error {
	defer t.trackOp()()
	guard := t.gc.CreateGuard()
	defer guard.Release()

	stack := t.searchLeafNodeForWrite(key)
	n := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	n = t.checkKeyRangeAndLockForWrite(n, key)

	rc := n.delete(t.cmp, key, t.recLenLeaf(key))
	switch rc {
	case kKeyNotInserted:
		n.UnlockX()
		return ErrKeyNotExist
	case kNeedMerge:
		n.commitAndDowngradeToSIX()
		t.merge(stack, n)
		return nil
	default:
		n.UnlockX()
		return nil
	}
}

// CollectStatisticalData walks the tree once, lock-free, and reports per
// level node counts and space utilization. It is a diagnostic, not a
// point-in-time-consistent snapshot under concurrent writers.
func (t *Tree[K, V]) CollectStatisticalData() []LevelStats {
	guard := t.gc.CreateGuard()
	defer guard.Release()

	var levels []LevelStats
	level := 0
	frontier := []*node[K, V]{t.root.Load()}
	for len(frontier) > 0 {
		stat := LevelStats{Level: level, ReservedBytes: t.cfg.PageSize * len(frontier)}
		var next []*node[K, V]
		for _, n := range frontier {
			stat.NodeCount++
			stat.UsedBytes += n.usedBytes
			if n.isInner {
				next = append(next, n.children...)
			}
		}
		levels = append(levels, stat)
		frontier = next
		level++
	}
	return levels
}
