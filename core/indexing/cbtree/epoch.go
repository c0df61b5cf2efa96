package cbtree

import (
	"sync"
	"time"
)

// Guard pins the epoch observed at creation time for the lifetime of a
// single tree operation. Every public Tree method creates one on entry and
// releases it on return (typically via defer), which is what lets the SMO
// code retire a detached node immediately instead of blocking on readers
// that might still be walking past it.
type Guard struct {
	once    sync.Once
	release func()
}

// Release ends the guard's pin. It is safe to call more than once; only the
// first call has an effect.
func (g *Guard) Release() {
	g.once.Do(g.release)
}

// EpochReclaimer is the page-lifetime contract a Tree relies on: a guard
// that marks "this goroutine may still be observing pages retired up to
// now", a retirement sink, and a reuse path so retired pages feed back into
// allocation instead of only ever growing the heap.
//
// No library anywhere in the retrieval pack offers hazard pointers or
// epoch-based reclamation, so this is a from-scratch, standard-library-only
// component; see DESIGN.md for the justification.
type EpochReclaimer[P any] interface {
	CreateGuard() *Guard
	AddGarbage(p P)
	TryReuse() (P, bool)
	Start()
	Stop()
}

// epochGC is the default EpochReclaimer. It tracks a monotonically
// increasing logical clock; every guard pins the clock value read at its
// creation, and every retired page is stamped with the clock value read at
// its retirement. A page retired at epoch r is safe to reuse once every
// currently active guard was created at an epoch strictly greater than r,
// since the unlink that preceded its retirement happens-before that point
// on the same logical clock.
//
// This is a conservative, whole-epoch-granularity scheme rather than a
// fully optimized 3-epoch rotation: reclaim() is O(active guards +
// garbage epochs), which is acceptable for an index structure whose
// bottleneck is lock contention, not GC bookkeeping.
type epochGC[P any] struct {
	mu       sync.Mutex
	clock    uint64
	active   map[uint64]int
	garbage  map[uint64][]P
	free     []P
	interval time.Duration
	stopCh   chan struct{}
}

// newEpochGC builds an epochGC that reclaims on the given interval when
// Start is called.
func newEpochGC[P any](interval time.Duration) *epochGC[P] {
	return &epochGC[P]{
		active:   make(map[uint64]int),
		garbage:  make(map[uint64][]P),
		interval: interval,
	}
}

func (e *epochGC[P]) CreateGuard() *Guard {
	e.mu.Lock()
	epoch := e.clock
	e.clock++
	e.active[epoch]++
	e.mu.Unlock()

	g := &Guard{}
	g.release = func() {
		e.mu.Lock()
		e.active[epoch]--
		if e.active[epoch] == 0 {
			delete(e.active, epoch)
		}
		e.mu.Unlock()
	}
	return g
}

func (e *epochGC[P]) AddGarbage(p P) {
	e.mu.Lock()
	epoch := e.clock
	e.garbage[epoch] = append(e.garbage[epoch], p)
	e.mu.Unlock()
}

// TryReuse pops a page that has cleared quarantine, if any are available.
func (e *epochGC[P]) TryReuse() (P, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.free) == 0 {
		var zero P
		return zero, false
	}
	p := e.free[len(e.free)-1]
	e.free = e.free[:len(e.free)-1]
	return p, true
}

// reclaim moves every garbage bucket older than the oldest active guard
// into the free list.
func (e *epochGC[P]) reclaim() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.active) == 0 {
		// No guard is pinning any epoch: every retired page, regardless of
		// when it was stamped, is vacuously safe to reuse.
		for epoch, pages := range e.garbage {
			e.free = append(e.free, pages...)
			delete(e.garbage, epoch)
		}
		return
	}
	minActive := e.clock
	for epoch := range e.active {
		if epoch < minActive {
			minActive = epoch
		}
	}
	for epoch, pages := range e.garbage {
		if epoch < minActive {
			e.free = append(e.free, pages...)
			delete(e.garbage, epoch)
		}
	}
}

// Start launches the background goroutine that periodically reclaims
// quarantined garbage. Start/Stop are not reentrant; callers own the
// Tree's single reclaimer instance.
func (e *epochGC[P]) Start() {
	e.stopCh = make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.reclaim()
			case <-e.stopCh:
				return
			}
		}
	}()
}

func (e *epochGC[P]) Stop() {
	if e.stopCh != nil {
		close(e.stopCh)
	}
}
