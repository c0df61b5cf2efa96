package cbtree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpochGCReclaimsAfterGuardsRelease(t *testing.T) {
	gc := newEpochGC[int](5 * time.Millisecond)
	gc.Start()
	defer gc.Stop()

	g := gc.CreateGuard()
	gc.AddGarbage(1)
	gc.AddGarbage(2)
	g.Release()

	require.Eventually(t, func() bool {
		_, ok := gc.TryReuse()
		return ok
	}, time.Second, time.Millisecond)
}

func TestEpochGCHoldsGarbageWhileGuardActive(t *testing.T) {
	gc := newEpochGC[int](5 * time.Millisecond)
	gc.Start()
	defer gc.Stop()

	g := gc.CreateGuard()
	gc.AddGarbage(99)

	time.Sleep(50 * time.Millisecond)
	_, ok := gc.TryReuse()
	assert.False(t, ok, "garbage added while a guard is active must not be reclaimed yet")

	g.Release()
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	gc := newEpochGC[int](5 * time.Millisecond)
	gc.Start()
	defer gc.Stop()

	g := gc.CreateGuard()
	g.Release()
	assert.NotPanics(t, func() { g.Release() })
}

func TestPoolAllocatorAllocatesDistinctValues(t *testing.T) {
	type box struct{ v int }
	n := 0
	alloc := newPoolAllocator(func() *box {
		n++
		return &box{v: n}
	})
	a := alloc.Allocate()
	b := alloc.Allocate()
	assert.NotSame(t, a, b)
}
