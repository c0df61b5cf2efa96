package cbtree

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dbgroup-oss/cbtree/pkg/logger"
	"github.com/dbgroup-oss/cbtree/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// smallConfig returns a Config with a tiny page size so that ordinary
// tests exercise splits and merges with only a handful of keys, instead
// of needing thousands of inserts to trigger a single SMO.
func smallConfig() Config[int] {
	return Config[int]{
		PageSize:           256,
		MaxVarLenDataSize:  16,
		MinFreeSpaceSize:   32,
		MinUsedSpaceSize:   85,
		RetryWait:          1,
		ExpectedTreeHeight: 4,
		KeyLen:             func(int) int { return 8 },
		PayloadLen:         8,
	}
}

func newIntTree(t *testing.T) *Tree[int, string] {
	t.Helper()
	cfg := smallConfig()
	require.NoError(t, cfg.Validate())
	tr, err := New[int, string](cfg, DefaultKeyOrder[int]())
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig[int]()
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.PageSize = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad2 := cfg
	bad2.MinUsedSpaceSize = cfg.PageSize
	assert.ErrorIs(t, bad2.Validate(), ErrInvalidConfig)
}

func TestReadMissingKey(t *testing.T) {
	tr := newIntTree(t)
	_, found, _ := tr.Read(42)
	assert.False(t, found)
}

func TestWriteThenRead(t *testing.T) {
	tr := newIntTree(t)
	require.NoError(t, tr.Write(1, "one"))
	payload, found, _ := tr.Read(1)
	require.True(t, found)
	assert.Equal(t, "one", payload)
}

func TestWriteOverwritesExisting(t *testing.T) {
	tr := newIntTree(t)
	require.NoError(t, tr.Write(1, "one"))
	require.NoError(t, tr.Write(1, "uno"))
	payload, found, _ := tr.Read(1)
	require.True(t, found)
	assert.Equal(t, "uno", payload)
}

func TestInsertReportsExistingPayloadAndVersion(t *testing.T) {
	tr := newIntTree(t)
	require.NoError(t, tr.Write(7, "seven"))

	existing, info, err := tr.Insert(7, "sieben")
	assert.ErrorIs(t, err, ErrKeyExists)
	assert.Equal(t, "seven", existing)
	assert.NotZero(t, info.NodeID)
	assert.NotZero(t, info.VersionBefore)
	assert.Equal(t, info.VersionBefore, info.VersionAfter)

	// the payload must be unchanged by the failed insert
	payload, found, _ := tr.Read(7)
	require.True(t, found)
	assert.Equal(t, "seven", payload)
}

func TestInsertNewKeySucceeds(t *testing.T) {
	tr := newIntTree(t)
	_, _, err := tr.Insert(3, "three")
	assert.NoError(t, err)
	payload, found, _ := tr.Read(3)
	require.True(t, found)
	assert.Equal(t, "three", payload)
}

func TestUpdateMissingKey(t *testing.T) {
	tr := newIntTree(t)
	err := tr.Update(99, "nope")
	assert.ErrorIs(t, err, ErrKeyNotExist)
}

func TestUpdateExistingKey(t *testing.T) {
	tr := newIntTree(t)
	require.NoError(t, tr.Write(5, "five"))
	require.NoError(t, tr.Update(5, "V"))
	payload, found, _ := tr.Read(5)
	require.True(t, found)
	assert.Equal(t, "V", payload)
}

func TestDeleteMissingKey(t *testing.T) {
	tr := newIntTree(t)
	assert.ErrorIs(t, tr.Delete(123), ErrKeyNotExist)
}

func TestDeleteThenReadAbsent(t *testing.T) {
	tr := newIntTree(t)
	require.NoError(t, tr.Write(8, "eight"))
	require.NoError(t, tr.Delete(8))
	_, found, _ := tr.Read(8)
	assert.False(t, found)
}

func TestDeleteThenReinsertSameKey(t *testing.T) {
	tr := newIntTree(t)
	require.NoError(t, tr.Write(8, "eight"))
	require.NoError(t, tr.Delete(8))
	_, _, err := tr.Insert(8, "huit")
	require.NoError(t, err)
	payload, found, _ := tr.Read(8)
	require.True(t, found)
	assert.Equal(t, "huit", payload)
}

// TestSplitCascade inserts enough keys into a small-paged tree to force
// repeated leaf splits and at least one inner split, then verifies every
// key is still reachable by both Read and a full-range scan.
func TestSplitCascade(t *testing.T) {
	tr := newIntTree(t)
	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Write(i, fmt.Sprintf("v%d", i)))
	}
	for i := 0; i < n; i++ {
		payload, found, _ := tr.Read(i)
		require.True(t, found, "key %d missing after split cascade", i)
		assert.Equal(t, fmt.Sprintf("v%d", i), payload)
	}

	it := tr.Scan(nil, true, nil, false)
	defer it.Close()
	count := 0
	prev := -1
	for it.HasNext() {
		k := it.Key()
		assert.Greater(t, k, prev)
		prev = k
		count++
		it.Next()
	}
	assert.Equal(t, n, count)

	stats := tr.CollectStatisticalData()
	require.NotEmpty(t, stats)
	assert.Greater(t, len(stats), 1, "expected more than one level after a split cascade")
}

// TestMergeAndShrink deletes almost every key back out of a tree that was
// grown large enough to have multiple levels, and checks that the
// remaining keys are all still reachable (merges/root-shrinks must never
// lose live data).
func TestMergeAndShrink(t *testing.T) {
	tr := newIntTree(t)
	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Write(i, fmt.Sprintf("v%d", i)))
	}
	for i := 0; i < n; i++ {
		if i%10 == 0 {
			continue // leave every 10th key behind
		}
		require.NoError(t, tr.Delete(i))
	}
	for i := 0; i < n; i++ {
		payload, found, _ := tr.Read(i)
		if i%10 == 0 {
			require.True(t, found, "key %d should have survived", i)
			assert.Equal(t, fmt.Sprintf("v%d", i), payload)
		} else {
			assert.False(t, found, "key %d should have been deleted", i)
		}
	}
}

// TestConcurrentInsertAndScan exercises concurrent writers and a reader
// scanning the tree at the same time: the scan must never observe a torn
// record or panic, even while splits are happening underneath it.
func TestConcurrentInsertAndScan(t *testing.T) {
	tr := newIntTree(t)
	const writers = 8
	const perWriter = 200

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		w := w
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := w*perWriter + i
				require.NoError(t, tr.Write(key, fmt.Sprintf("w%dv%d", w, i)))
			}
		}()
	}

	done := make(chan struct{})
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		for {
			select {
			case <-done:
				return
			default:
			}
			it := tr.Scan(nil, true, nil, false)
			prev := -1
			for it.HasNext() {
				k := it.Key()
				assert.GreaterOrEqual(t, k, prev)
				prev = k
				it.Next()
			}
			it.Close()
		}
	}()

	wg.Wait()
	close(done)
	<-scanned

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := w*perWriter + i
			payload, found, _ := tr.Read(key)
			require.True(t, found)
			assert.Equal(t, fmt.Sprintf("w%dv%d", w, i), payload)
		}
	}
}

// TestIteratorStabilityUnderConcurrentDelete starts a scan over a
// populated tree, then deletes every key in the scanned range from
// another goroutine. The iterator, having already taken its shared lock
// chain, must still complete without error (it may or may not observe
// records deleted after it passed them, but it must never panic or
// double-return a retired node's memory).
func TestIteratorStabilityUnderConcurrentDelete(t *testing.T) {
	tr := newIntTree(t)
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Write(i, fmt.Sprintf("v%d", i)))
	}

	it := tr.Scan(nil, true, nil, false)
	defer it.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = tr.Delete(i)
		}
	}()

	count := 0
	for it.HasNext() {
		count++
		it.Next()
	}
	wg.Wait()
	assert.LessOrEqual(t, count, n)
}

func scanKeys(it *ScanIterator[int, string]) []int {
	var keys []int
	for it.HasNext() {
		keys = append(keys, it.Key())
		it.Next()
	}
	it.Close()
	return keys
}

func TestScanBeginInclusiveVsExclusive(t *testing.T) {
	tr := newIntTree(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Write(i, fmt.Sprintf("v%d", i)))
	}

	begin := 5
	assert.Equal(t, []int{5, 6, 7, 8, 9}, scanKeys(tr.Scan(&begin, true, nil, false)))
	assert.Equal(t, []int{6, 7, 8, 9}, scanKeys(tr.Scan(&begin, false, nil, false)))
}

func TestScanEndInclusiveVsExclusive(t *testing.T) {
	tr := newIntTree(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Write(i, fmt.Sprintf("v%d", i)))
	}

	end := 5
	assert.Equal(t, []int{0, 1, 2, 3, 4}, scanKeys(tr.Scan(nil, true, &end, false)))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, scanKeys(tr.Scan(nil, true, &end, true)))
}

// TestScanBeginEqualsEnd covers spec.md §8's "scan with begin=end" boundary
// case: with both bounds inclusive and pointing at the same present key,
// exactly that one record must be returned; with either bound exclusive,
// the range is empty.
func TestScanBeginEqualsEnd(t *testing.T) {
	tr := newIntTree(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Write(i, fmt.Sprintf("v%d", i)))
	}

	k := 4
	assert.Equal(t, []int{4}, scanKeys(tr.Scan(&k, true, &k, true)))
	assert.Empty(t, scanKeys(tr.Scan(&k, false, &k, true)))
	assert.Empty(t, scanKeys(tr.Scan(&k, true, &k, false)))
}

func TestTreeWithMeterAndTracerOptions(t *testing.T) {
	cfg := smallConfig()
	require.NoError(t, cfg.Validate())
	meter := noop.NewMeterProvider().Meter("cbtree_test")
	tracer := nooptrace.NewTracerProvider().Tracer("cbtree_test")

	tr, err := New[int, string](cfg, DefaultKeyOrder[int](),
		WithMeter[int, string](meter), WithTracer[int, string](tracer))
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Write(1, "one"))
	payload, found, _ := tr.Read(1)
	require.True(t, found)
	assert.Equal(t, "one", payload)

	it := tr.Scan(nil, true, nil, false)
	for it.HasNext() {
		it.Next()
	}
	it.Close()
}

// TestTreeWithLoggerAndTelemetryConfig exercises the Config-driven
// constructors that wrap pkg/logger and pkg/telemetry, rather than the raw
// zap.Logger/otel options above. Telemetry is left disabled so New doesn't
// start a real Prometheus listener.
func TestTreeWithLoggerAndTelemetryConfig(t *testing.T) {
	cfg := smallConfig()
	require.NoError(t, cfg.Validate())

	telOpt, shutdown, err := WithTelemetryConfig[int, string](telemetry.Config{Enabled: false})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	tr, err := New[int, string](cfg, DefaultKeyOrder[int](),
		WithLoggerConfig[int, string](logger.Config{Level: "info", OutputFile: "stdout"}),
		telOpt)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Write(1, "one"))
	payload, found, _ := tr.Read(1)
	require.True(t, found)
	assert.Equal(t, "one", payload)
}

func TestGetPreviousVersion(t *testing.T) {
	v := uint64(5) << 18
	prev := GetPreviousVersion(v)
	assert.Equal(t, uint64(4)<<18, prev)
}
