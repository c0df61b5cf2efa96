package cbtree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildEntries(n int) []Entry[int, string] {
	entries := make([]Entry[int, string], n)
	for i := 0; i < n; i++ {
		entries[i] = Entry[int, string]{Key: i, Payload: fmt.Sprintf("v%d", i)}
	}
	return entries
}

func TestBulkloadRejectsEmpty(t *testing.T) {
	tr := newIntTree(t)
	assert.ErrorIs(t, tr.Bulkload(nil, 1), ErrBulkloadEmpty)
}

func TestBulkloadRejectsUnsorted(t *testing.T) {
	tr := newIntTree(t)
	entries := []Entry[int, string]{{Key: 2, Payload: "b"}, {Key: 1, Payload: "a"}}
	assert.ErrorIs(t, tr.Bulkload(entries, 1), ErrBulkloadNotSorted)
}

func TestBulkloadRejectsDuplicateKeys(t *testing.T) {
	tr := newIntTree(t)
	entries := []Entry[int, string]{{Key: 1, Payload: "a"}, {Key: 1, Payload: "b"}}
	assert.ErrorIs(t, tr.Bulkload(entries, 1), ErrBulkloadNotSorted)
}

func TestBulkloadSingleThreadThenLookupAndScan(t *testing.T) {
	tr := newIntTree(t)
	const n = 400
	entries := buildEntries(n)
	require.NoError(t, tr.Bulkload(entries, 1))

	for i := 0; i < n; i++ {
		payload, found, _ := tr.Read(i)
		require.True(t, found, "key %d missing after bulkload", i)
		assert.Equal(t, fmt.Sprintf("v%d", i), payload)
	}

	it := tr.Scan(nil, true, nil, false)
	defer it.Close()
	count := 0
	prev := -1
	for it.HasNext() {
		assert.Greater(t, it.Key(), prev)
		prev = it.Key()
		count++
		it.Next()
	}
	assert.Equal(t, n, count)
}

func TestBulkloadMultiThreadMatchesSingleThread(t *testing.T) {
	tr := newIntTree(t)
	const n = 1000
	entries := buildEntries(n)
	require.NoError(t, tr.Bulkload(entries, 4))

	for i := 0; i < n; i++ {
		payload, found, _ := tr.Read(i)
		require.True(t, found, "key %d missing after multi-thread bulkload", i)
		assert.Equal(t, fmt.Sprintf("v%d", i), payload)
	}

	it := tr.Scan(nil, true, nil, false)
	defer it.Close()
	count := 0
	prev := -1
	for it.HasNext() {
		assert.Greater(t, it.Key(), prev)
		prev = it.Key()
		count++
		it.Next()
	}
	assert.Equal(t, n, count)
}

// TestBulkloadMultiThreadUnevenChunksFullScan picks a worker count that
// does not evenly divide the entry count, so the last chunk builds a
// visibly shorter partial tree than its neighbors. Every key must still
// be reachable by both Read and a full-range scan; a missed height-pad
// would either truncate the scan partway through or panic while linking
// mismatched-height chunk subtrees.
func TestBulkloadMultiThreadUnevenChunksFullScan(t *testing.T) {
	tr := newIntTree(t)
	const n = 997
	entries := buildEntries(n)
	require.NoError(t, tr.Bulkload(entries, 11))

	for i := 0; i < n; i++ {
		payload, found, _ := tr.Read(i)
		require.True(t, found, "key %d missing after uneven-chunk bulkload", i)
		assert.Equal(t, fmt.Sprintf("v%d", i), payload)
	}

	keys := scanKeys(tr.Scan(nil, true, nil, false))
	require.Len(t, keys, n)
	for i, k := range keys {
		assert.Equal(t, i, k)
	}
}

func TestBulkloadThenFurtherWrites(t *testing.T) {
	tr := newIntTree(t)
	entries := buildEntries(200)
	require.NoError(t, tr.Bulkload(entries, 2))

	require.NoError(t, tr.Write(5000, "late"))
	payload, found, _ := tr.Read(5000)
	require.True(t, found)
	assert.Equal(t, "late", payload)

	require.NoError(t, tr.Delete(0))
	_, found, _ = tr.Read(0)
	assert.False(t, found)
}

func TestBulkloadScanWithRange(t *testing.T) {
	tr := newIntTree(t)
	entries := buildEntries(300)
	require.NoError(t, tr.Bulkload(entries, 1))

	begin, end := 50, 100
	it := tr.Scan(&begin, true, &end, false)
	defer it.Close()
	count := 0
	for it.HasNext() {
		k := it.Key()
		assert.GreaterOrEqual(t, k, begin)
		assert.Less(t, k, end)
		count++
		it.Next()
	}
	assert.Equal(t, end-begin, count)
}
