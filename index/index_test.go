package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, opts *Options) (*Index, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "primary.index")
	ix, err := Open(path, true, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix, path
}

func addEntries(t *testing.T, ix *Index, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, ix.Add(Entry{
			Number:    uint32(i),
			Position:  uint32(i * 100),
			Size:      uint32(i),
			Partition: 1,
		}, nil))
	}
	require.NoError(t, ix.Flush())
}

func TestAddGetRoundTrip(t *testing.T) {
	ix, _ := newTestIndex(t, nil)
	addEntries(t, ix, 10)

	require.EqualValues(t, 10, ix.Length())
	e, ok, err := ix.Get(5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Entry{Number: 5, Position: 500, Size: 5, Partition: 1}, e)
}

func TestGetNegativeIndexWrapsFromEnd(t *testing.T) {
	ix, _ := newTestIndex(t, nil)
	addEntries(t, ix, 10)

	last, ok, err := ix.Get(-1)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 10, last.Number)

	third, ok, err := ix.Get(-3)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 8, third.Number)
}

func TestGetOutOfRange(t *testing.T) {
	ix, _ := newTestIndex(t, nil)
	addEntries(t, ix, 3)

	_, ok, err := ix.Get(4)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = ix.Get(0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRangeForwardAndOutOfBounds(t *testing.T) {
	ix, _ := newTestIndex(t, nil)
	addEntries(t, ix, 10)

	entries, ok, err := ix.Range(2, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, entries, 4)
	require.EqualValues(t, 2, entries[0].Number)
	require.EqualValues(t, 5, entries[3].Number)

	_, ok, err = ix.Range(5, 20)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = ix.Range(8, 2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindBinarySearch(t *testing.T) {
	ix, _ := newTestIndex(t, nil)
	// numbers 10,20,30,...,100 (sparse, as a secondary index would be)
	for i := 1; i <= 10; i++ {
		require.NoError(t, ix.Add(Entry{Number: uint32(i * 10), Position: uint32(i), Size: 1, Partition: 1}, nil))
	}
	require.NoError(t, ix.Flush())

	pos, err := ix.Find(35, false)
	require.NoError(t, err)
	require.EqualValues(t, 3, pos) // entry 3 has Number 30, the largest <= 35

	pos, err = ix.Find(35, true)
	require.NoError(t, err)
	require.EqualValues(t, 4, pos) // entry 4 has Number 40, the smallest >= 35

	pos, err = ix.Find(5, false)
	require.NoError(t, err)
	require.EqualValues(t, 0, pos) // nothing <= 5

	pos, err = ix.Find(1000, true)
	require.NoError(t, err)
	require.EqualValues(t, 0, pos) // nothing >= 1000
}

func TestTruncateIsIdempotent(t *testing.T) {
	ix, _ := newTestIndex(t, nil)
	addEntries(t, ix, 10)

	require.NoError(t, ix.Truncate(4))
	require.EqualValues(t, 4, ix.Length())

	require.NoError(t, ix.Truncate(4))
	require.EqualValues(t, 4, ix.Length())

	last, ok, err := ix.LastEntry()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 4, last.Number)
}

func TestEntryClassMismatchOnReopen(t *testing.T) {
	_, path := newTestIndex(t, nil)

	// Same size, different declared name: should fail the class check.
	_, err := Open(path, true, &Options{Codec: renamedCodec{}})
	require.ErrorIs(t, err, ErrEntryClassMismatch)
}

type renamedCodec struct{ DefaultEntryCodec }

func (renamedCodec) Name() string { return "renamed" }

func TestReadOnlyRefreshDetectsAppendAndTruncate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "primary.index")

	writer, err := Open(path, true, nil)
	require.NoError(t, err)
	addEntries(t, writer, 5)

	reader, err := Open(path, false, nil)
	require.NoError(t, err)
	defer reader.Close()
	require.EqualValues(t, 5, reader.Length())

	addEntries(t, writer, 3)
	ev, changed, err := reader.Refresh()
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "append", ev.Kind)
	require.EqualValues(t, 5, ev.PrevLen)
	require.EqualValues(t, 8, ev.NewLen)

	require.NoError(t, writer.Truncate(2))
	ev, changed, err = reader.Refresh()
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "truncate", ev.Kind)
	require.EqualValues(t, 8, ev.PrevLen)
	require.EqualValues(t, 2, ev.NewLen)

	require.NoError(t, writer.Close())
}
