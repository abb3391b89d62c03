package filecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenSharesHandleForSameName(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "partition-a")
	require.NoError(t, os.WriteFile(name, []byte("data"), 0o644))

	c := New(2)
	f1, err := c.Open(name)
	require.NoError(t, err)
	f2, err := c.Open(name)
	require.NoError(t, err)
	require.Same(t, f1, f2)

	require.NoError(t, c.Close(f1))
	require.NoError(t, c.Close(f2))
	require.Equal(t, 1, c.Len())
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	names := make([]string, 3)
	for i := range names {
		names[i] = filepath.Join(dir, string(rune('a'+i)))
		require.NoError(t, os.WriteFile(names[i], nil, 0o644))
	}

	c := New(2)
	fa, err := c.Open(names[0])
	require.NoError(t, err)
	require.NoError(t, c.Close(fa))

	fb, err := c.Open(names[1])
	require.NoError(t, err)
	require.NoError(t, c.Close(fb))

	require.Equal(t, 2, c.Len())

	// Opening a third distinct file evicts the least recently used (a).
	fc, err := c.Open(names[2])
	require.NoError(t, err)
	require.NoError(t, c.Close(fc))
	require.Equal(t, 2, c.Len())

	// a should have actually been closed; writing to it should fail.
	_, err = fa.WriteAt([]byte("x"), 0)
	require.Error(t, err)
}

func TestCloseAfterEvictionStillClosesFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	c2 := filepath.Join(dir, "c")
	for _, n := range []string{a, b, c2} {
		require.NoError(t, os.WriteFile(n, nil, 0o644))
	}

	c := New(1)
	fa, err := c.Open(a)
	require.NoError(t, err)
	// fa stays referenced (not yet Closed) while b is opened and evicts it.
	_, err = c.Open(b)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	// fa was evicted from the cache but still has an outstanding reference,
	// so Close must still close it for real rather than erroring.
	require.NoError(t, c.Close(fa))
	require.Error(t, fa.Close())
}

func TestZeroCapacityBypassesCache(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(name, nil, 0o644))

	c := New(0)
	f1, err := c.Open(name)
	require.NoError(t, err)
	f2, err := c.Open(name)
	require.NoError(t, err)
	require.NotSame(t, f1, f2)
	require.Zero(t, c.Len())

	require.NoError(t, c.Close(f1))
	require.NoError(t, c.Close(f2))
}

func TestDoubleCloseAfterRemoveErrors(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(name, nil, 0o644))

	c := New(2)
	f, err := c.Open(name)
	require.NoError(t, err)
	c.Remove(name)
	require.NoError(t, c.Close(f))
	err = c.Close(f)
	require.ErrorContains(t, err, os.ErrClosed.Error())
}

func TestStatsCountsHitsAndMisses(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(name, nil, 0o644))

	c := New(2)
	f1, err := c.Open(name)
	require.NoError(t, err)
	_, err = c.Open(name)
	require.NoError(t, err)

	hits, misses, items, capacity := c.Stats()
	require.Equal(t, 1, hits)
	require.Equal(t, 1, misses)
	require.Equal(t, 1, items)
	require.Equal(t, 2, capacity)

	require.NoError(t, c.Close(f1))
}
