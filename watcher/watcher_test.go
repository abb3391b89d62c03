package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherReceivesWriteEvents(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "storage.part-0")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	w, err := New(target, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(target, []byte("xy"), 0o644))

	select {
	case ev := <-w.Events():
		require.Equal(t, "storage.part-0", filepath.Base(ev.Name))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write event")
	}
}

func TestWatcherFiltersOutOtherFiles(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "storage.part-0")
	other := filepath.Join(dir, "storage.part-1")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	w, err := New(target, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(other, []byte("xy"), 0o644))
	require.NoError(t, os.WriteFile(target, []byte("xy"), 0o644))

	select {
	case ev := <-w.Events():
		require.Equal(t, "storage.part-0", filepath.Base(ev.Name))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write event")
	}
}

func TestSharedDirectoryWatcherRefCounting(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "storage.part-0")
	b := filepath.Join(dir, "storage.part-1")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("x"), 0o644))

	wa, err := New(a, nil)
	require.NoError(t, err)
	wb, err := New(b, nil)
	require.NoError(t, err)

	registry.Lock()
	_, ok := registry.byDir[dir]
	registry.Unlock()
	require.True(t, ok)

	require.NoError(t, wa.Close())

	registry.Lock()
	_, stillOpen := registry.byDir[dir]
	registry.Unlock()
	require.True(t, stillOpen, "directory watch should survive while one subscriber remains")

	require.NoError(t, wb.Close())

	registry.Lock()
	_, gone := registry.byDir[dir]
	registry.Unlock()
	require.False(t, gone, "directory watch should be released once all subscribers close")
}
