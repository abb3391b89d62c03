package index

import "fmt"

// Event describes a size transition observed on a read-only index's
// backing file.
type Event struct {
	Kind    string // "append" or "truncate"
	PrevLen uint32
	NewLen  uint32
}

// Refresh re-reads the current on-disk entry count of a read-only index
// and reports the transition, if any. Callers drive this from a directory
// watcher's size-change notifications; a read-only index never buffers
// writes of its own, so there is nothing to flush first.
func (ix *Index) Refresh() (Event, bool, error) {
	if ix.writable {
		return Event{}, false, fmt.Errorf("index: Refresh is only valid for a read-only index")
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	info, err := ix.file.Stat()
	if err != nil {
		return Event{}, false, fmt.Errorf("index: stat: %w", err)
	}
	recordsLen := info.Size() - int64(ix.headerSize)
	if recordsLen < 0 {
		return Event{}, false, CorruptIndex{IntactEntries: 0}
	}
	if recordsLen%int64(ix.entrySize) != 0 {
		return Event{}, false, CorruptIndex{IntactEntries: uint32(recordsLen / int64(ix.entrySize))}
	}

	newCount := uint32(recordsLen / int64(ix.entrySize))
	prev := ix.persistedCount
	if newCount == prev {
		return Event{}, false, nil
	}

	if newCount > prev {
		ix.entries = append(ix.entries, make([]Entry, newCount-prev)...)
		ix.loaded = append(ix.loaded, make([]bool, newCount-prev)...)
		ix.persistedCount = newCount
		return Event{Kind: "append", PrevLen: prev, NewLen: newCount}, true, nil
	}

	ix.entries = ix.entries[:newCount]
	ix.loaded = ix.loaded[:newCount]
	ix.persistedCount = newCount
	if ix.cursor > int(newCount) {
		ix.cursor = int(newCount)
	}
	return Event{Kind: "truncate", PrevLen: prev, NewLen: newCount}, true, nil
}
