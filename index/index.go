// Package index implements a compact append-only fixed-record file
// mapping positional access and binary search by entry sequence number.
// Grounded on the teacher's store/index package (compactindex-backed
// secondary lookups with an in-memory front for hot entries) and on
// compactindexsized's header framing, adapted from that package's
// hash-bucket lookup structure to this format's simpler linear,
// binary-searchable entry log.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/nesdb/nescore/internal/fileheader"
)

var log = logging.Logger("nescore/index")

// Magic is the 8-byte file magic for index files.
var Magic = fileheader.Magic{'n', 'e', 's', 'i', 'd', 'x', '0', '1'}
var magicFamily = Magic.Family()

const defaultMaxWriteBufferEntries = 256

// Metadata is the JSON block stored in an index file's header.
type Metadata struct {
	EntryClass string          `json:"entryClass"`
	EntrySize  int             `json:"entrySize"`
	Matcher    json.RawMessage `json:"matcher,omitempty"`
	Extra      map[string]any  `json:"metadata,omitempty"`
}

// Options configures an Index at Open time.
type Options struct {
	// Codec selects the entry class. Defaults to DefaultEntryCodec. When
	// reopening an existing file, the persisted entry class must match.
	Codec EntryCodec
	// MaxWriteBufferEntries bounds how many entries are coalesced into a
	// single flush; 0 uses a built-in default.
	MaxWriteBufferEntries int
	Metadata              map[string]any
	// Matcher, if set, is persisted verbatim into the header at creation.
	// Secondary indexes use this to carry a serialized matcher definition
	// (and, for function matchers, its HMAC tag); it is opaque to this
	// package.
	Matcher []byte
}

// Index is a single append-only fixed-record file.
type Index struct {
	mu sync.Mutex

	path     string
	writable bool
	file     *os.File

	codec      EntryCodec
	entrySize  int
	headerSize uint32
	meta       Metadata

	maxWriteBuf int

	entries []Entry
	loaded  []bool
	cursor  int // entries[0:cursor] are guaranteed loaded contiguously

	pendingEntries []Entry
	callbacks      []func(position uint32, err error)

	persistedCount uint32

	closed bool
}

// Open opens (or creates, in writable mode) the index file at path.
func Open(path string, writable bool, opts *Options) (*Index, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	codec := o.Codec
	if codec == nil {
		codec = DefaultEntryCodec{}
	}
	maxBuf := o.MaxWriteBufferEntries
	if maxBuf <= 0 {
		maxBuf = defaultMaxWriteBufferEntries
	}

	var file *os.File
	var err error
	if writable {
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	} else {
		file, err = os.OpenFile(path, os.O_RDONLY, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("index: stat %s: %w", path, err)
	}

	ix := &Index{
		path:        path,
		writable:    writable,
		file:        file,
		codec:       codec,
		entrySize:   codec.Size(),
		maxWriteBuf: maxBuf,
	}

	if info.Size() == 0 {
		if !writable {
			file.Close()
			return nil, fmt.Errorf("index: %s: empty file opened read-only", path)
		}
		ix.meta = Metadata{
			EntryClass: codec.Name(),
			EntrySize:  codec.Size(),
			Matcher:    o.Matcher,
			Extra:      o.Metadata,
		}
		hdr, err := fileheader.Encode(Magic, ix.meta)
		if err != nil {
			file.Close()
			return nil, err
		}
		if _, err := file.WriteAt(hdr, 0); err != nil {
			file.Close()
			return nil, fmt.Errorf("index: write header: %w", err)
		}
		ix.headerSize = uint32(len(hdr))
		return ix, nil
	}

	hdr, err := fileheader.Read(file, Magic, &magicFamily)
	if err != nil {
		file.Close()
		return nil, err
	}
	var meta Metadata
	if err := hdr.Unmarshal(&meta); err != nil {
		file.Close()
		return nil, fmt.Errorf("index: corrupt metadata: %w", err)
	}
	if meta.EntryClass != "" && meta.EntryClass != codec.Name() {
		file.Close()
		return nil, ErrEntryClassMismatch
	}
	if meta.EntrySize != 0 && meta.EntrySize != codec.Size() {
		file.Close()
		return nil, ErrEntryClassMismatch
	}
	ix.meta = meta
	ix.headerSize = uint32(hdr.Size)

	recordsLen := info.Size() - int64(ix.headerSize)
	if recordsLen < 0 {
		file.Close()
		return nil, CorruptIndex{IntactEntries: 0}
	}
	n := recordsLen / int64(ix.entrySize)
	rem := recordsLen % int64(ix.entrySize)
	if rem != 0 {
		file.Close()
		return nil, CorruptIndex{IntactEntries: uint32(n)}
	}

	ix.persistedCount = uint32(n)
	ix.entries = make([]Entry, n)
	ix.loaded = make([]bool, n)
	if n > 0 {
		if err := ix.loadRangeLocked(int(n-1), int(n)); err != nil {
			file.Close()
			return nil, err
		}
	}

	return ix, nil
}

// Metadata returns the index's persisted metadata.
func (ix *Index) Metadata() Metadata { return ix.meta }

// Matcher persisted definition for a secondary index. Opaque to this package.
func (ix *Index) Matcher() json.RawMessage { return ix.meta.Matcher }

func (ix *Index) resolveNumberLocked(number int) int {
	total := int(ix.persistedCount) + len(ix.pendingEntries)
	if number < 0 {
		return total + number + 1
	}
	return number
}

// Length returns the total number of entries, persisted and buffered.
func (ix *Index) Length() uint32 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.persistedCount + uint32(len(ix.pendingEntries))
}

// Get returns the 1-based entry at position number, with negative numbers
// counting back from the end.
func (ix *Index) Get(number int) (Entry, bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	n := ix.resolveNumberLocked(number)
	total := int(ix.persistedCount) + len(ix.pendingEntries)
	if n < 1 || n > total {
		return Entry{}, false, nil
	}
	if n > int(ix.persistedCount) {
		return ix.pendingEntries[n-1-int(ix.persistedCount)], true, nil
	}
	idx := n - 1
	if !ix.loaded[idx] {
		if err := ix.loadRangeLocked(idx, idx+1); err != nil {
			return Entry{}, false, err
		}
	}
	if idx < ix.cursor+1 {
		ix.growCursorLocked()
	}
	return ix.entries[idx], true, nil
}

// growCursorLocked advances cursor while contiguous entries from the start
// are loaded, so sequential forward scans avoid redundant reads.
func (ix *Index) growCursorLocked() {
	for ix.cursor < len(ix.entries) && ix.loaded[ix.cursor] {
		ix.cursor++
	}
}

func (ix *Index) loadRangeLocked(from, until int) error {
	if from >= until {
		return nil
	}
	buf := make([]byte, (until-from)*ix.entrySize)
	off := int64(ix.headerSize) + int64(from*ix.entrySize)
	if _, err := ix.file.ReadAt(buf, off); err != nil {
		return fmt.Errorf("index: read entries [%d,%d): %w", from, until, err)
	}
	for i := from; i < until; i++ {
		b := buf[(i-from)*ix.entrySize : (i-from+1)*ix.entrySize]
		ix.entries[i] = ix.codec.Decode(b)
		ix.loaded[i] = true
	}
	return nil
}

// Range returns the inclusive 1-based slice [from,until], honoring
// negative-from-end semantics on both ends. Returns ok=false on malformed
// or out-of-range arguments.
func (ix *Index) Range(from, until int) ([]Entry, bool, error) {
	ix.mu.Lock()
	total := int(ix.persistedCount) + len(ix.pendingEntries)
	f := ix.resolveNumberLocked(from)
	u := ix.resolveNumberLocked(until)
	ix.mu.Unlock()

	if f < 1 || u < 1 || f > total || u > total || f > u {
		return nil, false, nil
	}

	out := make([]Entry, 0, u-f+1)
	for n := f; n <= u; n++ {
		e, ok, err := ix.Get(n)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		out = append(out, e)
	}
	return out, true, nil
}

// Find performs a binary search over the entry Number field, over
// positions 1..min(length,number) (since entry.Number >= position always
// holds). With min=false it returns the largest position k with
// get(k).Number <= number (0 if none); with min=true it returns the
// smallest position k with get(k).Number >= number (0 if none).
func (ix *Index) Find(number uint32, min bool) (uint32, error) {
	length := ix.Length()
	upper := length
	if number < upper {
		upper = number
	}
	if upper == 0 {
		return 0, nil
	}

	var result uint32
	lo, hi := uint32(1), upper
	for lo <= hi {
		mid := lo + (hi-lo)/2
		e, ok, err := ix.Get(int(mid))
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if min {
			if e.Number >= number {
				result = mid
				if mid == 1 {
					break
				}
				hi = mid - 1
			} else {
				lo = mid + 1
			}
		} else {
			if e.Number <= number {
				result = mid
				lo = mid + 1
			} else {
				if mid == 1 {
					break
				}
				hi = mid - 1
			}
		}
	}
	return result, nil
}

// LastEntry returns the most recently added entry, if any.
func (ix *Index) LastEntry() (Entry, bool, error) {
	return ix.Get(-1)
}

// ValidRange reports the inclusive [1,length] range currently valid, or
// ok=false if the index is empty.
func (ix *Index) ValidRange() (from, until uint32, ok bool) {
	length := ix.Length()
	if length == 0 {
		return 0, 0, false
	}
	return 1, length, true
}

// All returns every entry in insertion order.
func (ix *Index) All() ([]Entry, error) {
	length := ix.Length()
	if length == 0 {
		return nil, nil
	}
	entries, ok, err := ix.Range(1, int(length))
	if err != nil || !ok {
		return nil, err
	}
	return entries, nil
}

// Add appends an entry to the in-memory write buffer. cb, if non-nil,
// fires on the flush that durably persists this entry, receiving the
// entry's 1-based position.
func (ix *Index) Add(e Entry, cb func(position uint32, err error)) error {
	if !ix.writable {
		return ErrReadOnly
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}

	position := ix.persistedCount + uint32(len(ix.pendingEntries)) + 1
	ix.pendingEntries = append(ix.pendingEntries, e)
	if cb != nil {
		pos := position
		ix.callbacks = append(ix.callbacks, func(_ uint32, err error) { cb(pos, err) })
	}

	if len(ix.pendingEntries) >= ix.maxWriteBuf {
		return ix.flushLocked()
	}
	return nil
}

// Flush writes buffered entries to disk.
func (ix *Index) Flush() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.flushLocked()
}

func (ix *Index) flushLocked() error {
	if len(ix.pendingEntries) == 0 {
		return nil
	}
	buf := make([]byte, len(ix.pendingEntries)*ix.entrySize)
	for i, e := range ix.pendingEntries {
		ix.codec.Encode(e, buf[i*ix.entrySize:(i+1)*ix.entrySize])
	}
	off := int64(ix.headerSize) + int64(ix.persistedCount)*int64(ix.entrySize)
	if _, err := ix.file.WriteAt(buf, off); err != nil {
		err = fmt.Errorf("index: flush: %w", err)
		ix.fireCallbacksLocked(err)
		return err
	}

	base := int(ix.persistedCount)
	ix.entries = append(ix.entries, ix.pendingEntries...)
	loaded := make([]bool, len(ix.pendingEntries))
	for i := range loaded {
		loaded[i] = true
	}
	ix.loaded = append(ix.loaded, loaded...)
	ix.growCursorLocked()
	_ = base

	ix.persistedCount += uint32(len(ix.pendingEntries))
	ix.pendingEntries = ix.pendingEntries[:0]

	ix.fireCallbacksLocked(nil)
	return nil
}

func (ix *Index) fireCallbacksLocked(err error) {
	cbs := ix.callbacks
	ix.callbacks = nil
	for _, cb := range cbs {
		cb(0, err)
	}
}

// Truncate flushes, then shortens the index to the first after entries.
func (ix *Index) Truncate(after uint32) error {
	if !ix.writable {
		return ErrReadOnly
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.flushLocked(); err != nil {
		return err
	}
	if after >= ix.persistedCount {
		return nil
	}
	if err := ix.file.Truncate(int64(ix.headerSize) + int64(after)*int64(ix.entrySize)); err != nil {
		return fmt.Errorf("index: truncate: %w", err)
	}
	ix.persistedCount = after
	if after < uint32(len(ix.entries)) {
		ix.entries = ix.entries[:after]
		ix.loaded = ix.loaded[:after]
	}
	if ix.cursor > int(after) {
		ix.cursor = int(after)
	}
	log.Infow("truncated index", "path", ix.path, "after", after)
	return nil
}

// StorageSize returns the index file's current on-disk size, header
// included.
func (ix *Index) StorageSize() (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	info, err := ix.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Destroy closes and deletes the index file.
func (ix *Index) Destroy() error {
	ix.mu.Lock()
	path := ix.path
	closed := ix.closed
	ix.closed = true
	ix.mu.Unlock()

	if !closed {
		ix.file.Close()
	}
	return os.Remove(path)
}

// Close flushes and closes the underlying file.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil
	}
	ix.closed = true

	var ferr error
	if ix.writable {
		ferr = ix.flushLocked()
	}
	if cerr := ix.file.Close(); cerr != nil && ferr == nil {
		ferr = cerr
	}
	return ferr
}
