// Package storage ties partitions and indexes together: it routes writes
// through a partitioner, maintains the primary index, manages secondary
// indexes (definition, back-fill, truncation), enforces a single-writer
// lock, and detects and recovers torn writes on open. A read-only storage
// instead runs a directory watcher that refreshes the primary and
// secondary indexes and discovers new partitions as a concurrent writer
// makes progress. Grounded on the teacher's store/store.go (the Store
// type owning primary/secondary indexes, a background run() loop, and
// Close semantics) generalized from a CAR-offset key/value store to this
// engine's partitioned, multi-index event log.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/schollz/progressbar/v3"

	"github.com/nesdb/nescore/clock"
	"github.com/nesdb/nescore/index"
	"github.com/nesdb/nescore/internal/filecache"
	"github.com/nesdb/nescore/matcher"
	"github.com/nesdb/nescore/partition"
	"github.com/nesdb/nescore/watcher"
)

var log = logging.Logger("nescore/storage")

type secondaryIndex struct {
	idx     *index.Index
	matcher *matcher.Matcher
}

// Storage is a named group of partitions together with one primary index
// and zero or more secondary indexes.
type Storage struct {
	mu sync.Mutex

	name     string
	dataDir  string
	indexDir string
	writable bool

	cfg config
	clk *clock.Clock

	partitions     map[string]*partition.Partition
	partitionsByID map[uint32]*partition.Partition
	primary        *index.Index
	secondary      map[string]*secondaryIndex

	lockDir string
	locked  bool

	watch     *watcher.Watcher
	watchDone chan struct{}
	fileCache *filecache.Cache

	flushStop chan struct{}
	flushNow  chan struct{}

	closed bool
}

// Open opens (or creates, in writable mode) the named storage.
func Open(name string, writable bool, opts ...Option) (*Storage, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.indexDirectory == "" {
		cfg.indexDirectory = cfg.dataDirectory
	}
	if err := os.MkdirAll(cfg.dataDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data directory: %w", err)
	}
	if cfg.indexDirectory != cfg.dataDirectory {
		if err := os.MkdirAll(cfg.indexDirectory, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create index directory: %w", err)
		}
	}

	s := &Storage{
		name:           name,
		dataDir:        cfg.dataDirectory,
		indexDir:       cfg.indexDirectory,
		writable:       writable,
		cfg:            cfg,
		clk:            clock.New(cfg.clockEpoch),
		partitions:     make(map[string]*partition.Partition),
		partitionsByID: make(map[uint32]*partition.Partition),
		secondary:      make(map[string]*secondaryIndex),
	}
	if !writable && cfg.maxOpenPartitionFiles > 0 {
		s.fileCache = filecache.New(cfg.maxOpenPartitionFiles)
	}

	if writable {
		s.lockDir = filepath.Join(s.dataDir, name+".lock")
		if err := os.Mkdir(s.lockDir, 0o755); err != nil {
			if os.IsExist(err) {
				if holder, herr := readHolderInfo(s.lockDir); herr == nil {
					return nil, fmt.Errorf("%w (held by pid %d on %s since %s)", ErrStorageLocked, holder.PID, holder.Hostname, holder.AcquiredAt.Format(time.RFC3339))
				}
				return nil, ErrStorageLocked
			}
			return nil, fmt.Errorf("storage: acquire lock: %w", err)
		}
		s.locked = true
		if err := writeHolderInfo(s.lockDir); err != nil {
			log.Warnw("failed to write lock holder diagnostics", "storage", name, "error", err)
		}
	}

	primaryPath := filepath.Join(s.indexDir, name+".index")
	primary, err := index.Open(primaryPath, writable, nil)
	if err != nil {
		s.releaseLock()
		return nil, err
	}
	s.primary = primary

	if err := s.scanPartitions(); err != nil {
		s.releaseLock()
		return nil, err
	}

	if writable {
		if err := s.CheckTornWrites(); err != nil {
			s.releaseLock()
			return nil, err
		}
		s.startFlushLoop()
	} else {
		w, err := watcher.New(filepath.Join(s.dataDir, name), func(n string) bool {
			return strings.HasPrefix(filepath.Base(n), name)
		})
		if err != nil {
			return nil, err
		}
		s.watch = w
		s.watchDone = make(chan struct{})
		go s.watchLoop()
	}

	log.Infow("opened storage", "name", name, "writable", writable, "partitions", len(s.partitions))
	return s, nil
}

// watchLoop drains directory-change notifications for a read-only
// storage, re-reading the primary and secondary indexes' durable tails
// and rescanning for partition files a concurrent writer created after
// Open. It returns, closing watchDone, once Close closes the underlying
// watcher's event channel; Close waits on watchDone before closing the
// partitions and indexes this loop touches.
func (s *Storage) watchLoop() {
	defer close(s.watchDone)
	for range s.watch.Events() {
		s.mu.Lock()
		primary := s.primary
		secs := make([]*index.Index, 0, len(s.secondary))
		for _, si := range s.secondary {
			secs = append(secs, si.idx)
		}
		s.mu.Unlock()

		if _, _, err := primary.Refresh(); err != nil {
			log.Warnw("refresh primary index failed", "storage", s.name, "error", err)
		}
		for _, ix := range secs {
			if _, _, err := ix.Refresh(); err != nil {
				log.Warnw("refresh secondary index failed", "storage", s.name, "error", err)
			}
		}
		if err := s.scanPartitions(); err != nil {
			log.Warnw("rescan partitions failed", "storage", s.name, "error", err)
		}
	}
}

func (s *Storage) releaseLock() {
	if s.locked {
		os.RemoveAll(s.lockDir)
		s.locked = false
	}
}

// scanPartitions opens every not-yet-known partition file matching this
// storage's name under dataDir. It is called once, synchronously, during
// Open, and again on every watch event in read-only mode to pick up
// partitions a concurrent writer created after Open; already-open
// partitions are left untouched both times.
func (s *Storage) scanPartitions() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("storage: read data directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fn := e.Name()
		if !strings.HasPrefix(fn, s.name) {
			continue
		}
		if strings.HasSuffix(fn, ".index") || strings.HasSuffix(fn, ".branch") {
			continue
		}
		if fn != s.name && !strings.HasPrefix(fn, s.name+".") {
			continue
		}
		partName := ""
		if fn != s.name {
			partName = strings.TrimPrefix(fn, s.name+".")
		}

		s.mu.Lock()
		_, known := s.partitions[partName]
		s.mu.Unlock()
		if known {
			continue
		}

		p, err := partition.Open(filepath.Join(s.dataDir, fn), partName, s.writable, s.partitionOptions())
		if err != nil {
			return fmt.Errorf("storage: open partition %s: %w", fn, err)
		}

		s.mu.Lock()
		s.partitions[partName] = p
		s.partitionsByID[p.ID()] = p
		s.mu.Unlock()
	}
	return nil
}

func (s *Storage) partitionOptions() *partition.Options {
	epoch := s.clk.Epoch().UnixMilli()
	clk := s.clk
	return &partition.Options{
		ReadBufferSize:          s.cfg.readBufferSize,
		WriteBufferSize:         s.cfg.writeBufferSize,
		MaxWriteBufferDocuments: s.cfg.maxWriteBufferDocuments,
		SyncOnFlush:             s.cfg.syncOnFlush,
		DirtyReads:              s.cfg.dirtyReads,
		Metadata:                s.cfg.metadata,
		Epoch:                   &epoch,
		TimeSource:              func() int64 { return clk.Now() },
		Cache:                   s.fileCache,
	}
}

func (s *Storage) partitionFor(partName string) (*partition.Partition, error) {
	if p, ok := s.partitions[partName]; ok {
		return p, nil
	}
	fn := s.name
	if partName != "" {
		fn = s.name + "." + partName
	}
	p, err := partition.Open(filepath.Join(s.dataDir, fn), partName, true, s.partitionOptions())
	if err != nil {
		return nil, err
	}
	s.partitions[partName] = p
	s.partitionsByID[p.ID()] = p
	return p, nil
}

// Write serializes document, routes it through the configured
// partitioner, appends it, and records it in the primary index and every
// matching secondary index. It returns the document's 1-based global
// sequence number.
func (s *Storage) Write(document any) (uint32, error) {
	if !s.writable {
		return 0, ErrReadOnly
	}
	raw, err := s.cfg.serializer.Serialize(document)
	if err != nil {
		return 0, fmt.Errorf("storage: serialize: %w", err)
	}

	s.mu.Lock()
	nextSeq := s.primary.Length() + 1
	partName := s.cfg.partitioner(document, nextSeq)
	p, err := s.partitionFor(partName)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.mu.Unlock()

	pos, err := p.Write(raw, nextSeq)
	if err != nil {
		return 0, err
	}
	// The partition byte range must be durable before the index entry
	// pointing at it is allowed to become durable, so a reader never
	// follows an index entry into bytes that aren't really there yet.
	if err := p.Flush(); err != nil {
		return 0, err
	}

	entry := index.Entry{Number: nextSeq, Position: pos, Size: uint32(len(raw)), Partition: p.ID()}
	if err := s.primary.Add(entry, nil); err != nil {
		return 0, err
	}

	s.mu.Lock()
	secs := make([]*secondaryIndex, 0, len(s.secondary))
	for _, si := range s.secondary {
		secs = append(secs, si)
	}
	s.mu.Unlock()

	for _, si := range secs {
		matched, err := si.matcher.Matches(document)
		if err != nil {
			return 0, fmt.Errorf("storage: evaluate matcher: %w", err)
		}
		if matched {
			if err := si.idx.Add(entry, nil); err != nil {
				return 0, err
			}
		}
	}

	return s.primary.Length(), nil
}

func (s *Storage) indexOrPrimary(idx *index.Index) *index.Index {
	if idx != nil {
		return idx
	}
	return s.primary
}

// Read returns the document at 1-based position n (negative counts from
// the end) of idx, or the primary index if idx is nil.
func (s *Storage) Read(n int, idx *index.Index) (any, bool, error) {
	e, ok, err := s.indexOrPrimary(idx).Get(n)
	if err != nil || !ok {
		return nil, ok, err
	}
	return s.decodeEntry(e)
}

func (s *Storage) decodeEntry(e index.Entry) (any, bool, error) {
	s.mu.Lock()
	p, ok := s.partitionsByID[e.Partition]
	s.mu.Unlock()
	if !ok {
		return nil, false, UnknownPartition{ID: e.Partition}
	}
	size := e.Size
	raw, ok, err := p.ReadFrom(e.Position, &size)
	if err != nil || !ok {
		return nil, ok, err
	}
	doc, err := s.cfg.serializer.Deserialize(raw)
	if err != nil {
		return nil, false, fmt.Errorf("storage: deserialize: %w", err)
	}
	return doc, true, nil
}

func resolvePosition(n int, length int) int {
	if n < 0 {
		return length + n + 1
	}
	return n
}

// ReadRange returns documents in the inclusive 1-based range [from,until]
// of idx (primary if nil), honoring negative-from-end semantics on both
// ends. When from > until, the range is returned in descending order.
func (s *Storage) ReadRange(from, until int, idx *index.Index) ([]any, error) {
	ix := s.indexOrPrimary(idx)
	length := int(ix.Length())
	f := resolvePosition(from, length)
	u := resolvePosition(until, length)

	if f <= u {
		entries, ok, err := ix.Range(f, u)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		out := make([]any, 0, len(entries))
		for _, e := range entries {
			doc, ok, err := s.decodeEntry(e)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, doc)
			}
		}
		return out, nil
	}

	var out []any
	for n := f; n >= u; n-- {
		e, ok, err := ix.Get(n)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		doc, ok, err := s.decodeEntry(e)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// EnsureIndex opens the named secondary index if its file already exists
// (verifying its persisted matcher's HMAC, if any), or creates and
// back-fills a new one from matcher. It fails if the index is unknown and
// no matcher was supplied.
func (s *Storage) EnsureIndex(name string, m *matcher.Matcher) (*index.Index, error) {
	s.mu.Lock()
	if si, ok := s.secondary[name]; ok {
		s.mu.Unlock()
		return si.idx, nil
	}
	s.mu.Unlock()

	path := filepath.Join(s.indexDir, s.name+"."+name+".index")
	if _, err := os.Stat(path); err == nil {
		idx, mm, err := s.openExistingSecondary(path, m)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.secondary[name] = &secondaryIndex{idx: idx, matcher: mm}
		s.mu.Unlock()
		return idx, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("storage: stat index %s: %w", path, err)
	}

	if m == nil {
		return nil, ErrUnknownIndex
	}
	if err := m.Verify(s.cfg.hmacSecret); err != nil {
		return nil, err
	}
	defBytes, err := json.Marshal(m.Definition())
	if err != nil {
		return nil, fmt.Errorf("storage: marshal matcher: %w", err)
	}

	idx, err := index.Open(path, true, &index.Options{Matcher: defBytes})
	if err != nil {
		return nil, err
	}
	if err := s.backfill(idx, m); err != nil {
		idx.Close()
		return nil, err
	}

	s.mu.Lock()
	s.secondary[name] = &secondaryIndex{idx: idx, matcher: m}
	s.mu.Unlock()
	log.Infow("created secondary index", "storage", s.name, "index", name)
	return idx, nil
}

// OpenIndex opens an existing secondary index. It fails if the file does
// not exist, and destroys the freshly opened file if its persisted
// matcher's HMAC fails to verify.
func (s *Storage) OpenIndex(name string, m *matcher.Matcher) (*index.Index, error) {
	path := filepath.Join(s.indexDir, s.name+"."+name+".index")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("storage: open index %s: %w", path, err)
	}
	idx, mm, err := s.openExistingSecondary(path, m)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.secondary[name] = &secondaryIndex{idx: idx, matcher: mm}
	s.mu.Unlock()
	return idx, nil
}

func (s *Storage) openExistingSecondary(path string, supplied *matcher.Matcher) (*index.Index, *matcher.Matcher, error) {
	idx, err := index.Open(path, s.writable, nil)
	if err != nil {
		return nil, nil, err
	}

	var def matcher.Definition
	if len(idx.Matcher()) > 0 {
		if err := json.Unmarshal(idx.Matcher(), &def); err != nil {
			idx.Close()
			return nil, nil, fmt.Errorf("storage: unmarshal persisted matcher: %w", err)
		}
	}
	m := matcher.FromDefinition(def, s.cfg.evaluator)
	if def.Kind == matcher.KindUserScript {
		if err := m.Verify(s.cfg.hmacSecret); err != nil {
			idx.Destroy()
			return nil, nil, err
		}
	}
	if supplied != nil {
		m = supplied
	}
	return idx, m, nil
}

func (s *Storage) backfill(idx *index.Index, m *matcher.Matcher) error {
	length := s.primary.Length()
	if length == 0 {
		return nil
	}
	bar := progressbar.Default(int64(length), fmt.Sprintf("backfilling %s", idx.Metadata().EntryClass))
	for n := uint32(1); n <= length; n++ {
		e, ok, err := s.primary.Get(int(n))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		doc, ok, err := s.decodeEntry(e)
		if err != nil {
			return err
		}
		if ok {
			matched, err := m.Matches(doc)
			if err != nil {
				return err
			}
			if matched {
				if err := idx.Add(e, nil); err != nil {
					return err
				}
			}
		}
		_ = bar.Add(1)
	}
	return idx.Flush()
}

// Truncate discards every document numbered strictly after after, across
// every partition and index. after == 0 discards everything.
func (s *Storage) Truncate(after uint32) error {
	if !s.writable {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	length := s.primary.Length()
	cut := make(map[uint32]uint32)
	for n := after + 1; n <= length; n++ {
		e, ok, err := s.primary.Get(int(n))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if existing, has := cut[e.Partition]; !has || e.Position < existing {
			cut[e.Partition] = e.Position
		}
	}

	if after == 0 {
		for _, p := range s.partitions {
			if err := p.Truncate(0); err != nil {
				return err
			}
		}
	} else {
		for pid, pos := range cut {
			p, ok := s.partitionsByID[pid]
			if !ok {
				continue
			}
			if err := p.Truncate(pos); err != nil {
				return err
			}
		}
	}

	if err := s.primary.Truncate(after); err != nil {
		return err
	}
	for _, si := range s.secondary {
		pos, err := si.idx.Find(after, false)
		if err != nil {
			return err
		}
		if err := si.idx.Truncate(pos); err != nil {
			return err
		}
	}
	return nil
}

// CheckTornWrites inspects every partition for an incomplete tail record
// and, if any is found, truncates storage back to the last globally
// consistent sequence. Called automatically by Open in writable mode.
func (s *Storage) CheckTornWrites() error {
	s.mu.Lock()
	var minSeq int64 = -1
	for _, p := range s.partitions {
		seq, err := p.CheckTornWrite()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if seq >= 0 && (minSeq == -1 || seq < minSeq) {
			minSeq = seq
		}
	}
	s.mu.Unlock()

	if minSeq == -1 {
		return nil
	}
	var after uint32
	if minSeq > 0 {
		after = uint32(minSeq - 1)
	}
	log.Warnw("torn write detected, recovering", "storage", s.name, "firstInvalidSequence", minSeq, "truncatingAfter", after)
	return s.Truncate(after)
}

// Flush immediately flushes every partition and index write buffer.
func (s *Storage) Flush() error {
	return s.flushAll()
}

func (s *Storage) flushAll() error {
	s.mu.Lock()
	parts := make([]*partition.Partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		parts = append(parts, p)
	}
	primary := s.primary
	secs := make([]*index.Index, 0, len(s.secondary))
	for _, si := range s.secondary {
		secs = append(secs, si.idx)
	}
	s.mu.Unlock()

	for _, p := range parts {
		if err := p.Flush(); err != nil {
			return err
		}
	}
	if primary != nil {
		if err := primary.Flush(); err != nil {
			return err
		}
	}
	for _, si := range secs {
		if err := si.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) startFlushLoop() {
	s.flushStop = make(chan struct{})
	s.flushNow = make(chan struct{}, 1)
	interval := s.cfg.flushInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.flushAll(); err != nil {
					log.Warnw("background flush failed", "storage", s.name, "error", err)
				}
			case <-s.flushNow:
				if err := s.flushAll(); err != nil {
					log.Warnw("background flush failed", "storage", s.name, "error", err)
				}
			case <-s.flushStop:
				return
			}
		}
	}()
}

// Name returns the storage's logical name.
func (s *Storage) Name() string { return s.name }

// Primary returns the primary index.
func (s *Storage) Primary() *index.Index { return s.primary }

// Reclaim forcibly removes the lock directory for a storage so a new
// writer can Open it. The caller is responsible for ensuring the previous
// writer process is actually gone; torn-write recovery runs automatically
// as part of the subsequent Open.
func Reclaim(dataDirectory, name string) error {
	return os.RemoveAll(filepath.Join(dataDirectory, name+".lock"))
}

// Close flushes, releases the lock, and closes every open file handle.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.flushStop != nil {
		close(s.flushStop)
	}

	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if s.watch != nil {
		// Stop the watch loop and wait for it to exit before closing the
		// partitions and indexes it refreshes, so it never reaches into a
		// file that's mid-Close underneath it.
		record(s.watch.Close())
		<-s.watchDone
	}

	record(s.flushAll())
	for _, p := range s.partitions {
		record(p.Close())
	}
	if s.primary != nil {
		record(s.primary.Close())
	}
	for _, si := range s.secondary {
		record(si.idx.Close())
	}
	s.releaseLock()

	log.Infow("closed storage", "name", s.name)
	return first
}
