package storage

import (
	"time"

	"github.com/nesdb/nescore/matcher"
	"github.com/nesdb/nescore/serializer"
)

// Partitioner routes a document being written to a partition name,
// keyed on the sequence number it is about to receive. The default
// partitioner returns "" (the primary, unsuffixed partition).
type Partitioner func(document any, nextSequenceNumber uint32) string

type config struct {
	dataDirectory           string
	indexDirectory          string
	readBufferSize          int
	writeBufferSize         int
	maxWriteBufferDocuments int
	syncOnFlush             bool
	dirtyReads              bool
	partitioner             Partitioner
	serializer              serializer.Serializer
	hmacSecret              []byte
	metadata                map[string]any
	evaluator               matcher.Evaluator
	flushInterval           time.Duration
	clockEpoch              time.Time
	maxOpenPartitionFiles   int
}

func defaultConfig() config {
	return config{
		dataDirectory: ".",
		dirtyReads:    true,
		partitioner:   func(document any, nextSeq uint32) string { return "" },
		serializer:    serializer.JSON{},
		flushInterval: 100 * time.Millisecond,
		clockEpoch:    time.Unix(0, 0).UTC(),
	}
}

// Option configures a Storage at Open time, following the teacher's
// functional-options idiom (see preindex.WriterOption).
type Option func(*config)

func WithDataDirectory(path string) Option {
	return func(c *config) { c.dataDirectory = path }
}

func WithIndexDirectory(path string) Option {
	return func(c *config) { c.indexDirectory = path }
}

func WithReadBufferSize(n int) Option {
	return func(c *config) { c.readBufferSize = n }
}

func WithWriteBufferSize(n int) Option {
	return func(c *config) { c.writeBufferSize = n }
}

func WithMaxWriteBufferDocuments(n int) Option {
	return func(c *config) { c.maxWriteBufferDocuments = n }
}

func WithSyncOnFlush(v bool) Option {
	return func(c *config) { c.syncOnFlush = v }
}

func WithDirtyReads(v bool) Option {
	return func(c *config) { c.dirtyReads = v }
}

func WithPartitioner(p Partitioner) Option {
	return func(c *config) { c.partitioner = p }
}

func WithSerializer(s serializer.Serializer) Option {
	return func(c *config) { c.serializer = s }
}

func WithHMACSecret(secret []byte) Option {
	return func(c *config) { c.hmacSecret = secret }
}

func WithMetadata(m map[string]any) Option {
	return func(c *config) { c.metadata = m }
}

func WithUserScriptEvaluator(e matcher.Evaluator) Option {
	return func(c *config) { c.evaluator = e }
}

// WithFlushInterval sets how often buffered partitions and indexes are
// flushed in the background. Explicit Flush/Close still flush immediately.
func WithFlushInterval(d time.Duration) Option {
	return func(c *config) { c.flushInterval = d }
}

// WithClockEpoch sets the reference point clock.Clock measures
// microseconds from, and that every partition's header metadata records.
func WithClockEpoch(t time.Time) Option {
	return func(c *config) { c.clockEpoch = t }
}

// WithMaxOpenPartitionFiles bounds how many partition file descriptors a
// read-only storage keeps open at once, behind a shared LRU. Only takes
// effect for storages opened read-only; a writer keeps every partition it
// touches open for its entire lifetime. 0 (the default) disables the
// bound, matching the teacher's behavior of one handle per partition.
func WithMaxOpenPartitionFiles(n int) Option {
	return func(c *config) { c.maxOpenPartitionFiles = n }
}
