package storage

import (
	"github.com/dustin/go-humanize"

	"github.com/nesdb/nescore/partition"
)

// Stats is a point-in-time operational snapshot of a storage.
type Stats struct {
	Partitions        int
	Documents         uint32
	SecondaryIndexes  map[string]uint32
	BufferedBytes     uint32
	PartitionsBytes   int64
	PrimaryIndexBytes int64
	SecondaryBytes    int64
}

// Stats snapshots partition count, document count, per-secondary-index
// length, and outstanding buffered bytes, mirroring the teacher's
// OutstandingWork accounting.
func (s *Storage) Stats() (Stats, error) {
	partBytes, err := s.PartitionsStorageSize()
	if err != nil {
		return Stats{}, err
	}
	primBytes, err := s.primary.StorageSize()
	if err != nil {
		return Stats{}, err
	}
	secBytes, err := s.SecondaryStorageSize()
	if err != nil {
		return Stats{}, err
	}

	s.mu.Lock()
	var buffered uint32
	for _, p := range s.partitions {
		buffered += p.BufferedBytes()
	}
	secLengths := make(map[string]uint32, len(s.secondary))
	for name, si := range s.secondary {
		secLengths[name] = si.idx.Length()
	}
	partitionCount := len(s.partitions)
	s.mu.Unlock()

	st := Stats{
		Partitions:        partitionCount,
		Documents:         s.primary.Length(),
		SecondaryIndexes:  secLengths,
		BufferedBytes:     buffered,
		PartitionsBytes:   partBytes,
		PrimaryIndexBytes: primBytes,
		SecondaryBytes:    secBytes,
	}
	log.Infow("storage stats",
		"name", s.name,
		"partitions", st.Partitions,
		"documents", st.Documents,
		"onDisk", humanize.IBytes(uint64(st.PartitionsBytes+st.PrimaryIndexBytes+st.SecondaryBytes)),
	)
	return st, nil
}

// PartitionsStorageSize returns the total on-disk size of every partition
// file.
func (s *Storage) PartitionsStorageSize() (int64, error) {
	s.mu.Lock()
	parts := make([]*partition.Partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		parts = append(parts, p)
	}
	s.mu.Unlock()

	var total int64
	for _, p := range parts {
		n, err := p.StorageSize()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// SecondaryStorageSize returns the total on-disk size of every secondary
// index file.
func (s *Storage) SecondaryStorageSize() (int64, error) {
	s.mu.Lock()
	secs := make([]*secondaryIndex, 0, len(s.secondary))
	for _, si := range s.secondary {
		secs = append(secs, si)
	}
	s.mu.Unlock()

	var total int64
	for _, si := range secs {
		n, err := si.idx.StorageSize()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// IndexStorageSize returns the primary index's on-disk size plus every
// secondary index's on-disk size.
func (s *Storage) IndexStorageSize() (int64, error) {
	primBytes, err := s.primary.StorageSize()
	if err != nil {
		return 0, err
	}
	secBytes, err := s.SecondaryStorageSize()
	if err != nil {
		return 0, err
	}
	return primBytes + secBytes, nil
}

// StorageSize returns the combined on-disk size of every partition and
// every index (primary and secondary) owned by this storage.
func (s *Storage) StorageSize() (int64, error) {
	partBytes, err := s.PartitionsStorageSize()
	if err != nil {
		return 0, err
	}
	idxBytes, err := s.IndexStorageSize()
	if err != nil {
		return 0, err
	}
	return partBytes + idxBytes, nil
}
