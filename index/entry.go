package index

import "encoding/binary"

// Entry is a single fixed-width index record: the global document
// sequence number (a secondary index stores the primary index's entry
// unchanged, number included), the byte offset of the
// document inside its partition, its payload size, and the 32-bit id of
// the partition holding it.
type Entry struct {
	Number    uint32
	Position  uint32
	Size      uint32
	Partition uint32
}

// EntryCodec encodes and decodes a fixed-width entry. The entry class is
// pluggable: its byte width is pinned at index-file creation and recorded
// in the file's metadata so a reopen can verify it matches.
type EntryCodec interface {
	// Name identifies the entry class in persisted metadata.
	Name() string
	// Size is the fixed number of bytes a single entry occupies.
	Size() int
	Encode(e Entry, buf []byte)
	Decode(buf []byte) Entry
}

// DefaultEntryCodec is the 16-byte little-endian (number, position, size,
// partition) layout described by the format.
type DefaultEntryCodec struct{}

func (DefaultEntryCodec) Name() string { return "default-16" }
func (DefaultEntryCodec) Size() int    { return 16 }

func (DefaultEntryCodec) Encode(e Entry, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], e.Number)
	binary.LittleEndian.PutUint32(buf[4:8], e.Position)
	binary.LittleEndian.PutUint32(buf[8:12], e.Size)
	binary.LittleEndian.PutUint32(buf[12:16], e.Partition)
}

func (DefaultEntryCodec) Decode(buf []byte) Entry {
	return Entry{
		Number:    binary.LittleEndian.Uint32(buf[0:4]),
		Position:  binary.LittleEndian.Uint32(buf[4:8]),
		Size:      binary.LittleEndian.Uint32(buf[8:12]),
		Partition: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

func codecByName(name string) (EntryCodec, bool) {
	switch name {
	case "default-16", "":
		return DefaultEntryCodec{}, true
	default:
		return nil, false
	}
}
