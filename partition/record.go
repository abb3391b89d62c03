package partition

import (
	"encoding/binary"
	"math"
)

// HeaderSize is the size, in bytes, of a record's fixed header: dataSize
// (4) + sequenceNumber (4) + time64 (8).
const HeaderSize = 16

// TrailerSize is the size of the trailing size echo plus the separator.
const TrailerSize = 4 + 4

// MaxDocumentSize is the largest payload a single record may carry.
const MaxDocumentSize = 64 * 1024 * 1024

// Separator marks the end of a complete record, immediately after the
// trailing size echo. Its presence (or absence, at the tail of a file) is
// how torn writes are detected.
var Separator = [4]byte{0x00, 0x00, 0x1E, 0x0A}

// Record is a single decoded document and its framing metadata.
type Record struct {
	SequenceNumber uint32
	Time           int64 // microseconds since the partition epoch
	Position       uint32
	Payload        []byte
}

// WriteSize returns the total number of bytes a record with the given
// payload size occupies on disk, including header, trailing size echo,
// separator, and alignment padding.
func WriteSize(dataSize uint32) uint32 {
	unaligned := uint32(HeaderSize) + dataSize + uint32(TrailerSize)
	return unaligned + padTo4(dataSize)
}

// padTo4 returns the number of padding bytes needed so that
// HeaderSize+dataSize+TrailerSize becomes a multiple of 4. Since
// HeaderSize+TrailerSize == 24 is already a multiple of 4, only dataSize
// needs padding. Equivalent to the spec's pad_to_4(dataSize+8).
func padTo4(dataSize uint32) uint32 {
	r := dataSize % 4
	if r == 0 {
		return 0
	}
	return 4 - r
}

// encodeHeader writes the 16-byte record header into buf, which must have
// length >= HeaderSize.
func encodeHeader(buf []byte, dataSize, sequenceNumber uint32, timeMicros int64) {
	binary.BigEndian.PutUint32(buf[0:4], dataSize)
	binary.BigEndian.PutUint32(buf[4:8], sequenceNumber)
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(float64(timeMicros)))
}

// decodeHeader parses a 16-byte record header.
func decodeHeader(buf []byte) (dataSize, sequenceNumber uint32, timeMicros int64) {
	dataSize = binary.BigEndian.Uint32(buf[0:4])
	sequenceNumber = binary.BigEndian.Uint32(buf[4:8])
	timeMicros = int64(math.Float64frombits(binary.BigEndian.Uint64(buf[8:16])))
	return
}

// encodeRecord serializes a complete record (header, payload, trailing size
// echo, separator, padding) into a freshly allocated buffer.
func encodeRecord(payload []byte, sequenceNumber uint32, timeMicros int64) []byte {
	dataSize := uint32(len(payload))
	total := WriteSize(dataSize)
	buf := make([]byte, total)

	encodeHeader(buf, dataSize, sequenceNumber, timeMicros)
	copy(buf[HeaderSize:], payload)

	trailerStart := HeaderSize + int(dataSize)
	binary.BigEndian.PutUint32(buf[trailerStart:trailerStart+4], dataSize)
	copy(buf[trailerStart+4:trailerStart+8], Separator[:])
	// Remaining bytes (padding) are already zero from make([]byte, ...).

	return buf
}
