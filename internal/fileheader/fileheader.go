// Package fileheader implements the framing shared by partition and index
// files: an 8-byte magic, a 4-byte big-endian metadata length, and a padded
// JSON metadata block terminated by a newline, with the total header size a
// multiple of 16 bytes. Grounded on the teacher's compactindexsized.Header,
// adapted from its binary length-prefixed layout to the JSON-metadata
// layout this format calls for.
package fileheader

import (
	"bytes"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// Prefix is the size, in bytes, of the magic plus the length field that
// precedes the metadata block.
const Prefix = 12

// MinMetaLen and MaxMetaLen bound the metadata length field M.
const (
	MinMetaLen = 3
	MaxMetaLen = 4096
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Magic identifies a file format family. The last two bytes are the
// format's version; callers that care about family-vs-version mismatches
// (like Partition) compare Family() separately from the full value.
type Magic [8]byte

// Family returns the first six bytes, which identify the format
// independent of version.
func (m Magic) Family() [6]byte {
	var f [6]byte
	copy(f[:], m[:6])
	return f
}

// Encode serializes magic + metadata into the on-disk header layout,
// choosing the metadata length M so that Prefix+M is a multiple of 16.
func Encode(magic Magic, metadata any) ([]byte, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("fileheader: marshal metadata: %w", err)
	}

	base := len(raw) + 1 // +1 for the trailing newline
	m := alignMetaLen(base)
	if m > MaxMetaLen {
		return nil, fmt.Errorf("fileheader: metadata too large: %d bytes exceeds max %d", m, MaxMetaLen)
	}

	buf := make([]byte, Prefix+m)
	copy(buf[0:8], magic[:])
	putUint32BE(buf[8:12], uint32(m))

	body := buf[Prefix:]
	copy(body, raw)
	for i := len(raw); i < m-1; i++ {
		body[i] = ' '
	}
	body[m-1] = '\n'

	return buf, nil
}

// alignMetaLen returns the smallest M >= base such that Prefix+M is a
// multiple of 16 and M >= MinMetaLen.
func alignMetaLen(base int) int {
	if base < MinMetaLen {
		base = MinMetaLen
	}
	total := Prefix + base
	rem := total % 16
	if rem != 0 {
		total += 16 - rem
	}
	return total - Prefix
}

// Header is the decoded result of reading a file's framing.
type Header struct {
	Magic    Magic
	MetaLen  uint32
	MetaJSON []byte // trimmed JSON bytes, padding and newline removed
	Size     int    // Prefix + MetaLen, i.e. the byte offset of the first record/entry
}

// Read reads and validates the header framing from r, which must be
// positioned at the start of the file. wantFamily, if non-nil, is compared
// against the magic's family (first six bytes); a family match with a
// different full magic yields ErrVersionMismatch instead of ErrBadMagic.
func Read(r io.ReaderAt, wantMagic Magic, wantFamily *[6]byte) (*Header, error) {
	prefix := make([]byte, Prefix)
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, Prefix), prefix); err != nil {
		return nil, fmt.Errorf("fileheader: read prefix: %w", err)
	}

	var magic Magic
	copy(magic[:], prefix[:8])

	if magic != wantMagic {
		if wantFamily != nil && magic.Family() == *wantFamily {
			return nil, ErrVersionMismatch{Got: magic, Want: wantMagic}
		}
		return nil, ErrBadMagic{Got: magic, Want: wantMagic}
	}

	m := getUint32BE(prefix[8:12])
	if m < MinMetaLen || m > MaxMetaLen {
		return nil, fmt.Errorf("fileheader: metadata length %d out of bounds [%d,%d]", m, MinMetaLen, MaxMetaLen)
	}

	body := make([]byte, m)
	if _, err := io.ReadFull(io.NewSectionReader(r, Prefix, int64(m)), body); err != nil {
		return nil, fmt.Errorf("fileheader: read metadata: %w", err)
	}
	if body[m-1] != '\n' {
		return nil, fmt.Errorf("fileheader: metadata not newline-terminated")
	}
	trimmed := bytes.TrimRight(body[:m-1], " ")

	return &Header{
		Magic:    magic,
		MetaLen:  m,
		MetaJSON: trimmed,
		Size:     Prefix + int(m),
	}, nil
}

// Unmarshal decodes the header's metadata JSON into v.
func (h *Header) Unmarshal(v any) error {
	if len(h.MetaJSON) == 0 {
		return nil
	}
	return json.Unmarshal(h.MetaJSON, v)
}

// ErrBadMagic indicates the file does not belong to this format at all.
type ErrBadMagic struct {
	Got, Want Magic
}

func (e ErrBadMagic) Error() string {
	return fmt.Sprintf("fileheader: bad magic: got %q, want %q", e.Got[:], e.Want[:])
}

// ErrVersionMismatch indicates the file is the right format family but an
// incompatible on-disk version.
type ErrVersionMismatch struct {
	Got, Want Magic
}

func (e ErrVersionMismatch) Error() string {
	return fmt.Sprintf("fileheader: library version mismatch: got %q, want %q", e.Got[:], e.Want[:])
}

func putUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32BE(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
