package partition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTestPartition(t *testing.T, opts *Options) (*Partition, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.part-0")
	p, err := Open(path, "events", true, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, path
}

func TestWriteReadRoundTrip(t *testing.T) {
	p, _ := newTestPartition(t, nil)

	payloads := [][]byte{
		[]byte("a"),
		[]byte("hello world"),
		make([]byte, 257), // crosses a 4-byte alignment boundary oddly
	}

	var positions []uint32
	for i, pl := range payloads {
		pos, err := p.Write(pl, uint32(i+1))
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.NoError(t, p.Flush())

	for i, pos := range positions {
		got, ok, err := p.ReadFrom(pos, nil)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, payloads[i], got)
	}
}

func TestWriteSizeIsAligned(t *testing.T) {
	for dataSize := uint32(0); dataSize < 16; dataSize++ {
		ws := WriteSize(dataSize)
		require.Zero(t, ws%4, "dataSize=%d writeSize=%d not aligned", dataSize, ws)
	}
}

func TestReadFromRejectsMisalignedPosition(t *testing.T) {
	p, _ := newTestPartition(t, nil)
	_, err := p.Write([]byte("x"), 1)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	_, _, err = p.ReadFrom(1, nil)
	require.ErrorIs(t, err, ErrNotAligned)
}

func TestReadFromBeyondDurableEndWithoutDirtyReads(t *testing.T) {
	opts := &Options{DirtyReads: false}
	p, _ := newTestPartition(t, opts)

	pos, err := p.Write([]byte("buffered, not yet flushed"), 1)
	require.NoError(t, err)

	_, ok, err := p.ReadFrom(pos, nil)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, p.Flush())
	got, ok, err := p.ReadFrom(pos, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("buffered, not yet flushed"), got)
}

func TestDirtyReadsServeUnflushedRecords(t *testing.T) {
	opts := &Options{DirtyReads: true}
	p, _ := newTestPartition(t, opts)

	pos, err := p.Write([]byte("visible before flush"), 1)
	require.NoError(t, err)

	got, ok, err := p.ReadFrom(pos, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("visible before flush"), got)
}

func TestDocumentTooLargeRejected(t *testing.T) {
	p, _ := newTestPartition(t, nil)
	_, err := p.Write(make([]byte, MaxDocumentSize+1), 1)
	require.ErrorIs(t, err, ErrDocumentTooLarge)
}

func TestForwardAndBackwardIterationAreSymmetric(t *testing.T) {
	p, _ := newTestPartition(t, nil)

	var payloads [][]byte
	for i := 0; i < 20; i++ {
		pl := []byte{byte(i), byte(i), byte(i)}
		payloads = append(payloads, pl)
		_, err := p.Write(pl, uint32(i+1))
		require.NoError(t, err)
	}
	require.NoError(t, p.Flush())

	var forward [][]byte
	it := p.ReadAll(0)
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		forward = append(forward, rec.Payload)
	}
	require.NoError(t, it.Err())
	require.Equal(t, payloads, forward)

	var backward [][]byte
	bit := p.ReadAllBackwards(-1)
	for {
		rec, ok := bit.Next()
		if !ok {
			break
		}
		backward = append(backward, rec.Payload)
	}
	require.NoError(t, bit.Err())

	require.Equal(t, len(payloads), len(backward))
	for i := range backward {
		require.Equal(t, payloads[len(payloads)-1-i], backward[i])
	}
}

func TestFindDocumentPositionBeforeAcrossPaddingAmounts(t *testing.T) {
	p, _ := newTestPartition(t, nil)

	sizes := []int{0, 1, 2, 3, 4, 5, 100}
	var positions []uint32
	for i, n := range sizes {
		pos, err := p.Write(make([]byte, n), uint32(i+1))
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.NoError(t, p.Flush())
	end := p.Length()

	allPositions := append(append([]uint32{}, positions...), end)
	for i := len(allPositions) - 1; i > 0; i-- {
		before, ok, err := p.FindDocumentPositionBefore(allPositions[i])
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, allPositions[i-1], before)
	}

	_, ok, err := p.FindDocumentPositionBefore(positions[0])
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckTornWriteDetectsTruncatedTail(t *testing.T) {
	p, path := newTestPartition(t, nil)

	payload := make([]byte, 1500)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := p.Write(payload, 42)
	require.NoError(t, err)
	require.NoError(t, p.Flush())
	require.NoError(t, p.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-996)) // leave only 512 data bytes of the record

	reopened, err := Open(path, "events", true, nil)
	require.NoError(t, err)
	defer reopened.Close()

	seq, err := reopened.CheckTornWrite()
	require.NoError(t, err)
	require.Equal(t, int64(42), seq)
}

func TestCheckTornWriteReturnsNegativeOneWhenIntact(t *testing.T) {
	p, _ := newTestPartition(t, nil)
	_, err := p.Write([]byte("complete record"), 1)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	seq, err := p.CheckTornWrite()
	require.NoError(t, err)
	require.Equal(t, int64(-1), seq)
}

func TestTruncateCopiesDiscardedTailToBranchFile(t *testing.T) {
	p, path := newTestPartition(t, nil)

	var positions []uint32
	for i := 0; i < 5; i++ {
		pos, err := p.Write([]byte("record"), uint32(i+1))
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.NoError(t, p.Flush())

	cutoff := positions[3]
	require.NoError(t, p.Truncate(cutoff))
	require.Equal(t, cutoff, p.Length())

	branchPath := path + "-" + itoa(cutoff) + ".branch"
	info, err := os.Stat(branchPath)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))

	// idempotent: truncating again at the same boundary is a no-op.
	require.NoError(t, p.Truncate(cutoff))
	require.Equal(t, cutoff, p.Length())
}

func TestTruncateRejectsNonBoundaryPosition(t *testing.T) {
	p, _ := newTestPartition(t, nil)
	_, err := p.Write([]byte("record"), 1)
	require.NoError(t, err)
	_, err = p.Write([]byte("another"), 2)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	err = p.Truncate(1)
	require.ErrorIs(t, err, ErrNotBoundary)
}

func TestReadAllRecordsMatchWrittenFixtures(t *testing.T) {
	p, _ := newTestPartition(t, nil)

	type fixture struct {
		Number  uint32
		Payload []byte
	}
	fixtures := []fixture{
		{Number: 1, Payload: []byte("alpha")},
		{Number: 2, Payload: []byte("beta")},
		{Number: 3, Payload: []byte{}},
		{Number: 4, Payload: make([]byte, 300)},
	}
	for _, f := range fixtures {
		_, err := p.Write(f.Payload, f.Number)
		require.NoError(t, err)
	}
	require.NoError(t, p.Flush())

	var got []fixture
	it := p.ReadAll(0)
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, fixture{Number: rec.SequenceNumber, Payload: rec.Payload})
	}
	require.NoError(t, it.Err())

	if diff := cmp.Diff(fixtures, got); diff != "" {
		t.Fatalf("decoded records differ from written fixtures (-want +got):\n%s\nwant: %s\ngot:  %s",
			diff, spew.Sdump(fixtures), spew.Sdump(got))
	}
}

func TestHashNameIsDeterministic(t *testing.T) {
	require.Equal(t, HashName("events"), HashName("events"))
	require.NotEqual(t, HashName("events"), HashName("other"))
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
