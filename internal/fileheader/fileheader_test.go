package fileheader

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeThenReadRoundTrip(t *testing.T) {
	magic := Magic{'t', 'e', 's', 't', 'h', 'd', 'r', '1'}
	meta := map[string]any{"name": "events", "version": 1.0}

	raw, err := Encode(magic, meta)
	require.NoError(t, err)
	require.Zero(t, len(raw)%16)

	hdr, err := Read(bytes.NewReader(raw), magic, nil)
	require.NoError(t, err)
	require.Equal(t, magic, hdr.Magic)
	require.Equal(t, len(raw), hdr.Size)

	var got map[string]any
	require.NoError(t, hdr.Unmarshal(&got))
	require.Equal(t, "events", got["name"])
	require.Equal(t, 1.0, got["version"])
}

func TestReadRejectsBadMagic(t *testing.T) {
	magic := Magic{'t', 'e', 's', 't', 'h', 'd', 'r', '1'}
	raw, err := Encode(magic, map[string]any{})
	require.NoError(t, err)

	other := Magic{'o', 't', 'h', 'e', 'r', 'h', 'd', 'r'}
	_, err = Read(bytes.NewReader(raw), other, nil)
	var badMagic ErrBadMagic
	require.ErrorAs(t, err, &badMagic)
}

func TestReadReportsVersionMismatchWithinFamily(t *testing.T) {
	v1 := Magic{'f', 'a', 'm', 'i', 'l', 'y', '0', '1'}
	v2 := Magic{'f', 'a', 'm', 'i', 'l', 'y', '0', '2'}
	raw, err := Encode(v1, map[string]any{})
	require.NoError(t, err)

	family := v2.Family()
	_, err = Read(bytes.NewReader(raw), v2, &family)
	var mismatch ErrVersionMismatch
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, v1, mismatch.Got)
}

func TestEncodePadsAndAlignsRegardlessOfMetadataSize(t *testing.T) {
	magic := Magic{'t', 'e', 's', 't', 'h', 'd', 'r', '1'}
	for n := 0; n < 40; n++ {
		meta := map[string]any{"pad": string(make([]byte, n))}
		raw, err := Encode(magic, meta)
		require.NoError(t, err)
		require.Zero(t, len(raw)%16, "n=%d len=%d", n, len(raw))

		hdr, err := Read(bytes.NewReader(raw), magic, nil)
		require.NoError(t, err)
		require.Equal(t, len(raw), hdr.Size)
	}
}
