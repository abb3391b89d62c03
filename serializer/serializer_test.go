package serializer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONRoundTrip(t *testing.T) {
	var s Serializer = JSON{}

	doc := map[string]any{"foo": 1.0, "nested": map[string]any{"a": "b"}}
	raw, err := s.Serialize(doc)
	require.NoError(t, err)

	got, err := s.Deserialize(raw)
	require.NoError(t, err)
	require.Equal(t, doc, got)
}
