// Package serializer defines the pluggable boundary between application
// documents and the opaque byte strings the storage engine persists.
package serializer

import jsoniter "github.com/json-iterator/go"

// Serializer converts application documents to and from bytes.
type Serializer interface {
	Serialize(document any) ([]byte, error)
	Deserialize(data []byte) (any, error)
}

// JSON is the default serializer: documents are marshaled with
// json-iterator in standard-library-compatible mode, matching the teacher's
// use of jsoniter throughout its own JSON paths. Deserialize produces
// map[string]any (or the corresponding slice/scalar type) for arbitrary
// documents, which is what matcher.Matches expects to walk.
type JSON struct{}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func (JSON) Serialize(document any) ([]byte, error) {
	return jsonAPI.Marshal(document)
}

func (JSON) Deserialize(data []byte) (any, error) {
	var v any
	if err := jsonAPI.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
