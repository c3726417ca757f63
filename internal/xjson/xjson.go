package xjson

import (
	stdjson "encoding/json"
	"io"

	gjson "github.com/goccy/go-json"
)

// Marshal/Unmarshal wrappers keep a single import site for the JSON codec so
// persisted records, queue jobs and submitted graphs all decode the same way.

func Marshal(v interface{}) ([]byte, error) {
	return gjson.Marshal(v)
}

func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gjson.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v interface{}) error {
	return gjson.Unmarshal(data, v)
}

// Decode reads a single JSON document from r, rejecting unknown fields when strict is set.
func Decode(r io.Reader, v interface{}, strict bool) error {
	dec := gjson.NewDecoder(r)
	if strict {
		dec.DisallowUnknownFields()
	}
	return dec.Decode(v)
}

// Remarshal converts between two JSON-compatible shapes, e.g. a struct into a map.
func Remarshal(in interface{}, out interface{}) error {
	data, err := gjson.Marshal(in)
	if err != nil {
		return err
	}
	return gjson.Unmarshal(data, out)
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage
