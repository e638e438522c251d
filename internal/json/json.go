// Package json wraps bytedance/sonic behind the familiar encoding/json surface.
package json

import "github.com/bytedance/sonic"

var api = sonic.ConfigStd

// Marshal encodes v using sonic with encoding/json-compatible behavior.
func Marshal(v any) ([]byte, error) { return api.Marshal(v) }

// MarshalIndent encodes v with the given prefix and indent.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error { return api.Unmarshal(data, v) }

// Valid reports whether data is valid JSON.
func Valid(data []byte) bool { return api.Valid(data) }
