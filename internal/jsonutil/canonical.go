// Package jsonutil provides stable-key, stable-separator JSON encoding used
// for tool-call signatures and skill content digests.
package jsonutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Canonical re-encodes an arbitrary JSON value with object keys sorted and
// no extraneous whitespace, so the same logical value always produces the
// same byte string regardless of field order in the source.
func Canonical(value any) (string, error) {
	normalized, err := normalize(value)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("jsonutil: marshal canonical form: %w", err)
	}
	return string(b), nil
}

// CanonicalString parses raw JSON text and returns its canonical form. If
// raw isn't valid JSON, it's treated as an opaque string literal.
func CanonicalString(raw string) (string, error) {
	if raw == "" {
		return "null", nil
	}
	var v any
	if err := json.UnmarshalFromString(raw, &v); err != nil {
		return Canonical(raw)
	}
	return Canonical(v)
}

// Digest returns the lowercase-hex sha256 of the canonical encoding of
// value.
func Digest(value any) (string, error) {
	canon, err := Canonical(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}

// normalize walks a decoded JSON value and converts map[string]interface{}
// into a form whose key order is deterministic on re-marshal. jsoniter (like
// encoding/json) already sorts map keys when marshaling, but nested maps
// decoded via `any` need the same guarantee applied recursively so floats
// and slices round-trip identically.
func normalize(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(v))
		for _, k := range keys {
			n, err := normalize(v[k])
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}
