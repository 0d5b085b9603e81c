// Package canonical provides canonical JSON encoding and content digests for
// frozen inference artifacts.
//
// Two artifacts that describe the same parameters must produce byte-identical
// canonical encodings, so that their fingerprints can be compared to detect a
// pipeline/model pairing mismatch:
//   - Floats are encoded with the shortest representation that round-trips
//     exactly (no rounding, unlike display formatting)
//   - Map keys are sorted
//   - No whitespace
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Float formats a float64 with the shortest exact round-trip representation.
//
// Example:
//
//	Float(0.1)  // "0.1"
//	Float(1e21) // "1e+21"
func Float(x float64) string {
	return strconv.FormatFloat(x, 'g', -1, 64)
}

// Marshal produces canonical JSON for v.
//
// v is first encoded with encoding/json and then re-encoded through a
// generic value tree so that key order and number formatting are fixed
// regardless of struct field order.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return fmt.Errorf("canonical: number %q: %w", t.String(), err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("canonical: non-finite number")
		}
		buf.WriteString(Float(f))
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the hex SHA-256 of the canonical encoding of v.
func Fingerprint(v any) (string, error) {
	payload, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return Digest(payload), nil
}

// FloatsKey encodes a float slice bit-exactly for use as a map or cache key.
func FloatsKey(xs []float64) string {
	b := make([]byte, 0, len(xs)*17)
	for _, x := range xs {
		b = strconv.AppendUint(b, math.Float64bits(x), 16)
		b = append(b, ':')
	}
	return string(b)
}
