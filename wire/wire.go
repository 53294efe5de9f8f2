// Package wire implements the JSON-superset codec used only at the procedure and channel
// boundary. It preserves values encoding/json alone cannot round-trip: time.Time, Set, a
// Map keyed by non-string types, NaN and ±Infinity — and drops struct fields that decode to
// Undefined instead of emitting `null`.
//
// Internally the rest of the module (contract, dispatch, channelrt, sidekick) never imports
// this package: they pass already-decoded `any` values around. wire sits only at the two
// places raw bytes cross the boundary — protocol frame bodies and (in an HTTP/WS adapter)
// request/response bodies.
package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

// Set is an unordered, deduplicated collection, preserved across the wire as {"$set": [...]}.
type Set struct {
	items []any
}

// NewSet builds a Set from the given values, deduplicating by their encoded JSON form.
func NewSet(values ...any) *Set {
	s := &Set{}
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add inserts v if no equal value (by JSON encoding) is already present.
func (s *Set) Add(v any) {
	key, err := json.Marshal(v)
	if err != nil {
		return
	}
	for _, item := range s.items {
		existing, err := json.Marshal(item)
		if err == nil && bytes.Equal(existing, key) {
			return
		}
	}
	s.items = append(s.items, v)
}

// Values returns the set members in insertion order.
func (s *Set) Values() []any {
	out := make([]any, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Set) Len() int { return len(s.items) }

// Map is a map whose keys are not necessarily strings, preserved as {"$map": [[k, v], ...]}.
type Map struct {
	pairs [][2]any
}

// NewMap builds an empty Map.
func NewMap() *Map { return &Map{} }

// Set stores (or overwrites, by encoded-key equality) a key/value pair.
func (m *Map) Set(key, value any) {
	encodedKey, err := json.Marshal(key)
	if err != nil {
		return
	}
	for i, pair := range m.pairs {
		existing, err := json.Marshal(pair[0])
		if err == nil && bytes.Equal(existing, encodedKey) {
			m.pairs[i][1] = value
			return
		}
	}
	m.pairs = append(m.pairs, [2]any{key, value})
}

// Pairs returns the key/value pairs in insertion order.
func (m *Map) Pairs() [][2]any {
	out := make([][2]any, len(m.pairs))
	copy(out, m.pairs)
	return out
}

// Date wraps a time.Time so it survives the superset round trip as {"$date": RFC3339Nano}.
type Date struct {
	Time time.Time
}

// undefinedType is the sentinel a decoded object field takes when its wire form was the
// extension marker for "undefined" (distinct from JSON null, which decodes to nil).
type undefinedType struct{}

// Undefined is the sentinel value: an object field decoding to Undefined is dropped rather
// than kept as a literal value, matching JS's undefined-vs-null distinction.
var Undefined = undefinedType{}

const (
	tagDate   = "$date"
	tagSet    = "$set"
	tagMap    = "$map"
	tagNumber = "$number"
	tagUndef  = "$undefined"
)

// Encode serializes v to the superset text format. Object fields whose value is Undefined
// are dropped. Circular references are reported as an error rather than overflowing the
// stack.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v, make(map[uintptr]bool), 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const maxEncodeDepth = 10000

func encodeValue(buf *bytes.Buffer, v any, seen map[uintptr]bool, depth int) error {
	if depth > maxEncodeDepth {
		return fmt.Errorf("wire: encode exceeded max depth %d (possible circular reference)", maxEncodeDepth)
	}

	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case undefinedType:
		buf.WriteString("null")
		return nil
	case *Date:
		return encodeTagged(buf, tagDate, val.Time.UTC().Format(time.RFC3339Nano))
	case Date:
		return encodeTagged(buf, tagDate, val.Time.UTC().Format(time.RFC3339Nano))
	case time.Time:
		return encodeTagged(buf, tagDate, val.UTC().Format(time.RFC3339Nano))
	case *Set:
		return encodeSet(buf, val, seen, depth)
	case *Map:
		return encodeMap(buf, val, seen, depth)
	case float64:
		return encodeFloat(buf, val)
	case float32:
		return encodeFloat(buf, float64(val))
	case map[string]any:
		return encodeObject(buf, val, seen, depth)
	case []any:
		return encodeArray(buf, val, seen, depth)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(raw)
		return nil
	}
}

func encodeTagged(buf *bytes.Buffer, tag string, value string) error {
	encodedValue, err := json.Marshal(value)
	if err != nil {
		return err
	}
	encodedTag, err := json.Marshal(tag)
	if err != nil {
		return err
	}
	buf.WriteByte('{')
	buf.Write(encodedTag)
	buf.WriteByte(':')
	buf.Write(encodedValue)
	buf.WriteByte('}')
	return nil
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	switch {
	case math.IsNaN(f):
		return encodeTagged(buf, tagNumber, "NaN")
	case math.IsInf(f, 1):
		return encodeTagged(buf, tagNumber, "Infinity")
	case math.IsInf(f, -1):
		return encodeTagged(buf, tagNumber, "-Infinity")
	default:
		raw, err := json.Marshal(f)
		if err != nil {
			return err
		}
		buf.Write(raw)
		return nil
	}
}

func encodeSet(buf *bytes.Buffer, s *Set, seen map[uintptr]bool, depth int) error {
	buf.WriteString(`{"` + tagSet + `":[`)
	for i, item := range s.items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, item, seen, depth+1); err != nil {
			return err
		}
	}
	buf.WriteString("]}")
	return nil
}

func encodeMap(buf *bytes.Buffer, m *Map, seen map[uintptr]bool, depth int) error {
	buf.WriteString(`{"` + tagMap + `":[`)
	for i, pair := range m.pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('[')
		if err := encodeValue(buf, pair[0], seen, depth+1); err != nil {
			return err
		}
		buf.WriteByte(',')
		if err := encodeValue(buf, pair[1], seen, depth+1); err != nil {
			return err
		}
		buf.WriteByte(']')
	}
	buf.WriteString("]}")
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any, seen map[uintptr]bool, depth int) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	first := true
	for _, k := range keys {
		v := obj[k]
		if _, isUndef := v.(undefinedType); isUndef {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		encodedKey, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')
		if err := encodeValue(buf, v, seen, depth+1); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any, seen map[uintptr]bool, depth int) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, item, seen, depth+1); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// Decode parses the superset text format into an any (maps/arrays/primitives, with $date,
// $set, $map, $number extensions restored to Date/Set/Map/NaN/Infinity). It is strict: any
// bytes after the top-level value (other than whitespace) are a decode error, and malformed
// JSON (trailing commas, unterminated strings, unknown keywords) is rejected by the
// underlying decoder.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}

	// Reject trailing non-whitespace — the closest encoding/json gets to rejecting garbage
	// after the value.
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, fmt.Errorf("wire: trailing data after top-level value")
	}

	return restore(raw)
}

func restore(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		return restoreObject(val)
	case []any:
		restored := make([]any, len(val))
		for i, item := range val {
			r, err := restore(item)
			if err != nil {
				return nil, err
			}
			restored[i] = r
		}
		return restored, nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("wire: invalid number %q: %w", val.String(), err)
		}
		return f, nil
	default:
		return val, nil
	}
}

func restoreObject(obj map[string]any) (any, error) {
	if len(obj) == 1 {
		if raw, ok := obj[tagDate]; ok {
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("wire: %s must be a string", tagDate)
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("wire: invalid %s: %w", tagDate, err)
			}
			return Date{Time: t}, nil
		}
		if raw, ok := obj[tagSet]; ok {
			items, ok := raw.([]any)
			if !ok {
				return nil, fmt.Errorf("wire: %s must be an array", tagSet)
			}
			s := NewSet()
			for _, item := range items {
				r, err := restore(item)
				if err != nil {
					return nil, err
				}
				s.Add(r)
			}
			return s, nil
		}
		if raw, ok := obj[tagMap]; ok {
			pairs, ok := raw.([]any)
			if !ok {
				return nil, fmt.Errorf("wire: %s must be an array", tagMap)
			}
			m := NewMap()
			for _, rawPair := range pairs {
				pair, ok := rawPair.([]any)
				if !ok || len(pair) != 2 {
					return nil, fmt.Errorf("wire: %s entries must be [key, value] pairs", tagMap)
				}
				k, err := restore(pair[0])
				if err != nil {
					return nil, err
				}
				val, err := restore(pair[1])
				if err != nil {
					return nil, err
				}
				m.Set(k, val)
			}
			return m, nil
		}
		if raw, ok := obj[tagNumber]; ok {
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("wire: %s must be a string", tagNumber)
			}
			switch s {
			case "NaN":
				return math.NaN(), nil
			case "Infinity":
				return math.Inf(1), nil
			case "-Infinity":
				return math.Inf(-1), nil
			default:
				return nil, fmt.Errorf("wire: unrecognized %s value %q", tagNumber, s)
			}
		}
		if _, ok := obj[tagUndef]; ok {
			return Undefined, nil
		}
	}

	restored := make(map[string]any, len(obj))
	for k, v := range obj {
		r, err := restore(v)
		if err != nil {
			return nil, err
		}
		if _, isUndefined := r.(undefinedType); isUndefined {
			continue
		}
		restored[k] = r
	}
	return restored, nil
}

// EncodeBase64 is a convenience used by transports that must embed wire-encoded bytes
// inside another text envelope (e.g. a JSON field of an outer protocol message).
func EncodeBase64(v any) (string, error) {
	raw, err := Encode(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
