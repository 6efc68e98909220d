// Package codec implements the type-tagged binary encoding used for WAL
// payloads and page-resident structures. Every value is written as a
// one-byte tag followed by its little-endian body, so a reader can detect
// a type mismatch instead of silently misinterpreting bytes.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/smartpcr/docengine/internal/util"
)

// Type tags. The tag value is part of the on-disk format; append new tags,
// never renumber.
const (
	TagNull byte = iota
	TagBool
	TagInt64
	TagUint64
	TagFloat64
	TagString
	TagBytes
	TagTime
	TagArray
	TagMap
)

// Marshal encodes v as a tagged little-endian byte sequence. Supported
// kinds: nil, bool, all signed and unsigned integers, float32/float64,
// string, []byte, time.Time, []interface{}, and map[string]interface{}
// (nested arbitrarily).
func Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	return appendValue(buf, v)
}

func appendValue(buf []byte, v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, TagNull), nil
	case bool:
		buf = append(buf, TagBool)
		if x {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case int:
		return appendInt64(buf, int64(x)), nil
	case int8:
		return appendInt64(buf, int64(x)), nil
	case int16:
		return appendInt64(buf, int64(x)), nil
	case int32:
		return appendInt64(buf, int64(x)), nil
	case int64:
		return appendInt64(buf, x), nil
	case uint:
		return appendUint64(buf, uint64(x)), nil
	case uint8:
		return appendUint64(buf, uint64(x)), nil
	case uint16:
		return appendUint64(buf, uint64(x)), nil
	case uint32:
		return appendUint64(buf, uint64(x)), nil
	case uint64:
		return appendUint64(buf, x), nil
	case float32:
		return appendFloat64(buf, float64(x)), nil
	case float64:
		return appendFloat64(buf, x), nil
	case string:
		buf = append(buf, TagString)
		buf = appendLen(buf, len(x))
		return append(buf, x...), nil
	case []byte:
		buf = append(buf, TagBytes)
		buf = appendLen(buf, len(x))
		return append(buf, x...), nil
	case time.Time:
		buf = append(buf, TagTime)
		var tick [8]byte
		binary.LittleEndian.PutUint64(tick[:], uint64(x.UTC().UnixNano()))
		return append(buf, tick[:]...), nil
	case []interface{}:
		buf = append(buf, TagArray)
		buf = appendLen(buf, len(x))
		var err error
		for _, elem := range x {
			if buf, err = appendValue(buf, elem); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case []uint64:
		buf = append(buf, TagArray)
		buf = appendLen(buf, len(x))
		for _, elem := range x {
			buf = appendUint64(buf, elem)
		}
		return buf, nil
	case []string:
		buf = append(buf, TagArray)
		buf = appendLen(buf, len(x))
		for _, elem := range x {
			buf = append(buf, TagString)
			buf = appendLen(buf, len(elem))
			buf = append(buf, elem...)
		}
		return buf, nil
	case map[string]interface{}:
		buf = append(buf, TagMap)
		buf = appendLen(buf, len(x))
		var err error
		for k, elem := range x {
			buf = append(buf, TagString)
			buf = appendLen(buf, len(k))
			buf = append(buf, k...)
			if buf, err = appendValue(buf, elem); err != nil {
				return nil, err
			}
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", util.ErrArgument, v)
	}
}

func appendInt64(buf []byte, x int64) []byte {
	buf = append(buf, TagInt64)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(x))
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, x uint64) []byte {
	buf = append(buf, TagUint64)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	return append(buf, b[:]...)
}

func appendFloat64(buf []byte, x float64) []byte {
	buf = append(buf, TagFloat64)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(x))
	return append(buf, b[:]...)
}

func appendLen(buf []byte, n int) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(n))
	return append(buf, b[:]...)
}

// Unmarshal decodes a value produced by Marshal. Integers come back as
// int64 or uint64, floats as float64, arrays as []interface{}, mappings as
// map[string]interface{}. Trailing bytes after the value are a corrupt
// record, as is any unknown tag.
func Unmarshal(data []byte) (interface{}, error) {
	v, rest, err := readValue(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after value", util.ErrCorruptRecord, len(rest))
	}
	return v, nil
}

func readValue(data []byte) (interface{}, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: empty input", util.ErrCorruptRecord)
	}
	tag, body := data[0], data[1:]

	switch tag {
	case TagNull:
		return nil, body, nil
	case TagBool:
		if len(body) < 1 {
			return nil, nil, truncated("bool")
		}
		return body[0] != 0, body[1:], nil
	case TagInt64:
		if len(body) < 8 {
			return nil, nil, truncated("int64")
		}
		return int64(binary.LittleEndian.Uint64(body[:8])), body[8:], nil
	case TagUint64:
		if len(body) < 8 {
			return nil, nil, truncated("uint64")
		}
		return binary.LittleEndian.Uint64(body[:8]), body[8:], nil
	case TagFloat64:
		if len(body) < 8 {
			return nil, nil, truncated("float64")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(body[:8])), body[8:], nil
	case TagString:
		s, rest, err := readLenPrefixed(body, "string")
		if err != nil {
			return nil, nil, err
		}
		return string(s), rest, nil
	case TagBytes:
		b, rest, err := readLenPrefixed(body, "bytes")
		if err != nil {
			return nil, nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, rest, nil
	case TagTime:
		if len(body) < 8 {
			return nil, nil, truncated("time")
		}
		ticks := int64(binary.LittleEndian.Uint64(body[:8]))
		return time.Unix(0, ticks).UTC(), body[8:], nil
	case TagArray:
		if len(body) < 4 {
			return nil, nil, truncated("array length")
		}
		n := int(binary.LittleEndian.Uint32(body[:4]))
		body = body[4:]
		out := make([]interface{}, 0, n)
		for i := 0; i < n; i++ {
			var elem interface{}
			var err error
			elem, body, err = readValue(body)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, elem)
		}
		return out, body, nil
	case TagMap:
		if len(body) < 4 {
			return nil, nil, truncated("map length")
		}
		n := int(binary.LittleEndian.Uint32(body[:4]))
		body = body[4:]
		out := make(map[string]interface{}, n)
		for i := 0; i < n; i++ {
			if len(body) == 0 || body[0] != TagString {
				return nil, nil, fmt.Errorf("%w: map key is not a string", util.ErrCorruptRecord)
			}
			key, rest, err := readLenPrefixed(body[1:], "map key")
			if err != nil {
				return nil, nil, err
			}
			var elem interface{}
			elem, body, err = readValue(rest)
			if err != nil {
				return nil, nil, err
			}
			out[string(key)] = elem
		}
		return out, body, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown type tag 0x%02x", util.ErrCorruptRecord, tag)
	}
}

func readLenPrefixed(body []byte, what string) ([]byte, []byte, error) {
	if len(body) < 4 {
		return nil, nil, truncated(what)
	}
	n := int(binary.LittleEndian.Uint32(body[:4]))
	body = body[4:]
	if len(body) < n {
		return nil, nil, truncated(what)
	}
	return body[:n], body[n:], nil
}

func truncated(what string) error {
	return fmt.Errorf("%w: truncated %s", util.ErrCorruptRecord, what)
}
