/*
Package tuple encodes ordered tuples of integers, strings and byte strings into
keys whose byte order matches the tuples' element-wise order.

The layout is the FoundationDB tuple layer's, restricted to the element types
the store and index need. A packed tuple is a byte prefix of every longer tuple
that starts with the same elements, so a packed prefix can be used for range
scans in an ordered key-value store.
*/
package tuple

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	codeBytes   = 0x01
	codeString  = 0x02
	codeIntZero = 0x14
)

var sizeLimits = [...]uint64{
	1<<(0*8) - 1,
	1<<(1*8) - 1,
	1<<(2*8) - 1,
	1<<(3*8) - 1,
	1<<(4*8) - 1,
	1<<(5*8) - 1,
	1<<(6*8) - 1,
	1<<(7*8) - 1,
	1<<64 - 1,
}

// Tuple is a list of elements. Each element is an int64 (or int), a string, or a []byte.
type Tuple []interface{}

// Pack encodes the tuple. It panics on unsupported element types.
func (t Tuple) Pack() []byte {
	var buf bytes.Buffer
	for _, e := range t {
		switch v := e.(type) {
		case int:
			encodeInt(&buf, int64(v))
		case int64:
			encodeInt(&buf, v)
		case uint8:
			encodeInt(&buf, int64(v))
		case string:
			encodeBytes(&buf, codeString, []byte(v))
		case []byte:
			encodeBytes(&buf, codeBytes, v)
		default:
			panic(fmt.Sprintf("tuple: unsupported element type %T", e))
		}
	}
	return buf.Bytes()
}

func encodeBytes(buf *bytes.Buffer, code byte, b []byte) {
	buf.WriteByte(code)
	for _, c := range b {
		buf.WriteByte(c)
		if c == 0x00 {
			buf.WriteByte(0xff)
		}
	}
	buf.WriteByte(0x00)
}

func encodeInt(buf *bytes.Buffer, i int64) {
	if i == 0 {
		buf.WriteByte(codeIntZero)
		return
	}
	var mag uint64
	if i > 0 {
		mag = uint64(i)
	} else {
		mag = uint64(-i)
	}
	n := 1
	for mag > sizeLimits[n] {
		n++
	}
	var scratch [8]byte
	if i > 0 {
		buf.WriteByte(byte(codeIntZero + n))
		binary.BigEndian.PutUint64(scratch[:], mag)
	} else {
		buf.WriteByte(byte(codeIntZero - n))
		binary.BigEndian.PutUint64(scratch[:], sizeLimits[n]-mag)
	}
	buf.Write(scratch[8-n:])
}

// Unpack decodes a packed tuple. Integers come back as int64, strings as string,
// byte strings as []byte.
func Unpack(b []byte) (Tuple, error) {
	var t Tuple
	for i := 0; i < len(b); {
		code := b[i]
		switch {
		case code == codeBytes || code == codeString:
			v, next, err := decodeBytes(b, i+1)
			if err != nil {
				return nil, err
			}
			if code == codeString {
				t = append(t, string(v))
			} else {
				t = append(t, v)
			}
			i = next
		case code >= codeIntZero-8 && code <= codeIntZero+8:
			n := int(code) - codeIntZero
			neg := n < 0
			if neg {
				n = -n
			}
			if i+1+n > len(b) {
				return nil, fmt.Errorf("tuple: truncated integer at offset %d", i)
			}
			var scratch [8]byte
			copy(scratch[8-n:], b[i+1:i+1+n])
			mag := binary.BigEndian.Uint64(scratch[:])
			if neg {
				mag = sizeLimits[n] - mag
				t = append(t, -int64(mag))
			} else {
				t = append(t, int64(mag))
			}
			i += 1 + n
		default:
			return nil, fmt.Errorf("tuple: unknown type code %#x at offset %d", code, i)
		}
	}
	return t, nil
}

func decodeBytes(b []byte, i int) ([]byte, int, error) {
	var out []byte
	for i < len(b) {
		if b[i] == 0x00 {
			if i+1 < len(b) && b[i+1] == 0xff {
				out = append(out, 0x00)
				i += 2
				continue
			}
			return out, i + 1, nil
		}
		out = append(out, b[i])
		i++
	}
	return nil, 0, fmt.Errorf("tuple: unterminated byte string")
}

// Strinc returns the smallest key greater than every key with the given prefix,
// or nil when no such key exists.
func Strinc(prefix []byte) []byte {
	p := bytes.TrimRight(prefix, "\xff")
	if len(p) == 0 {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	out[len(out)-1]++
	return out
}

// Before reports whether k is a key that sorts below end.
// A nil end bounds nothing, as returned by Strinc for an all-0xff prefix.
func Before(k, end []byte) bool {
	return k != nil && (end == nil || bytes.Compare(k, end) < 0)
}
