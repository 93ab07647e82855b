package wsapi

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"
)

// Format is the one-byte discriminator at the front of every encoded value.
type Format byte

const (
	// FormatBinary is followed by dag-cbor.
	FormatBinary Format = 0
	// FormatJSON is not followed by anything: the value is dag-json and its first byte is '{'.
	FormatJSON Format = '{'
)

// EncodeNode serializes n in the given format.
//
// Errors:
//
//   - warpstore-error-serialization -- if the node cannot be encoded
func EncodeNode(n datamodel.Node, format Format) ([]byte, error) {
	switch format {
	case FormatBinary:
		var buf bytes.Buffer
		buf.WriteByte(byte(FormatBinary))
		if err := dagcbor.Encode(n, &buf); err != nil {
			return nil, ErrorSerialization("dag-cbor encode", err)
		}
		return buf.Bytes(), nil
	case FormatJSON:
		b, err := ipld.Encode(n, dagjson.Encode)
		if err != nil {
			return nil, ErrorSerialization("dag-json encode", err)
		}
		return b, nil
	default:
		return nil, ErrorSerialization("encode", fmt.Errorf("unknown format %d", format))
	}
}

// DecodeNode accepts either format, dispatching on the first byte.
//
// Errors:
//
//   - warpstore-error-serialization -- if the format byte is unknown or the payload is malformed
func DecodeNode(b []byte) (datamodel.Node, error) {
	if len(b) == 0 {
		return nil, ErrorSerialization("decode", errors.New("empty value"))
	}
	switch Format(b[0]) {
	case FormatBinary:
		n, err := ipld.Decode(b[1:], dagcbor.Decode)
		if err != nil {
			return nil, ErrorSerialization("dag-cbor decode", err)
		}
		return n, nil
	case FormatJSON:
		n, err := ipld.Decode(b, dagjson.Decode)
		if err != nil {
			return nil, ErrorSerialization("dag-json decode", err)
		}
		return n, nil
	default:
		return nil, ErrorSerialization("decode", fmt.Errorf("invalid format byte %#x", b[0]))
	}
}

// The helpers below read fields out of decoded map nodes.
// A missing optional field is reported with ok=false rather than an error.

func lookup(n datamodel.Node, key string) (datamodel.Node, bool, error) {
	v, err := n.LookupByString(key)
	if err != nil {
		var notExists datamodel.ErrNotExists
		if errors.As(err, &notExists) {
			return nil, false, nil
		}
		return nil, false, ErrorSerialization("lookup "+key, err)
	}
	if v.IsNull() || v.IsAbsent() {
		return nil, false, nil
	}
	return v, true, nil
}

func mustLookup(n datamodel.Node, key string) (datamodel.Node, error) {
	v, ok, err := lookup(n, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrorSerialization("decode", fmt.Errorf("missing field %q", key))
	}
	return v, nil
}

func readString(n datamodel.Node, key string) (string, error) {
	v, err := mustLookup(n, key)
	if err != nil {
		return "", err
	}
	s, err := v.AsString()
	if err != nil {
		return "", ErrorSerialization("field "+key, err)
	}
	return s, nil
}

func readOptString(n datamodel.Node, key string) (*string, error) {
	v, ok, err := lookup(n, key)
	if err != nil || !ok {
		return nil, err
	}
	s, err := v.AsString()
	if err != nil {
		return nil, ErrorSerialization("field "+key, err)
	}
	return &s, nil
}

func readInt(n datamodel.Node, key string) (int64, error) {
	v, err := mustLookup(n, key)
	if err != nil {
		return 0, err
	}
	i, err := v.AsInt()
	if err != nil {
		return 0, ErrorSerialization("field "+key, err)
	}
	return i, nil
}

func readOptInt(n datamodel.Node, key string) (*int64, error) {
	v, ok, err := lookup(n, key)
	if err != nil || !ok {
		return nil, err
	}
	i, err := v.AsInt()
	if err != nil {
		return nil, ErrorSerialization("field "+key, err)
	}
	return &i, nil
}

func readBool(n datamodel.Node, key string) (bool, error) {
	v, ok, err := lookup(n, key)
	if err != nil || !ok {
		return false, err
	}
	b, err := v.AsBool()
	if err != nil {
		return false, ErrorSerialization("field "+key, err)
	}
	return b, nil
}

func readBytes(n datamodel.Node, key string) ([]byte, error) {
	v, ok, err := lookup(n, key)
	if err != nil || !ok {
		return nil, err
	}
	b, err := v.AsBytes()
	if err != nil {
		return nil, ErrorSerialization("field "+key, err)
	}
	return b, nil
}

// readList calls fn for each element of the list at key; an absent list is empty.
func readList(n datamodel.Node, key string, fn func(datamodel.Node) error) error {
	v, ok, err := lookup(n, key)
	if err != nil || !ok {
		return err
	}
	if v.Kind() != datamodel.Kind_List {
		return ErrorSerialization("field "+key, fmt.Errorf("expected list, got %s", v.Kind()))
	}
	it := v.ListIterator()
	for !it.Done() {
		_, elem, err := it.Next()
		if err != nil {
			return ErrorSerialization("field "+key, err)
		}
		if err := fn(elem); err != nil {
			return err
		}
	}
	return nil
}

func readStringList(n datamodel.Node, key string) ([]string, error) {
	var out []string
	err := readList(n, key, func(e datamodel.Node) error {
		s, err := e.AsString()
		if err != nil {
			return ErrorSerialization("field "+key, err)
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

// readUnion decodes a keyed union: a map with exactly one entry naming the member.
func readUnion(n datamodel.Node) (string, datamodel.Node, error) {
	if n.Kind() != datamodel.Kind_Map || n.Length() != 1 {
		return "", nil, ErrorSerialization("union", fmt.Errorf("expected single-entry map"))
	}
	it := n.MapIterator()
	k, v, err := it.Next()
	if err != nil {
		return "", nil, ErrorSerialization("union", err)
	}
	name, err := k.AsString()
	if err != nil {
		return "", nil, ErrorSerialization("union", err)
	}
	return name, v, nil
}
