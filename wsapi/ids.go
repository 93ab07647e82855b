package wsapi

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

type ObjectKind string

const (
	ObjectKind_Leaf      ObjectKind = "leaf"
	ObjectKind_Branch    ObjectKind = "branch"
	ObjectKind_Directory ObjectKind = "directory"
	ObjectKind_File      ObjectKind = "file"
	ObjectKind_Symlink   ObjectKind = "symlink"
	ObjectKind_Graph     ObjectKind = "graph"
	ObjectKind_Command   ObjectKind = "command"
)

var kindPrefixes = map[ObjectKind]string{
	ObjectKind_Leaf:      "lef",
	ObjectKind_Branch:    "bch",
	ObjectKind_Directory: "dir",
	ObjectKind_File:      "fil",
	ObjectKind_Symlink:   "sym",
	ObjectKind_Graph:     "gph",
	ObjectKind_Command:   "cmd",
}

var prefixKinds = func() map[string]ObjectKind {
	m := make(map[string]ObjectKind, len(kindPrefixes))
	for k, p := range kindPrefixes {
		m[p] = k
	}
	return m
}()

// IsArtifact reports whether objects of this kind can be checked out on their own.
func (k ObjectKind) IsArtifact() bool {
	return k == ObjectKind_Directory || k == ObjectKind_File || k == ObjectKind_Symlink
}

// IsBlob reports whether objects of this kind hold file contents.
func (k ObjectKind) IsBlob() bool {
	return k == ObjectKind_Leaf || k == ObjectKind_Branch
}

// ObjectID identifies an object by the hash of its canonical bytes.
// The zero value is not a valid id.
type ObjectID struct {
	Kind   ObjectKind
	Digest cid.Cid
}

// NewObjectID hashes the canonical bytes of an object of the given kind.
func NewObjectID(kind ObjectKind, canonical []byte) ObjectID {
	sum, err := multihash.Sum(canonical, multihash.SHA2_256, -1)
	if err != nil {
		// sha2-256 is always registered.
		panic(err)
	}
	codec := uint64(cid.DagCBOR)
	if kind == ObjectKind_Leaf {
		codec = cid.Raw
	}
	return ObjectID{Kind: kind, Digest: cid.NewCidV1(codec, sum)}
}

func (id ObjectID) String() string {
	return kindPrefixes[id.Kind] + "_" + id.Digest.String()
}

func (id ObjectID) IsZero() bool {
	return !id.Digest.Defined()
}

// ParseObjectID is the inverse of ObjectID.String.
//
// Errors:
//
//   - warpstore-error-invalid -- if s is not a well-formed object id
func ParseObjectID(s string) (ObjectID, error) {
	prefix, rest, ok := strings.Cut(s, "_")
	if !ok {
		return ObjectID{}, ErrorInvalid(fmt.Sprintf("invalid object id %q", s), [2]string{"id", s})
	}
	kind, ok := prefixKinds[prefix]
	if !ok {
		return ObjectID{}, ErrorInvalid(fmt.Sprintf("invalid object id %q: unknown kind %q", s, prefix), [2]string{"id", s})
	}
	c, err := cid.Decode(rest)
	if err != nil {
		return ObjectID{}, ErrorInvalid(fmt.Sprintf("invalid object id %q: %s", s, err), [2]string{"id", s})
	}
	return ObjectID{Kind: kind, Digest: c}, nil
}

// ProcessID identifies an execution record. Processes are not content addressed.
type ProcessID struct {
	UUID uuid.UUID
}

const processPrefix = "pcs_"

// NewProcessID allocates a time-ordered process id.
func NewProcessID() ProcessID {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return ProcessID{UUID: u}
}

func (id ProcessID) String() string {
	return processPrefix + id.UUID.String()
}

// ParseProcessID is the inverse of ProcessID.String.
//
// Errors:
//
//   - warpstore-error-invalid -- if s is not a well-formed process id
func ParseProcessID(s string) (ProcessID, error) {
	rest, ok := strings.CutPrefix(s, processPrefix)
	if !ok {
		return ProcessID{}, ErrorInvalid(fmt.Sprintf("invalid process id %q", s), [2]string{"id", s})
	}
	u, err := uuid.Parse(rest)
	if err != nil {
		return ProcessID{}, ErrorInvalid(fmt.Sprintf("invalid process id %q: %s", s, err), [2]string{"id", s})
	}
	return ProcessID{UUID: u}, nil
}

// Item is either an object or a process id. Exactly one field is set.
type Item struct {
	Object  *ObjectID
	Process *ProcessID
}

func ObjectItem(id ObjectID) Item   { return Item{Object: &id} }
func ProcessItem(id ProcessID) Item { return Item{Process: &id} }

func (it Item) String() string {
	switch {
	case it.Object != nil:
		return it.Object.String()
	case it.Process != nil:
		return it.Process.String()
	default:
		return ""
	}
}

// ParseItem accepts either an object id or a process id.
//
// Errors:
//
//   - warpstore-error-invalid -- if s is neither
func ParseItem(s string) (Item, error) {
	if strings.HasPrefix(s, processPrefix) {
		id, err := ParseProcessID(s)
		if err != nil {
			return Item{}, err
		}
		return ProcessItem(id), nil
	}
	id, err := ParseObjectID(s)
	if err != nil {
		return Item{}, err
	}
	return ObjectItem(id), nil
}
