package wsapi

import (
	"path/filepath"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// ObjectStored is the pair of completeness flags the index keeps per object.
// Node means the object's own bytes are in the store; Subtree means the object
// and every transitive child are (the object is complete).
type ObjectStored struct {
	Node    bool
	Subtree bool
}

// ObjectMetadata describes an object's subtree. Count and Weight are nil until
// every child's metadata is known, and never change once set.
type ObjectMetadata struct {
	Size   uint64
	Count  *uint64
	Weight *uint64
}

type ObjectEntry struct {
	Stored     ObjectStored
	Metadata   ObjectMetadata
	CacheEntry *ObjectID
	TouchedAt  int64
}

// ProcessStored holds a process's completeness flags.
// Node* flags cover the objects this process references in that role;
// Subtree* flags cover the same for every process in its subtree.
type ProcessStored struct {
	Node    bool
	Subtree bool

	NodeCommand bool
	NodeError   bool
	NodeLog     bool
	NodeOutput  bool

	SubtreeCommand bool
	SubtreeError   bool
	SubtreeLog     bool
	SubtreeOutput  bool
}

func (s *ProcessStored) nodeRole(r ProcessRole) *bool {
	switch r {
	case ProcessRole_Command:
		return &s.NodeCommand
	case ProcessRole_Error:
		return &s.NodeError
	case ProcessRole_Log:
		return &s.NodeLog
	default:
		return &s.NodeOutput
	}
}

func (s *ProcessStored) subtreeRole(r ProcessRole) *bool {
	switch r {
	case ProcessRole_Command:
		return &s.SubtreeCommand
	case ProcessRole_Error:
		return &s.SubtreeError
	case ProcessRole_Log:
		return &s.SubtreeLog
	default:
		return &s.SubtreeOutput
	}
}

func (s ProcessStored) NodeRole(r ProcessRole) bool    { return *s.nodeRole(r) }
func (s ProcessStored) SubtreeRole(r ProcessRole) bool { return *s.subtreeRole(r) }

func (s *ProcessStored) SetNodeRole(r ProcessRole, v bool)    { *s.nodeRole(r) = v }
func (s *ProcessStored) SetSubtreeRole(r ProcessRole, v bool) { *s.subtreeRole(r) = v }

// Complete reports whether the process subtree and every role's objects are stored.
func (s ProcessStored) Complete() bool {
	if !s.Subtree {
		return false
	}
	for _, r := range ProcessRoles {
		if !s.SubtreeRole(r) {
			return false
		}
	}
	return true
}

// Merge ORs the flags of o into s. Flags are only ever set by merging.
func (s ProcessStored) Merge(o ProcessStored) ProcessStored {
	s.Node = s.Node || o.Node
	s.Subtree = s.Subtree || o.Subtree
	for _, r := range ProcessRoles {
		s.SetNodeRole(r, s.NodeRole(r) || o.NodeRole(r))
		s.SetSubtreeRole(r, s.SubtreeRole(r) || o.SubtreeRole(r))
	}
	return s
}

// ProcessMetadata counts distinct processes in the subtree and weighs the
// distinct objects they reference.
type ProcessMetadata struct {
	Count  *uint64
	Weight *uint64
}

type ProcessEntry struct {
	Stored    ProcessStored
	Finished  bool
	Metadata  ProcessMetadata
	TouchedAt int64
}

// CacheReference records that an object's bytes live in a file in the on-disk
// cache rather than inline in the store.
type CacheReference struct {
	Artifact ObjectID
	Path     *string
	Position uint64
	Length   uint64
}

// FilePath is where the referenced bytes live under cacheDir.
func (r CacheReference) FilePath(cacheDir string) string {
	p := filepath.Join(cacheDir, r.Artifact.String())
	if r.Path != nil {
		p = filepath.Join(p, filepath.FromSlash(*r.Path))
	}
	return p
}

// Encode serializes the reference in binary wire format.
//
// Errors:
//
//   - warpstore-error-serialization -- if encoding fails
func (r CacheReference) Encode() ([]byte, error) {
	n, err := qp.BuildMap(basicnode.Prototype.Any, 4, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "artifact", qp.String(r.Artifact.String()))
		if r.Path != nil {
			qp.MapEntry(ma, "path", qp.String(*r.Path))
		}
		qp.MapEntry(ma, "position", qp.Int(int64(r.Position)))
		qp.MapEntry(ma, "length", qp.Int(int64(r.Length)))
	})
	if err != nil {
		return nil, ErrorSerialization("encode cache reference", err)
	}
	return EncodeNode(n, FormatBinary)
}

// DecodeCacheReference accepts either wire format.
//
// Errors:
//
//   - warpstore-error-serialization -- if the bytes are not a cache reference
func DecodeCacheReference(b []byte) (CacheReference, error) {
	n, err := DecodeNode(b)
	if err != nil {
		return CacheReference{}, err
	}
	var r CacheReference
	if r.Artifact, err = readID(n, "artifact"); err != nil {
		return CacheReference{}, err
	}
	if r.Path, err = readOptString(n, "path"); err != nil {
		return CacheReference{}, err
	}
	pos, err := readInt(n, "position")
	if err != nil {
		return CacheReference{}, err
	}
	length, err := readInt(n, "length")
	if err != nil {
		return CacheReference{}, err
	}
	r.Position, r.Length = uint64(pos), uint64(length)
	return r, nil
}
