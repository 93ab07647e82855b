package wsapi

import (
	"fmt"
	"sort"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// Object is the decoded data of an object. Exactly one field is set.
//
// Every id an object refers to is embedded in its encoding, so an object's id
// can only be computed once all of its children's ids are known.
type Object struct {
	Leaf      *Leaf
	Branch    *Branch
	Directory *Directory
	File      *File
	Symlink   *Symlink
	Graph     *Graph
	Command   *Command
}

// Leaf holds raw blob bytes. Its encoding is the bytes themselves.
type Leaf struct {
	Bytes []byte
}

type Branch struct {
	Children []BranchChild
}

type BranchChild struct {
	Blob   ObjectID
	Length uint64
}

// Directory entries are kept sorted by name.
type Directory struct {
	Entries []DirectoryEntry
}

type DirectoryEntry struct {
	Name     string
	Artifact ObjectID
}

type File struct {
	Contents     ObjectID
	Executable   bool
	Dependencies []ObjectID
}

type Symlink struct {
	Artifact *ObjectID
	Path     *string
}

type Graph struct {
	Nodes []GraphNode
}

type GraphNode struct {
	Kind       ObjectKind
	References []ObjectID
}

type Command struct {
	Executable *ObjectID
	Args       []string
	Env        []EnvVar
	Host       string
	References []ObjectID
}

type EnvVar struct {
	Key   string
	Value string
}

func (o Object) Kind() ObjectKind {
	switch {
	case o.Leaf != nil:
		return ObjectKind_Leaf
	case o.Branch != nil:
		return ObjectKind_Branch
	case o.Directory != nil:
		return ObjectKind_Directory
	case o.File != nil:
		return ObjectKind_File
	case o.Symlink != nil:
		return ObjectKind_Symlink
	case o.Graph != nil:
		return ObjectKind_Graph
	case o.Command != nil:
		return ObjectKind_Command
	default:
		return ""
	}
}

// Children returns the distinct ids embedded in the object, sorted.
func (o Object) Children() []ObjectID {
	seen := map[ObjectID]struct{}{}
	var out []ObjectID
	add := func(id ObjectID) {
		if id.IsZero() {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	switch {
	case o.Branch != nil:
		for _, c := range o.Branch.Children {
			add(c.Blob)
		}
	case o.Directory != nil:
		for _, e := range o.Directory.Entries {
			add(e.Artifact)
		}
	case o.File != nil:
		add(o.File.Contents)
		for _, d := range o.File.Dependencies {
			add(d)
		}
	case o.Symlink != nil:
		if o.Symlink.Artifact != nil {
			add(*o.Symlink.Artifact)
		}
	case o.Graph != nil:
		for _, n := range o.Graph.Nodes {
			for _, r := range n.References {
				add(r)
			}
		}
	case o.Command != nil:
		if o.Command.Executable != nil {
			add(*o.Command.Executable)
		}
		for _, r := range o.Command.References {
			add(r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Encode produces the canonical bytes the object id is computed over.
//
// Errors:
//
//   - warpstore-error-serialization -- if the object has no variant set
func (o Object) Encode() ([]byte, error) {
	return o.EncodeFormat(FormatBinary)
}

// EncodeFormat is Encode with a choice of format; only the binary form is canonical.
//
// Errors:
//
//   - warpstore-error-serialization -- if the object has no variant set
func (o Object) EncodeFormat(format Format) ([]byte, error) {
	if o.Leaf != nil {
		if o.Leaf.Bytes == nil {
			return []byte{}, nil
		}
		return o.Leaf.Bytes, nil
	}
	n, err := o.toNode()
	if err != nil {
		return nil, err
	}
	return EncodeNode(n, format)
}

// ID encodes the object and hashes the result.
//
// Errors:
//
//   - warpstore-error-serialization -- if the object cannot be encoded
func (o Object) ID() (ObjectID, []byte, error) {
	b, err := o.Encode()
	if err != nil {
		return ObjectID{}, nil, err
	}
	return NewObjectID(o.Kind(), b), b, nil
}

func (o Object) toNode() (datamodel.Node, error) {
	if o.Kind() == "" {
		return nil, ErrorSerialization("encode object", fmt.Errorf("object has no variant"))
	}
	return qp.BuildMap(basicnode.Prototype.Any, -1, func(ma datamodel.MapAssembler) {
		switch {
		case o.Branch != nil:
			qp.MapEntry(ma, "children", qp.List(int64(len(o.Branch.Children)), func(la datamodel.ListAssembler) {
				for _, c := range o.Branch.Children {
					c := c
					qp.ListEntry(la, qp.Map(2, func(ma datamodel.MapAssembler) {
						qp.MapEntry(ma, "blob", qp.String(c.Blob.String()))
						qp.MapEntry(ma, "length", qp.Int(int64(c.Length)))
					}))
				}
			}))
		case o.Directory != nil:
			entries := append([]DirectoryEntry(nil), o.Directory.Entries...)
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
			qp.MapEntry(ma, "entries", qp.List(int64(len(entries)), func(la datamodel.ListAssembler) {
				for _, e := range entries {
					e := e
					qp.ListEntry(la, qp.Map(2, func(ma datamodel.MapAssembler) {
						qp.MapEntry(ma, "name", qp.String(e.Name))
						qp.MapEntry(ma, "artifact", qp.String(e.Artifact.String()))
					}))
				}
			}))
		case o.File != nil:
			qp.MapEntry(ma, "contents", qp.String(o.File.Contents.String()))
			if o.File.Executable {
				qp.MapEntry(ma, "executable", qp.Bool(true))
			}
			if len(o.File.Dependencies) > 0 {
				qp.MapEntry(ma, "dependencies", idList(o.File.Dependencies))
			}
		case o.Symlink != nil:
			if o.Symlink.Artifact != nil {
				qp.MapEntry(ma, "artifact", qp.String(o.Symlink.Artifact.String()))
			}
			if o.Symlink.Path != nil {
				qp.MapEntry(ma, "path", qp.String(*o.Symlink.Path))
			}
		case o.Graph != nil:
			qp.MapEntry(ma, "nodes", qp.List(int64(len(o.Graph.Nodes)), func(la datamodel.ListAssembler) {
				for _, n := range o.Graph.Nodes {
					n := n
					qp.ListEntry(la, qp.Map(2, func(ma datamodel.MapAssembler) {
						qp.MapEntry(ma, "kind", qp.String(string(n.Kind)))
						qp.MapEntry(ma, "references", idList(n.References))
					}))
				}
			}))
		case o.Command != nil:
			if o.Command.Executable != nil {
				qp.MapEntry(ma, "executable", qp.String(o.Command.Executable.String()))
			}
			qp.MapEntry(ma, "args", qp.List(int64(len(o.Command.Args)), func(la datamodel.ListAssembler) {
				for _, a := range o.Command.Args {
					qp.ListEntry(la, qp.String(a))
				}
			}))
			qp.MapEntry(ma, "env", qp.List(int64(len(o.Command.Env)), func(la datamodel.ListAssembler) {
				for _, e := range o.Command.Env {
					e := e
					qp.ListEntry(la, qp.Map(2, func(ma datamodel.MapAssembler) {
						qp.MapEntry(ma, "key", qp.String(e.Key))
						qp.MapEntry(ma, "value", qp.String(e.Value))
					}))
				}
			}))
			qp.MapEntry(ma, "host", qp.String(o.Command.Host))
			if len(o.Command.References) > 0 {
				qp.MapEntry(ma, "references", idList(o.Command.References))
			}
		}
	})
}

func idList(ids []ObjectID) qp.Assemble {
	return qp.List(int64(len(ids)), func(la datamodel.ListAssembler) {
		for _, id := range ids {
			qp.ListEntry(la, qp.String(id.String()))
		}
	})
}

func readIDList(n datamodel.Node, key string) ([]ObjectID, error) {
	var out []ObjectID
	err := readList(n, key, func(e datamodel.Node) error {
		s, err := e.AsString()
		if err != nil {
			return ErrorSerialization("field "+key, err)
		}
		id, err := ParseObjectID(s)
		if err != nil {
			return ErrorSerialization("field "+key, err)
		}
		out = append(out, id)
		return nil
	})
	return out, err
}

func readID(n datamodel.Node, key string) (ObjectID, error) {
	s, err := readString(n, key)
	if err != nil {
		return ObjectID{}, err
	}
	id, err := ParseObjectID(s)
	if err != nil {
		return ObjectID{}, ErrorSerialization("field "+key, err)
	}
	return id, nil
}

func readOptID(n datamodel.Node, key string) (*ObjectID, error) {
	s, err := readOptString(n, key)
	if err != nil || s == nil {
		return nil, err
	}
	id, err := ParseObjectID(*s)
	if err != nil {
		return nil, ErrorSerialization("field "+key, err)
	}
	return &id, nil
}

// DecodeObject parses object bytes of the given kind, in either wire format.
//
// Errors:
//
//   - warpstore-error-serialization -- if the bytes do not decode as that kind
func DecodeObject(kind ObjectKind, b []byte) (Object, error) {
	if kind == ObjectKind_Leaf {
		return Object{Leaf: &Leaf{Bytes: b}}, nil
	}
	n, err := DecodeNode(b)
	if err != nil {
		return Object{}, err
	}
	switch kind {
	case ObjectKind_Branch:
		var br Branch
		err := readList(n, "children", func(e datamodel.Node) error {
			blob, err := readID(e, "blob")
			if err != nil {
				return err
			}
			length, err := readInt(e, "length")
			if err != nil {
				return err
			}
			br.Children = append(br.Children, BranchChild{Blob: blob, Length: uint64(length)})
			return nil
		})
		return Object{Branch: &br}, err
	case ObjectKind_Directory:
		var dir Directory
		err := readList(n, "entries", func(e datamodel.Node) error {
			name, err := readString(e, "name")
			if err != nil {
				return err
			}
			artifact, err := readID(e, "artifact")
			if err != nil {
				return err
			}
			dir.Entries = append(dir.Entries, DirectoryEntry{Name: name, Artifact: artifact})
			return nil
		})
		return Object{Directory: &dir}, err
	case ObjectKind_File:
		var f File
		if f.Contents, err = readID(n, "contents"); err != nil {
			return Object{}, err
		}
		if f.Executable, err = readBool(n, "executable"); err != nil {
			return Object{}, err
		}
		if f.Dependencies, err = readIDList(n, "dependencies"); err != nil {
			return Object{}, err
		}
		return Object{File: &f}, nil
	case ObjectKind_Symlink:
		var s Symlink
		if s.Artifact, err = readOptID(n, "artifact"); err != nil {
			return Object{}, err
		}
		if s.Path, err = readOptString(n, "path"); err != nil {
			return Object{}, err
		}
		return Object{Symlink: &s}, nil
	case ObjectKind_Graph:
		var g Graph
		err := readList(n, "nodes", func(e datamodel.Node) error {
			k, err := readString(e, "kind")
			if err != nil {
				return err
			}
			refs, err := readIDList(e, "references")
			if err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, GraphNode{Kind: ObjectKind(k), References: refs})
			return nil
		})
		return Object{Graph: &g}, err
	case ObjectKind_Command:
		var c Command
		if c.Executable, err = readOptID(n, "executable"); err != nil {
			return Object{}, err
		}
		if c.Args, err = readStringList(n, "args"); err != nil {
			return Object{}, err
		}
		err = readList(n, "env", func(e datamodel.Node) error {
			k, err := readString(e, "key")
			if err != nil {
				return err
			}
			v, err := readString(e, "value")
			if err != nil {
				return err
			}
			c.Env = append(c.Env, EnvVar{Key: k, Value: v})
			return nil
		})
		if err != nil {
			return Object{}, err
		}
		if c.Host, err = readString(n, "host"); err != nil {
			return Object{}, err
		}
		if c.References, err = readIDList(n, "references"); err != nil {
			return Object{}, err
		}
		return Object{Command: &c}, nil
	default:
		return Object{}, ErrorSerialization("decode object", fmt.Errorf("unknown kind %q", kind))
	}
}

// ObjectChildren decodes only as far as needed to list an object's children.
//
// Errors:
//
//   - warpstore-error-serialization -- if the bytes do not decode as the id's kind
func ObjectChildren(id ObjectID, b []byte) ([]ObjectID, error) {
	if id.Kind == ObjectKind_Leaf {
		return nil, nil
	}
	o, err := DecodeObject(id.Kind, b)
	if err != nil {
		return nil, err
	}
	return o.Children(), nil
}
