package wsapi

import (
	"fmt"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// Index messages are the only way index entries get written.
// Each carries everything needed to apply it idempotently.

type PutCacheEntry struct {
	ID        ObjectID
	TouchedAt int64
}

type PutObject struct {
	ID         ObjectID
	CacheEntry *ObjectID
	Children   []ObjectID
	Size       uint64
	// Stored.Subtree may be set by producers that wrote the whole subtree.
	Stored    ObjectStored
	Metadata  ObjectMetadata
	TouchedAt int64
}

type TouchObject struct {
	ID        ObjectID
	TouchedAt int64
}

type PutProcess struct {
	ID        ProcessID
	Children  []ProcessID
	Objects   []ProcessObject
	Finished  bool
	Stored    ProcessStored
	Metadata  ProcessMetadata
	TouchedAt int64
}

type TouchProcess struct {
	ID        ProcessID
	TouchedAt int64
}

type PutTag struct {
	Tag  string
	Item Item
}

type DeleteTag struct {
	Tag string
}

// Message is one index message. Exactly one field is set.
type Message struct {
	PutCacheEntry *PutCacheEntry
	PutObject     *PutObject
	TouchObject   *TouchObject
	PutProcess    *PutProcess
	TouchProcess  *TouchProcess
	PutTag        *PutTag
	DeleteTag     *DeleteTag
}

// Messages groups a batch of messages by kind, the shape the index applies them in.
type Messages struct {
	PutCacheEntry []PutCacheEntry
	PutObject     []PutObject
	TouchObject   []TouchObject
	PutProcess    []PutProcess
	TouchProcess  []TouchProcess
	PutTag        []PutTag
	DeleteTag     []DeleteTag
}

func (m *Messages) Add(msg Message) {
	switch {
	case msg.PutCacheEntry != nil:
		m.PutCacheEntry = append(m.PutCacheEntry, *msg.PutCacheEntry)
	case msg.PutObject != nil:
		m.PutObject = append(m.PutObject, *msg.PutObject)
	case msg.TouchObject != nil:
		m.TouchObject = append(m.TouchObject, *msg.TouchObject)
	case msg.PutProcess != nil:
		m.PutProcess = append(m.PutProcess, *msg.PutProcess)
	case msg.TouchProcess != nil:
		m.TouchProcess = append(m.TouchProcess, *msg.TouchProcess)
	case msg.PutTag != nil:
		m.PutTag = append(m.PutTag, *msg.PutTag)
	case msg.DeleteTag != nil:
		m.DeleteTag = append(m.DeleteTag, *msg.DeleteTag)
	}
}

func (m Messages) Len() int {
	return len(m.PutCacheEntry) + len(m.PutObject) + len(m.TouchObject) +
		len(m.PutProcess) + len(m.TouchProcess) + len(m.PutTag) + len(m.DeleteTag)
}

func optInt(ma datamodel.MapAssembler, key string, v *uint64) {
	if v != nil {
		qp.MapEntry(ma, key, qp.Int(int64(*v)))
	}
}

func readOptUint(n datamodel.Node, key string) (*uint64, error) {
	i, err := readOptInt(n, key)
	if err != nil || i == nil {
		return nil, err
	}
	u := uint64(*i)
	return &u, nil
}

func itemNode(it Item) qp.Assemble {
	return qp.String(it.String())
}

func processStoredFlags(s ProcessStored) []string {
	var out []string
	if s.Node {
		out = append(out, "node")
	}
	if s.Subtree {
		out = append(out, "subtree")
	}
	for _, r := range ProcessRoles {
		if s.NodeRole(r) {
			out = append(out, "node_"+string(r))
		}
		if s.SubtreeRole(r) {
			out = append(out, "subtree_"+string(r))
		}
	}
	return out
}

func parseProcessStoredFlags(flags []string) (ProcessStored, error) {
	var s ProcessStored
	for _, f := range flags {
		switch f {
		case "node":
			s.Node = true
		case "subtree":
			s.Subtree = true
		default:
			matched := false
			for _, r := range ProcessRoles {
				if f == "node_"+string(r) {
					s.SetNodeRole(r, true)
					matched = true
				} else if f == "subtree_"+string(r) {
					s.SetSubtreeRole(r, true)
					matched = true
				}
			}
			if !matched {
				return ProcessStored{}, ErrorSerialization("process stored", fmt.Errorf("unknown flag %q", f))
			}
		}
	}
	return s, nil
}

// Encode serializes the message as a keyed union.
//
// Errors:
//
//   - warpstore-error-serialization -- if the message is empty or encoding fails
func (msg Message) Encode(format Format) ([]byte, error) {
	n, err := qp.BuildMap(basicnode.Prototype.Any, 1, func(ma datamodel.MapAssembler) {
		switch {
		case msg.PutCacheEntry != nil:
			m := msg.PutCacheEntry
			qp.MapEntry(ma, "put_cache_entry", qp.Map(2, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "id", qp.String(m.ID.String()))
				qp.MapEntry(ma, "touched_at", qp.Int(m.TouchedAt))
			}))
		case msg.PutObject != nil:
			m := msg.PutObject
			qp.MapEntry(ma, "put_object", qp.Map(-1, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "id", qp.String(m.ID.String()))
				if m.CacheEntry != nil {
					qp.MapEntry(ma, "cache_entry", qp.String(m.CacheEntry.String()))
				}
				qp.MapEntry(ma, "children", idList(m.Children))
				qp.MapEntry(ma, "size", qp.Int(int64(m.Size)))
				qp.MapEntry(ma, "stored", qp.Bool(m.Stored.Node))
				qp.MapEntry(ma, "complete", qp.Bool(m.Stored.Subtree))
				optInt(ma, "count", m.Metadata.Count)
				optInt(ma, "weight", m.Metadata.Weight)
				qp.MapEntry(ma, "touched_at", qp.Int(m.TouchedAt))
			}))
		case msg.TouchObject != nil:
			m := msg.TouchObject
			qp.MapEntry(ma, "touch_object", qp.Map(2, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "id", qp.String(m.ID.String()))
				qp.MapEntry(ma, "touched_at", qp.Int(m.TouchedAt))
			}))
		case msg.PutProcess != nil:
			m := msg.PutProcess
			qp.MapEntry(ma, "put_process", qp.Map(-1, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "id", qp.String(m.ID.String()))
				qp.MapEntry(ma, "children", qp.List(int64(len(m.Children)), func(la datamodel.ListAssembler) {
					for _, c := range m.Children {
						qp.ListEntry(la, qp.String(c.String()))
					}
				}))
				qp.MapEntry(ma, "objects", qp.List(int64(len(m.Objects)), func(la datamodel.ListAssembler) {
					for _, o := range m.Objects {
						o := o
						qp.ListEntry(la, qp.Map(2, func(ma datamodel.MapAssembler) {
							qp.MapEntry(ma, "id", qp.String(o.Object.String()))
							qp.MapEntry(ma, "role", qp.String(string(o.Role)))
						}))
					}
				}))
				qp.MapEntry(ma, "finished", qp.Bool(m.Finished))
				flags := processStoredFlags(m.Stored)
				qp.MapEntry(ma, "stored", qp.List(int64(len(flags)), func(la datamodel.ListAssembler) {
					for _, f := range flags {
						qp.ListEntry(la, qp.String(f))
					}
				}))
				optInt(ma, "count", m.Metadata.Count)
				optInt(ma, "weight", m.Metadata.Weight)
				qp.MapEntry(ma, "touched_at", qp.Int(m.TouchedAt))
			}))
		case msg.TouchProcess != nil:
			m := msg.TouchProcess
			qp.MapEntry(ma, "touch_process", qp.Map(2, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "id", qp.String(m.ID.String()))
				qp.MapEntry(ma, "touched_at", qp.Int(m.TouchedAt))
			}))
		case msg.PutTag != nil:
			m := msg.PutTag
			qp.MapEntry(ma, "put_tag", qp.Map(2, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "tag", qp.String(m.Tag))
				qp.MapEntry(ma, "item", itemNode(m.Item))
			}))
		case msg.DeleteTag != nil:
			m := msg.DeleteTag
			qp.MapEntry(ma, "delete_tag", qp.Map(1, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "tag", qp.String(m.Tag))
			}))
		default:
			panic(fmt.Errorf("empty message"))
		}
	})
	if err != nil {
		return nil, ErrorSerialization("encode message", err)
	}
	return EncodeNode(n, format)
}

func readObjectIDField(n datamodel.Node) (ObjectID, error) {
	return readID(n, "id")
}

func readProcessIDField(n datamodel.Node, key string) (ProcessID, error) {
	s, err := readString(n, key)
	if err != nil {
		return ProcessID{}, err
	}
	id, err := ParseProcessID(s)
	if err != nil {
		return ProcessID{}, ErrorSerialization("field "+key, err)
	}
	return id, nil
}

// DecodeMessage accepts either wire format.
//
// Errors:
//
//   - warpstore-error-serialization -- if the bytes are not an index message
func DecodeMessage(b []byte) (Message, error) {
	root, err := DecodeNode(b)
	if err != nil {
		return Message{}, err
	}
	name, n, err := readUnion(root)
	if err != nil {
		return Message{}, err
	}
	switch name {
	case "put_cache_entry":
		var m PutCacheEntry
		if m.ID, err = readObjectIDField(n); err != nil {
			return Message{}, err
		}
		if m.TouchedAt, err = readInt(n, "touched_at"); err != nil {
			return Message{}, err
		}
		return Message{PutCacheEntry: &m}, nil
	case "put_object":
		var m PutObject
		if m.ID, err = readObjectIDField(n); err != nil {
			return Message{}, err
		}
		if m.CacheEntry, err = readOptID(n, "cache_entry"); err != nil {
			return Message{}, err
		}
		if m.Children, err = readIDList(n, "children"); err != nil {
			return Message{}, err
		}
		size, err := readInt(n, "size")
		if err != nil {
			return Message{}, err
		}
		m.Size = uint64(size)
		if m.Stored.Node, err = readBool(n, "stored"); err != nil {
			return Message{}, err
		}
		if m.Stored.Subtree, err = readBool(n, "complete"); err != nil {
			return Message{}, err
		}
		if m.Metadata.Count, err = readOptUint(n, "count"); err != nil {
			return Message{}, err
		}
		if m.Metadata.Weight, err = readOptUint(n, "weight"); err != nil {
			return Message{}, err
		}
		m.Metadata.Size = m.Size
		if m.TouchedAt, err = readInt(n, "touched_at"); err != nil {
			return Message{}, err
		}
		return Message{PutObject: &m}, nil
	case "touch_object":
		var m TouchObject
		if m.ID, err = readObjectIDField(n); err != nil {
			return Message{}, err
		}
		if m.TouchedAt, err = readInt(n, "touched_at"); err != nil {
			return Message{}, err
		}
		return Message{TouchObject: &m}, nil
	case "put_process":
		var m PutProcess
		if m.ID, err = readProcessIDField(n, "id"); err != nil {
			return Message{}, err
		}
		children, err := readStringList(n, "children")
		if err != nil {
			return Message{}, err
		}
		for _, c := range children {
			id, err := ParseProcessID(c)
			if err != nil {
				return Message{}, ErrorSerialization("field children", err)
			}
			m.Children = append(m.Children, id)
		}
		err = readList(n, "objects", func(e datamodel.Node) error {
			id, err := readID(e, "id")
			if err != nil {
				return err
			}
			role, err := readString(e, "role")
			if err != nil {
				return err
			}
			r, err := ParseProcessRole(role)
			if err != nil {
				return ErrorSerialization("field role", err)
			}
			m.Objects = append(m.Objects, ProcessObject{Object: id, Role: r})
			return nil
		})
		if err != nil {
			return Message{}, err
		}
		if m.Finished, err = readBool(n, "finished"); err != nil {
			return Message{}, err
		}
		flags, err := readStringList(n, "stored")
		if err != nil {
			return Message{}, err
		}
		if m.Stored, err = parseProcessStoredFlags(flags); err != nil {
			return Message{}, err
		}
		if m.Metadata.Count, err = readOptUint(n, "count"); err != nil {
			return Message{}, err
		}
		if m.Metadata.Weight, err = readOptUint(n, "weight"); err != nil {
			return Message{}, err
		}
		if m.TouchedAt, err = readInt(n, "touched_at"); err != nil {
			return Message{}, err
		}
		return Message{PutProcess: &m}, nil
	case "touch_process":
		var m TouchProcess
		if m.ID, err = readProcessIDField(n, "id"); err != nil {
			return Message{}, err
		}
		if m.TouchedAt, err = readInt(n, "touched_at"); err != nil {
			return Message{}, err
		}
		return Message{TouchProcess: &m}, nil
	case "put_tag":
		var m PutTag
		if m.Tag, err = readString(n, "tag"); err != nil {
			return Message{}, err
		}
		s, err := readString(n, "item")
		if err != nil {
			return Message{}, err
		}
		if m.Item, err = ParseItem(s); err != nil {
			return Message{}, ErrorSerialization("field item", err)
		}
		return Message{PutTag: &m}, nil
	case "delete_tag":
		var m DeleteTag
		if m.Tag, err = readString(n, "tag"); err != nil {
			return Message{}, err
		}
		return Message{DeleteTag: &m}, nil
	default:
		return Message{}, ErrorSerialization("decode message", fmt.Errorf("unknown message kind %q", name))
	}
}
