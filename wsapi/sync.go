package wsapi

import (
	"fmt"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// SyncOptions select what a sync follows below each root.
// Object roots always bring their whole subtree; the flags only matter for processes.
type SyncOptions struct {
	Commands  bool
	Errors    bool
	Logs      bool
	Outputs   bool
	Recursive bool
	// Eager makes the sending side push children without waiting to be asked.
	Eager bool
}

// Roles lists the process roles these options follow.
func (o SyncOptions) Roles() []ProcessRole {
	var out []ProcessRole
	for _, r := range ProcessRoles {
		if o.Follows(r) {
			out = append(out, r)
		}
	}
	return out
}

func (o SyncOptions) Follows(r ProcessRole) bool {
	switch r {
	case ProcessRole_Command:
		return o.Commands
	case ProcessRole_Error:
		return o.Errors
	case ProcessRole_Log:
		return o.Logs
	default:
		return o.Outputs
	}
}

// Satisfied reports whether a process with these flags already has everything
// a sync with these options would fetch.
func (o SyncOptions) Satisfied(s ProcessStored) bool {
	if !s.Node || (o.Recursive && !s.Subtree) {
		return false
	}
	for _, r := range o.Roles() {
		if o.Recursive && !s.SubtreeRole(r) || !o.Recursive && !s.NodeRole(r) {
			return false
		}
	}
	return true
}

type SyncDirection string

const (
	// SyncDirection_Pull means the dialing side receives.
	SyncDirection_Pull SyncDirection = "pull"
	// SyncDirection_Push means the dialing side sends.
	SyncDirection_Push SyncDirection = "push"
)

// Hello opens a sync session. The dialing side sends it first.
type Hello struct {
	Direction SyncDirection
	Items     []Item
	Options   SyncOptions
}

// Request asks the sender for one item. Eager asks for its children as well.
type Request struct {
	Item  Item
	Eager bool
}

// Skip tells the sender the receiver already has item's subtree.
type Skip struct {
	Item Item
}

type SyncItem struct {
	Item  Item
	Bytes []byte
}

type Missing struct {
	Item Item
}

// Done is sent by the sender whenever it runs out of work. Received counts
// every Request it has read so far.
type Done struct {
	Received uint64
}

// SyncError reports that one item couldn't be served.
type SyncError struct {
	Item    Item
	Message string
}

// Frame is one unit on a sync stream. Exactly one field is set.
type Frame struct {
	Hello   *Hello
	Request *Request
	Skip    *Skip
	Item    *SyncItem
	Missing *Missing
	Done    *Done
	Error   *SyncError
}

func (f Frame) Kind() string {
	switch {
	case f.Hello != nil:
		return "hello"
	case f.Request != nil:
		return "request"
	case f.Skip != nil:
		return "skip"
	case f.Item != nil:
		return "item"
	case f.Missing != nil:
		return "missing"
	case f.Done != nil:
		return "done"
	case f.Error != nil:
		return "error"
	}
	return ""
}

func syncOptionFlags(o SyncOptions) []string {
	var out []string
	for _, r := range o.Roles() {
		out = append(out, string(r))
	}
	if o.Recursive {
		out = append(out, "recursive")
	}
	if o.Eager {
		out = append(out, "eager")
	}
	return out
}

func parseSyncOptionFlags(flags []string) (SyncOptions, error) {
	var o SyncOptions
	for _, f := range flags {
		switch f {
		case string(ProcessRole_Command):
			o.Commands = true
		case string(ProcessRole_Error):
			o.Errors = true
		case string(ProcessRole_Log):
			o.Logs = true
		case string(ProcessRole_Output):
			o.Outputs = true
		case "recursive":
			o.Recursive = true
		case "eager":
			o.Eager = true
		default:
			return SyncOptions{}, ErrorSerialization("sync options", fmt.Errorf("unknown flag %q", f))
		}
	}
	return o, nil
}

// Encode serializes the frame as a keyed union.
//
// Errors:
//
//   - warpstore-error-serialization -- if the frame is empty or encoding fails
func (f Frame) Encode(format Format) ([]byte, error) {
	if f.Kind() == "" {
		return nil, ErrorSerialization("encode frame", fmt.Errorf("empty frame"))
	}
	n, err := qp.BuildMap(basicnode.Prototype.Any, 1, func(ma datamodel.MapAssembler) {
		switch {
		case f.Hello != nil:
			h := f.Hello
			qp.MapEntry(ma, "hello", qp.Map(3, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "direction", qp.String(string(h.Direction)))
				qp.MapEntry(ma, "items", qp.List(int64(len(h.Items)), func(la datamodel.ListAssembler) {
					for _, it := range h.Items {
						qp.ListEntry(la, itemNode(it))
					}
				}))
				flags := syncOptionFlags(h.Options)
				qp.MapEntry(ma, "options", qp.List(int64(len(flags)), func(la datamodel.ListAssembler) {
					for _, fl := range flags {
						qp.ListEntry(la, qp.String(fl))
					}
				}))
			}))
		case f.Request != nil:
			qp.MapEntry(ma, "request", qp.Map(2, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "item", itemNode(f.Request.Item))
				qp.MapEntry(ma, "eager", qp.Bool(f.Request.Eager))
			}))
		case f.Skip != nil:
			qp.MapEntry(ma, "skip", qp.Map(1, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "item", itemNode(f.Skip.Item))
			}))
		case f.Item != nil:
			qp.MapEntry(ma, "item", qp.Map(2, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "item", itemNode(f.Item.Item))
				qp.MapEntry(ma, "bytes", qp.Bytes(f.Item.Bytes))
			}))
		case f.Missing != nil:
			qp.MapEntry(ma, "missing", qp.Map(1, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "item", itemNode(f.Missing.Item))
			}))
		case f.Done != nil:
			qp.MapEntry(ma, "done", qp.Map(1, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "received", qp.Int(int64(f.Done.Received)))
			}))
		case f.Error != nil:
			qp.MapEntry(ma, "error", qp.Map(2, func(ma datamodel.MapAssembler) {
				qp.MapEntry(ma, "item", itemNode(f.Error.Item))
				qp.MapEntry(ma, "message", qp.String(f.Error.Message))
			}))
		}
	})
	if err != nil {
		return nil, ErrorSerialization("encode frame", err)
	}
	return EncodeNode(n, format)
}

func readItem(n datamodel.Node, key string) (Item, error) {
	s, err := readString(n, key)
	if err != nil {
		return Item{}, err
	}
	it, err := ParseItem(s)
	if err != nil {
		return Item{}, ErrorSerialization("field "+key, err)
	}
	return it, nil
}

// DecodeFrame accepts either wire format.
//
// Errors:
//
//   - warpstore-error-serialization -- if the bytes are not a sync frame
func DecodeFrame(b []byte) (Frame, error) {
	root, err := DecodeNode(b)
	if err != nil {
		return Frame{}, err
	}
	name, n, err := readUnion(root)
	if err != nil {
		return Frame{}, err
	}
	switch name {
	case "hello":
		var h Hello
		dir, err := readString(n, "direction")
		if err != nil {
			return Frame{}, err
		}
		switch h.Direction = SyncDirection(dir); h.Direction {
		case SyncDirection_Pull, SyncDirection_Push:
		default:
			return Frame{}, ErrorSerialization("field direction", fmt.Errorf("unknown direction %q", dir))
		}
		items, err := readStringList(n, "items")
		if err != nil {
			return Frame{}, err
		}
		for _, s := range items {
			it, err := ParseItem(s)
			if err != nil {
				return Frame{}, ErrorSerialization("field items", err)
			}
			h.Items = append(h.Items, it)
		}
		flags, err := readStringList(n, "options")
		if err != nil {
			return Frame{}, err
		}
		if h.Options, err = parseSyncOptionFlags(flags); err != nil {
			return Frame{}, err
		}
		return Frame{Hello: &h}, nil
	case "request":
		var r Request
		if r.Item, err = readItem(n, "item"); err != nil {
			return Frame{}, err
		}
		if r.Eager, err = readBool(n, "eager"); err != nil {
			return Frame{}, err
		}
		return Frame{Request: &r}, nil
	case "skip":
		var s Skip
		if s.Item, err = readItem(n, "item"); err != nil {
			return Frame{}, err
		}
		return Frame{Skip: &s}, nil
	case "item":
		var it SyncItem
		if it.Item, err = readItem(n, "item"); err != nil {
			return Frame{}, err
		}
		if it.Bytes, err = readBytes(n, "bytes"); err != nil {
			return Frame{}, err
		}
		if it.Bytes == nil {
			it.Bytes = []byte{}
		}
		return Frame{Item: &it}, nil
	case "missing":
		var m Missing
		if m.Item, err = readItem(n, "item"); err != nil {
			return Frame{}, err
		}
		return Frame{Missing: &m}, nil
	case "done":
		received, err := readInt(n, "received")
		if err != nil {
			return Frame{}, err
		}
		return Frame{Done: &Done{Received: uint64(received)}}, nil
	case "error":
		var e SyncError
		if e.Item, err = readItem(n, "item"); err != nil {
			return Frame{}, err
		}
		if e.Message, err = readString(n, "message"); err != nil {
			return Frame{}, err
		}
		return Frame{Error: &e}, nil
	}
	return Frame{}, ErrorSerialization("decode frame", fmt.Errorf("unknown frame %q", name))
}
