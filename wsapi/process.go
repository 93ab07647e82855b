package wsapi

import (
	"fmt"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

type ProcessStatus string

const (
	ProcessStatus_Created  ProcessStatus = "created"
	ProcessStatus_Started  ProcessStatus = "started"
	ProcessStatus_Finished ProcessStatus = "finished"
)

// ProcessRole tags the objects a process references.
type ProcessRole string

const (
	ProcessRole_Command ProcessRole = "command"
	ProcessRole_Error   ProcessRole = "error"
	ProcessRole_Log     ProcessRole = "log"
	ProcessRole_Output  ProcessRole = "output"
)

// ProcessRoles lists every role in a fixed order.
var ProcessRoles = []ProcessRole{
	ProcessRole_Command,
	ProcessRole_Error,
	ProcessRole_Log,
	ProcessRole_Output,
}

func ParseProcessRole(s string) (ProcessRole, error) {
	switch r := ProcessRole(s); r {
	case ProcessRole_Command, ProcessRole_Error, ProcessRole_Log, ProcessRole_Output:
		return r, nil
	}
	return "", ErrorInvalid(fmt.Sprintf("invalid process role %q", s), [2]string{"role", s})
}

// ProcessObject is one edge from a process to an object it references.
type ProcessObject struct {
	Object ObjectID
	Role   ProcessRole
}

// Process is an execution record. It is mutable until its status is finished;
// children and object references are only ever appended before that.
type Process struct {
	ID       ProcessID
	Status   ProcessStatus
	Command  ObjectID
	Children []ProcessID
	Error    *ObjectID
	Log      *ObjectID
	Outputs  []ObjectID
	Exit     *int64
}

func (p Process) Finished() bool {
	return p.Status == ProcessStatus_Finished
}

// Objects lists every object the process references, tagged by role.
func (p Process) Objects() []ProcessObject {
	out := []ProcessObject{{Object: p.Command, Role: ProcessRole_Command}}
	if p.Error != nil {
		out = append(out, ProcessObject{Object: *p.Error, Role: ProcessRole_Error})
	}
	if p.Log != nil {
		out = append(out, ProcessObject{Object: *p.Log, Role: ProcessRole_Log})
	}
	for _, o := range p.Outputs {
		out = append(out, ProcessObject{Object: o, Role: ProcessRole_Output})
	}
	return out
}

// Encode serializes the process record in the given format.
//
// Errors:
//
//   - warpstore-error-serialization -- if encoding fails
func (p Process) Encode(format Format) ([]byte, error) {
	n, err := qp.BuildMap(basicnode.Prototype.Any, -1, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "id", qp.String(p.ID.String()))
		qp.MapEntry(ma, "status", qp.String(string(p.Status)))
		qp.MapEntry(ma, "command", qp.String(p.Command.String()))
		qp.MapEntry(ma, "children", qp.List(int64(len(p.Children)), func(la datamodel.ListAssembler) {
			for _, c := range p.Children {
				qp.ListEntry(la, qp.String(c.String()))
			}
		}))
		if p.Error != nil {
			qp.MapEntry(ma, "error", qp.String(p.Error.String()))
		}
		if p.Log != nil {
			qp.MapEntry(ma, "log", qp.String(p.Log.String()))
		}
		qp.MapEntry(ma, "outputs", idList(p.Outputs))
		if p.Exit != nil {
			qp.MapEntry(ma, "exit", qp.Int(*p.Exit))
		}
	})
	if err != nil {
		return nil, ErrorSerialization("encode process", err)
	}
	return EncodeNode(n, format)
}

// DecodeProcess parses a process record in either wire format.
//
// Errors:
//
//   - warpstore-error-serialization -- if the bytes are not a process record
func DecodeProcess(b []byte) (Process, error) {
	n, err := DecodeNode(b)
	if err != nil {
		return Process{}, err
	}
	var p Process
	s, err := readString(n, "id")
	if err != nil {
		return Process{}, err
	}
	if p.ID, err = ParseProcessID(s); err != nil {
		return Process{}, ErrorSerialization("field id", err)
	}
	status, err := readString(n, "status")
	if err != nil {
		return Process{}, err
	}
	p.Status = ProcessStatus(status)
	if p.Command, err = readID(n, "command"); err != nil {
		return Process{}, err
	}
	children, err := readStringList(n, "children")
	if err != nil {
		return Process{}, err
	}
	for _, c := range children {
		id, err := ParseProcessID(c)
		if err != nil {
			return Process{}, ErrorSerialization("field children", err)
		}
		p.Children = append(p.Children, id)
	}
	if p.Error, err = readOptID(n, "error"); err != nil {
		return Process{}, err
	}
	if p.Log, err = readOptID(n, "log"); err != nil {
		return Process{}, err
	}
	if p.Outputs, err = readIDList(n, "outputs"); err != nil {
		return Process{}, err
	}
	if p.Exit, err = readOptInt(n, "exit"); err != nil {
		return Process{}, err
	}
	return p, nil
}
