package wsapi

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestFrameWire(t *testing.T) {
	a := ObjectItem(leafID(t, "a"))
	p := ProcessItem(NewProcessID())

	type testCase struct {
		name  string
		frame Frame
	}
	for _, tc := range []testCase{
		{name: "hello", frame: Frame{Hello: &Hello{
			Direction: SyncDirection_Push,
			Items:     []Item{a, p},
			Options:   SyncOptions{Outputs: true, Logs: true, Recursive: true},
		}}},
		{name: "request", frame: Frame{Request: &Request{Item: a, Eager: true}}},
		{name: "skip", frame: Frame{Skip: &Skip{Item: p}}},
		{name: "item", frame: Frame{Item: &SyncItem{Item: a, Bytes: []byte("a")}}},
		{name: "empty item", frame: Frame{Item: &SyncItem{Item: a, Bytes: []byte{}}}},
		{name: "missing", frame: Frame{Missing: &Missing{Item: p}}},
		{name: "done", frame: Frame{Done: &Done{Received: 3}}},
		{name: "error", frame: Frame{Error: &SyncError{Item: a, Message: "boom"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			want, err := tc.frame.Encode(FormatBinary)
			qt.Assert(t, err, qt.IsNil)
			for _, format := range []Format{FormatBinary, FormatJSON} {
				enc, err := tc.frame.Encode(format)
				qt.Assert(t, err, qt.IsNil)
				got, err := DecodeFrame(enc)
				qt.Assert(t, err, qt.IsNil)
				qt.Check(t, got.Kind(), qt.Equals, tc.frame.Kind())
				again, err := got.Encode(FormatBinary)
				qt.Assert(t, err, qt.IsNil)
				qt.Check(t, again, qt.DeepEquals, want)
			}
		})
	}
}

func TestFrameEmpty(t *testing.T) {
	_, err := Frame{}.Encode(FormatBinary)
	qt.Check(t, Code(err), qt.Equals, ECodeSerialization)
	_, err = DecodeFrame([]byte(`{"hello":{"direction":"sideways"}}`))
	qt.Check(t, Code(err), qt.Equals, ECodeSerialization)
}

func TestSyncOptionsSatisfied(t *testing.T) {
	var full ProcessStored
	full.Node, full.Subtree = true, true
	for _, r := range ProcessRoles {
		full.SetNodeRole(r, true)
		full.SetSubtreeRole(r, true)
	}
	nodeOnly := ProcessStored{Node: true}
	nodeOutputs := nodeOnly
	nodeOutputs.SetNodeRole(ProcessRole_Output, true)

	qt.Check(t, SyncOptions{}.Satisfied(nodeOnly), qt.IsTrue)
	qt.Check(t, SyncOptions{}.Satisfied(ProcessStored{}), qt.IsFalse)
	qt.Check(t, SyncOptions{Outputs: true}.Satisfied(nodeOnly), qt.IsFalse)
	qt.Check(t, SyncOptions{Outputs: true}.Satisfied(nodeOutputs), qt.IsTrue)
	qt.Check(t, SyncOptions{Outputs: true, Recursive: true}.Satisfied(nodeOutputs), qt.IsFalse)
	qt.Check(t, SyncOptions{Outputs: true, Logs: true, Recursive: true}.Satisfied(full), qt.IsTrue)
	qt.Check(t, SyncOptions{Commands: true, Outputs: true}.Roles(), qt.DeepEquals, []ProcessRole{ProcessRole_Command, ProcessRole_Output})
}
