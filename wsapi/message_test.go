package wsapi

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestMessageWire(t *testing.T) {
	a := leafID(t, "a")
	b := leafID(t, "b")
	pid := NewProcessID()
	count := uint64(2)
	stored := ProcessStored{Node: true}
	stored.SetNodeRole(ProcessRole_Log, true)

	type testCase struct {
		name string
		msg  Message
	}
	for _, tc := range []testCase{
		{name: "put cache entry", msg: Message{PutCacheEntry: &PutCacheEntry{ID: a, TouchedAt: 10}}},
		{name: "put object", msg: Message{PutObject: &PutObject{
			ID:        a,
			Children:  []ObjectID{b},
			Size:      1,
			Stored:    ObjectStored{Node: true},
			Metadata:  ObjectMetadata{Size: 1, Count: &count},
			TouchedAt: 11,
		}}},
		{name: "put object with cache entry", msg: Message{PutObject: &PutObject{
			ID:         b,
			CacheEntry: &a,
			Size:       1,
			Stored:     ObjectStored{Node: true, Subtree: true},
			Metadata:   ObjectMetadata{Size: 1},
			TouchedAt:  12,
		}}},
		{name: "touch object", msg: Message{TouchObject: &TouchObject{ID: a, TouchedAt: 13}}},
		{name: "put process", msg: Message{PutProcess: &PutProcess{
			ID:        pid,
			Objects:   []ProcessObject{{Object: a, Role: ProcessRole_Command}, {Object: b, Role: ProcessRole_Log}},
			Finished:  true,
			Stored:    stored,
			TouchedAt: 14,
		}}},
		{name: "touch process", msg: Message{TouchProcess: &TouchProcess{ID: pid, TouchedAt: 15}}},
		{name: "put tag", msg: Message{PutTag: &PutTag{Tag: "std/1.0.0", Item: ProcessItem(pid)}}},
		{name: "delete tag", msg: Message{DeleteTag: &DeleteTag{Tag: "std/1.0.0"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			want, err := tc.msg.Encode(FormatBinary)
			qt.Assert(t, err, qt.IsNil)
			for _, format := range []Format{FormatBinary, FormatJSON} {
				enc, err := tc.msg.Encode(format)
				qt.Assert(t, err, qt.IsNil)
				got, err := DecodeMessage(enc)
				qt.Assert(t, err, qt.IsNil)
				again, err := got.Encode(FormatBinary)
				qt.Assert(t, err, qt.IsNil)
				qt.Check(t, again, qt.DeepEquals, want)
			}
		})
	}
}

func TestMessagesAdd(t *testing.T) {
	var batch Messages
	batch.Add(Message{TouchObject: &TouchObject{ID: leafID(t, "a")}})
	batch.Add(Message{DeleteTag: &DeleteTag{Tag: "x"}})
	batch.Add(Message{})
	qt.Check(t, batch.Len(), qt.Equals, 2)
	qt.Check(t, batch.TouchObject, qt.HasLen, 1)
}

func TestDecodeMessageUnknownKind(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"frobnicate":{}}`))
	qt.Assert(t, err, qt.IsNotNil)
	qt.Check(t, Code(err), qt.Equals, ECodeSerialization)
}
