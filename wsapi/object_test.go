package wsapi

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func leafID(t *testing.T, s string) ObjectID {
	id, _, err := Object{Leaf: &Leaf{Bytes: []byte(s)}}.ID()
	qt.Assert(t, err, qt.IsNil)
	return id
}

func idStrings(ids []ObjectID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func TestObjectIDDeterministic(t *testing.T) {
	a := leafID(t, "hello")
	b := leafID(t, "hello")
	c := leafID(t, "world")
	qt.Check(t, a, qt.Equals, b)
	qt.Check(t, a, qt.Not(qt.Equals), c)
	qt.Check(t, a.Kind, qt.Equals, ObjectKind_Leaf)

	parsed, err := ParseObjectID(a.String())
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, parsed, qt.Equals, a)
}

func TestSameBytesDifferentKind(t *testing.T) {
	b := []byte("payload")
	qt.Check(t, NewObjectID(ObjectKind_Leaf, b).String(), qt.Not(qt.Equals), NewObjectID(ObjectKind_File, b).String())
}

func TestParseObjectIDInvalid(t *testing.T) {
	type testCase struct {
		name  string
		input string
	}
	for _, tc := range []testCase{
		{name: "no prefix", input: "bafkqaaa"},
		{name: "unknown kind", input: "zzz_bafkqaaa"},
		{name: "bad cid", input: "lef_notacid"},
		{name: "empty", input: ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseObjectID(tc.input)
			qt.Assert(t, err, qt.IsNotNil)
			qt.Check(t, Code(err), qt.Equals, ECodeInvalid)
		})
	}
}

func TestDirectoryEncodingIsOrderIndependent(t *testing.T) {
	x, y := leafID(t, "x"), leafID(t, "y")
	fx := Object{File: &File{Contents: x}}
	fy := Object{File: &File{Contents: y}}
	fxID, _, err := fx.ID()
	qt.Assert(t, err, qt.IsNil)
	fyID, _, err := fy.ID()
	qt.Assert(t, err, qt.IsNil)

	d1 := Object{Directory: &Directory{Entries: []DirectoryEntry{{"a", fxID}, {"b", fyID}}}}
	d2 := Object{Directory: &Directory{Entries: []DirectoryEntry{{"b", fyID}, {"a", fxID}}}}
	id1, _, err := d1.ID()
	qt.Assert(t, err, qt.IsNil)
	id2, _, err := d2.ID()
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, id1, qt.Equals, id2)
	qt.Check(t, d1.Children(), qt.HasLen, 2)
}

func TestObjectDecodeBothFormats(t *testing.T) {
	x := leafID(t, "x")
	path := "bin/tool"
	exe := x
	type testCase struct {
		name string
		obj  Object
	}
	for _, tc := range []testCase{
		{name: "branch", obj: Object{Branch: &Branch{Children: []BranchChild{{Blob: x, Length: 1}}}}},
		{name: "file", obj: Object{File: &File{Contents: x, Executable: true}}},
		{name: "symlink", obj: Object{Symlink: &Symlink{Path: &path}}},
		{name: "graph", obj: Object{Graph: &Graph{Nodes: []GraphNode{{Kind: ObjectKind_File, References: []ObjectID{x}}}}}},
		{name: "command", obj: Object{Command: &Command{
			Executable: &exe,
			Args:       []string{"-c", "true"},
			Env:        []EnvVar{{Key: "HOME", Value: "/root"}},
			Host:       "x86_64-linux",
		}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for _, format := range []Format{FormatBinary, FormatJSON} {
				b, err := tc.obj.EncodeFormat(format)
				qt.Assert(t, err, qt.IsNil)
				qt.Assert(t, b[0], qt.Equals, byte(format))
				got, err := DecodeObject(tc.obj.Kind(), b)
				qt.Assert(t, err, qt.IsNil)
				qt.Check(t, got.Kind(), qt.Equals, tc.obj.Kind())
				qt.Check(t, idStrings(got.Children()), qt.DeepEquals, idStrings(tc.obj.Children()))
			}
		})
	}
}

func TestDecodeRejectsUnknownFormat(t *testing.T) {
	_, err := DecodeNode([]byte{0x7, 0x1})
	qt.Assert(t, err, qt.IsNotNil)
	qt.Check(t, Code(err), qt.Equals, ECodeSerialization)

	_, err = DecodeNode(nil)
	qt.Check(t, Code(err), qt.Equals, ECodeSerialization)
}
