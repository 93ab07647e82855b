package wsapi

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestTagCompare(t *testing.T) {
	type testCase struct {
		a, b   string
		expect int
	}
	for _, tc := range []testCase{
		{"std/1.2.0", "std/1.10.0", -1},
		{"std/v2.0.0", "std/1.9.9", 1},
		{"std/latest", "std/1.0.0", 1},
		{"std", "std/1.0.0", -1},
		{"a/b", "a/b", 0},
	} {
		t.Run(tc.a+" vs "+tc.b, func(t *testing.T) {
			a, err := ParseTag(tc.a)
			qt.Assert(t, err, qt.IsNil)
			b, err := ParseTag(tc.b)
			qt.Assert(t, err, qt.IsNil)
			qt.Check(t, a.Compare(b), qt.Equals, tc.expect)
		})
	}
}

func TestParseTagInvalid(t *testing.T) {
	for _, s := range []string{"", "a//b", "/a", "a/"} {
		_, err := ParseTag(s)
		qt.Check(t, Code(err), qt.Equals, ECodeInvalid, qt.Commentf("tag %q", s))
	}
}

func TestTagMatches(t *testing.T) {
	tag, err := ParseTag("std/linux/1.0.0")
	qt.Assert(t, err, qt.IsNil)
	pattern, err := ParseTag("std/linux")
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, tag.Matches(pattern), qt.IsTrue)
	qt.Check(t, pattern.Matches(tag), qt.IsFalse)
}
