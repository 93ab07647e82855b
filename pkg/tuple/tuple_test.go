package tuple

import (
	"bytes"
	"sort"
	"strconv"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestRoundTrip(t *testing.T) {
	in := Tuple{int64(0), "lef_abc", int64(1), []byte{0, 1, 0xff}, int64(-300), int64(1 << 40)}
	out, err := Unpack(in.Pack())
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, out, qt.HasLen, len(in))
	qt.Check(t, out[0], qt.Equals, int64(0))
	qt.Check(t, out[1], qt.Equals, "lef_abc")
	qt.Check(t, out[3], qt.DeepEquals, []byte{0, 1, 0xff})
	qt.Check(t, out[4], qt.Equals, int64(-300))
	qt.Check(t, out[5], qt.Equals, int64(1<<40))
}

func TestOrderPreserved(t *testing.T) {
	tuples := []Tuple{
		{int64(0), "b", int64(0), int64(10240)},
		{int64(0), "a", int64(1)},
		{int64(0), "b", int64(0), int64(0)},
		{int64(0), "a"},
		{int64(-5)},
		{int64(1), "a"},
		{int64(0), "b", int64(0), int64(-1)},
	}
	packed := make([][]byte, len(tuples))
	for i, tu := range tuples {
		packed[i] = tu.Pack()
	}
	sort.Slice(packed, func(i, j int) bool { return bytes.Compare(packed[i], packed[j]) < 0 })
	var got []string
	for _, p := range packed {
		u, err := Unpack(p)
		qt.Assert(t, err, qt.IsNil)
		got = append(got, fmtTuple(u))
	}
	qt.Check(t, got, qt.DeepEquals, []string{
		"[-5]",
		"[0 a]",
		"[0 a 1]",
		"[0 b 0 -1]",
		"[0 b 0 0]",
		"[0 b 0 10240]",
		"[1 a]",
	})
}

func TestPrefix(t *testing.T) {
	prefix := Tuple{int64(0), "dir_x"}.Pack()
	key := Tuple{int64(0), "dir_x", int64(2)}.Pack()
	other := Tuple{int64(0), "dir_xy", int64(2)}.Pack()
	qt.Check(t, bytes.HasPrefix(key, prefix), qt.IsTrue)
	qt.Check(t, bytes.HasPrefix(other, prefix), qt.IsFalse)
	qt.Check(t, bytes.Compare(key, Strinc(prefix)) < 0, qt.IsTrue)
}

func fmtTuple(t Tuple) string {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range t {
		if i > 0 {
			buf.WriteByte(' ')
		}
		switch v := e.(type) {
		case int64:
			buf.WriteString(strconv.FormatInt(v, 10))
		case string:
			buf.WriteString(v)
		}
	}
	buf.WriteByte(']')
	return buf.String()
}

func TestBefore(t *testing.T) {
	prefix := Tuple{int64(0), "dir_x"}.Pack()
	end := Strinc(prefix)
	qt.Check(t, Before(Tuple{int64(0), "dir_x", int64(2)}.Pack(), end), qt.IsTrue)
	qt.Check(t, Before(prefix, end), qt.IsTrue)
	qt.Check(t, Before(Tuple{int64(0), "dir_xy"}.Pack(), end), qt.IsFalse)
	qt.Check(t, Before(Tuple{int64(1)}.Pack(), end), qt.IsFalse)
	qt.Check(t, Before(nil, end), qt.IsFalse)

	qt.Check(t, Strinc([]byte{0xff, 0xff}), qt.IsNil)
	qt.Check(t, Before([]byte{0xff, 0xff, 0x01}, Strinc([]byte{0xff, 0xff})), qt.IsTrue)
}
