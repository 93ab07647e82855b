package render

import (
	"bytes"
	"testing"

	qt "github.com/frankban/quicktest"
)

const sample = `## NAME
warpstore put - Check in a file

## OPTIONS
#### --tag=<VALUE>

Tag the checked in root
`

func TestRenderMarkdown(t *testing.T) {
	var buf bytes.Buffer
	qt.Assert(t, Render([]byte(sample), &buf, Mode_Markdown), qt.IsNil)
	qt.Check(t, buf.String(), qt.Contains, "## NAME\n")
	qt.Check(t, buf.String(), qt.Contains, "#### --tag=<VALUE>\n")
	qt.Check(t, buf.String(), qt.Contains, "Tag the checked in root\n")
	qt.Check(t, buf.String(), qt.Not(qt.Contains), "\x1b[")
}

func TestRenderANSIIndents(t *testing.T) {
	var buf bytes.Buffer
	qt.Assert(t, Render([]byte(sample), &buf, Mode_ANSI), qt.IsNil)
	qt.Check(t, buf.String(), qt.Not(qt.Contains), "## NAME")
	qt.Check(t, buf.String(), qt.Contains, "\n            Tag the checked in root\n")
}

func TestDetectNonTerminal(t *testing.T) {
	qt.Check(t, Detect(&bytes.Buffer{}), qt.Equals, Mode_Markdown)
}

func TestJSON(t *testing.T) {
	in := []byte(`{"root":"dir_1","objects":6}`)

	var plain bytes.Buffer
	qt.Assert(t, JSON(in, &plain, Mode_Markdown), qt.IsNil)
	qt.Check(t, plain.String(), qt.Equals, string(in))

	var colored bytes.Buffer
	qt.Assert(t, JSON(in, &colored, Mode_ANSI), qt.IsNil)
	qt.Check(t, colored.String(), qt.Contains, "\x1b[")
	qt.Check(t, colored.String(), qt.Contains, "dir_1")

	var broken bytes.Buffer
	qt.Assert(t, JSON([]byte("not json"), &broken, Mode_ANSI), qt.IsNil)
	qt.Check(t, broken.String(), qt.Equals, "not json")
}
