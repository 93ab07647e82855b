package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestCtxCarriesLogger(t *testing.T) {
	var out, errOut bytes.Buffer
	ctx := NewLogger(&out, &errOut, true, false, true).WithContext(context.Background())

	Ctx(ctx).Debug("gc", "deleted %d objects", 3)
	Ctx(ctx).Out("done")

	var line jsonLine
	qt.Assert(t, json.Unmarshal(errOut.Bytes(), &line), qt.IsNil)
	qt.Check(t, line.Level, qt.Equals, "debug")
	qt.Check(t, line.Tag, qt.Equals, "gc")
	qt.Check(t, line.Message, qt.Equals, "deleted 3 objects")
	qt.Check(t, out.String(), qt.Equals, "done\n")
}

func TestQuiet(t *testing.T) {
	var out, errOut bytes.Buffer
	l := NewLogger(&out, &errOut, true, true, false)
	l.Info("sync", "hello")
	l.Debug("sync", "hello")
	qt.Check(t, errOut.Len(), qt.Equals, 0)
	l.Warn("sync", "careful")
	qt.Check(t, errOut.Len(), qt.Not(qt.Equals), 0)
}

func TestCtxDefault(t *testing.T) {
	qt.Check(t, Ctx(context.Background()), qt.IsNotNil)
}
