package healthcheck

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/warpstore/pkg/index"
	"github.com/warptools/warpstore/pkg/store"
	"github.com/warptools/warpstore/wsapi"
)

type stubRunner struct {
	name string
	err  error
}

func (s stubRunner) Run(context.Context) error { return s.err }
func (s stubRunner) String() string            { return s.name }

func TestRunRecordsResults(t *testing.T) {
	hc := &HealthCheck{Runners: []Runner{
		stubRunner{name: "quiet"},
		stubRunner{name: "fine", err: serum.Errorf(CodeRunOkay, "all good")},
		stubRunner{name: "broken", err: serum.Errorf(CodeRunFailure, "line one\nline two")},
	}}
	qt.Assert(t, hc.Run(context.Background()), qt.IsNil)
	qt.Assert(t, hc.Results, qt.HasLen, 3)
	qt.Check(t, hc.Results[0].Code, qt.Equals, CodeRunOkay)
	qt.Check(t, hc.Results[1].Message, qt.Equals, "all good")
	qt.Check(t, hc.Failed(), qt.IsTrue)

	var buf bytes.Buffer
	qt.Assert(t, hc.Fprint(&buf), qt.IsNil)
	qt.Check(t, buf.String(), qt.Contains, "broken: line one\n\tline two\n")
}

func TestRunStopsOnUncodedError(t *testing.T) {
	hc := &HealthCheck{Runners: []Runner{
		stubRunner{name: "bad", err: errors.New("boom")},
		stubRunner{name: "never"},
	}}
	err := hc.Run(context.Background())
	qt.Check(t, serum.Code(err), qt.Equals, wsapi.ECodeInternal)
	qt.Check(t, hc.Results, qt.HasLen, 0)
}

func TestDirCheck(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	qt.Check(t, serum.Code((&DirCheck{Path: dir}).Run(ctx)), qt.Equals, CodeRunOkay)

	missing := filepath.Join(dir, "missing")
	qt.Check(t, serum.Code((&DirCheck{Path: missing}).Run(ctx)), qt.Equals, CodeRunFailure)
	qt.Check(t, serum.Code((&DirCheck{Path: missing, Optional: true}).Run(ctx)), qt.Equals, CodeRunAmbiguous)

	file := filepath.Join(dir, "file")
	qt.Assert(t, os.WriteFile(file, nil, 0o644), qt.IsNil)
	qt.Check(t, serum.Code((&DirCheck{Path: file}).Run(ctx)), qt.Equals, CodeRunFailure)
}

func TestBackendChecks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx, err := index.Open(ctx, index.Config{Sqlite: &index.SqliteConfig{Path: filepath.Join(dir, "index.db")}})
	qt.Assert(t, err, qt.IsNil)
	defer idx.Close()
	s := store.New(store.NewMemory(), "memory", filepath.Join(dir, "cache"))

	qt.Check(t, serum.Code((&StoreCheck{Store: s}).Run(ctx)), qt.Equals, CodeRunOkay)
	qt.Check(t, serum.Code((&IndexCheck{Index: idx}).Run(ctx)), qt.Equals, CodeRunOkay)
	qt.Check(t, serum.Code((&RemoteCheck{}).Run(ctx)), qt.Equals, CodeRunAmbiguous)
	qt.Check(t, serum.Code((&KernelInfo{}).Run(ctx)), qt.Equals, CodeRunAmbiguous)
}
