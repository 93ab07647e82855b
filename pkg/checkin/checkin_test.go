package checkin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/warptools/warpstore/pkg/index"
	"github.com/warptools/warpstore/pkg/store"
	"github.com/warptools/warpstore/wsapi"
)

type fixture struct {
	store *store.Store
	index *index.Index
	src   string
}

func newFixture(t *testing.T) fixture {
	dir := t.TempDir()
	idx, err := index.Open(context.Background(), index.Config{
		Sqlite: &index.SqliteConfig{Path: filepath.Join(dir, "index.db")},
	})
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() { idx.Close() })
	src := filepath.Join(dir, "src")
	qt.Assert(t, os.MkdirAll(src, 0o755), qt.IsNil)
	return fixture{
		store: store.New(store.NewMemory(), "memory", filepath.Join(dir, "cache")),
		index: idx,
		src:   src,
	}
}

func (f fixture) write(t *testing.T, name, contents string, mode os.FileMode) {
	p := filepath.Join(f.src, filepath.FromSlash(name))
	qt.Assert(t, os.MkdirAll(filepath.Dir(p), 0o755), qt.IsNil)
	qt.Assert(t, os.WriteFile(p, []byte(contents), mode), qt.IsNil)
}

func (f fixture) object(t *testing.T, id wsapi.ObjectID) wsapi.Object {
	b, err := f.store.TryGet(context.Background(), wsapi.ObjectItem(id))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, b, qt.IsNotNil, qt.Commentf("%s not stored", id))
	obj, err := wsapi.DecodeObject(id.Kind, b)
	qt.Assert(t, err, qt.IsNil)
	return obj
}

func (f fixture) entry(t *testing.T, dir wsapi.ObjectID, name string) wsapi.ObjectID {
	for _, e := range f.object(t, dir).Directory.Entries {
		if e.Name == name {
			return e.Artifact
		}
	}
	t.Fatalf("no entry %q", name)
	return wsapi.ObjectID{}
}

func (f fixture) contents(t *testing.T, file wsapi.ObjectID) string {
	blob := f.object(t, file).File.Contents
	obj := f.object(t, blob)
	if obj.Leaf != nil {
		return string(obj.Leaf.Bytes)
	}
	var out []byte
	for _, c := range obj.Branch.Children {
		out = append(out, f.object(t, c.Blob).Leaf.Bytes...)
	}
	return string(out)
}

func TestCheckinTree(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", "hello", 0o644)
	f.write(t, "bin/run", "#!/bin/sh\n", 0o755)
	f.write(t, "sub/a.txt", "hello", 0o644)
	qt.Assert(t, os.Symlink("a.txt", filepath.Join(f.src, "link")), qt.IsNil)

	res, err := Path(context.Background(), f.store, f.index, f.src, Config{})
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, res.Root.Kind, qt.Equals, wsapi.ObjectKind_Directory)
	// root, bin, sub, two distinct files, two leaves, the symlink
	qt.Check(t, res.Objects, qt.Equals, 8)

	a := f.entry(t, res.Root, "a.txt")
	qt.Check(t, f.entry(t, f.entry(t, res.Root, "sub"), "a.txt"), qt.Equals, a)
	qt.Check(t, f.contents(t, a), qt.Equals, "hello")
	run := f.entry(t, f.entry(t, res.Root, "bin"), "run")
	qt.Check(t, f.object(t, run).File.Executable, qt.IsTrue)
	qt.Check(t, *f.object(t, f.entry(t, res.Root, "link")).Symlink.Path, qt.Equals, "a.txt")

	s, err := f.index.TryGetObjectStored(context.Background(), res.Root)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, s, qt.IsNotNil)
	qt.Check(t, s.Subtree, qt.IsTrue)
	md, err := f.index.TryGetObjectMetadata(context.Background(), res.Root)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, md.Count, qt.IsNotNil)
	qt.Check(t, *md.Count, qt.Equals, uint64(8))
}

func TestCheckinIsDeterministic(t *testing.T) {
	f := newFixture(t)
	f.write(t, "x/y", "same", 0o644)
	first, err := Path(context.Background(), f.store, f.index, f.src, Config{})
	qt.Assert(t, err, qt.IsNil)
	second, err := Path(context.Background(), f.store, f.index, f.src, Config{})
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, second.Root, qt.Equals, first.Root)
}

func TestCheckinChunks(t *testing.T) {
	f := newFixture(t)
	f.write(t, "big", "abcdefghij", 0o644)

	res, err := Path(context.Background(), f.store, f.index, filepath.Join(f.src, "big"), Config{ChunkSize: 4})
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, res.Root.Kind, qt.Equals, wsapi.ObjectKind_File)
	blob := f.object(t, res.Root).File.Contents
	qt.Check(t, blob.Kind, qt.Equals, wsapi.ObjectKind_Branch)
	qt.Check(t, f.object(t, blob).Branch.Children, qt.HasLen, 3)
	qt.Check(t, f.contents(t, res.Root), qt.Equals, "abcdefghij")
}

func TestCheckinCache(t *testing.T) {
	f := newFixture(t)
	f.write(t, "dir/file", "cached bytes", 0o644)

	res, err := Path(context.Background(), f.store, f.index, f.src, Config{Cache: true, ChunkSize: 5})
	qt.Assert(t, err, qt.IsNil)
	file := f.entry(t, f.entry(t, res.Root, "dir"), "file")
	qt.Check(t, f.contents(t, file), qt.Equals, "cached bytes")

	cached, err := os.ReadFile(filepath.Join(f.store.CacheDir(), res.Root.String(), "dir", "file"))
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, string(cached), qt.Equals, "cached bytes")

	leaf := f.object(t, f.object(t, file).File.Contents).Branch.Children[1].Blob
	ref, err := f.store.TryGetCacheReference(context.Background(), wsapi.ObjectItem(leaf))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, ref, qt.IsNotNil)
	qt.Check(t, ref.Artifact, qt.Equals, res.Root)
	qt.Check(t, ref.Position, qt.Equals, uint64(5))

	e, err := f.index.TryGetObject(context.Background(), leaf)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, e.CacheEntry, qt.IsNotNil)
	qt.Check(t, *e.CacheEntry, qt.Equals, res.Root)
}

func TestCheckinMissingPath(t *testing.T) {
	f := newFixture(t)
	_, err := Path(context.Background(), f.store, f.index, filepath.Join(f.src, "nope"), Config{})
	qt.Check(t, wsapi.Code(err), qt.Equals, wsapi.ECodeIo)
}
