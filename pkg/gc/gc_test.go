package gc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/warptools/warpstore/pkg/index"
	"github.com/warptools/warpstore/pkg/store"
	"github.com/warptools/warpstore/wsapi"
)

const testNow = 1_000_000

type fixture struct {
	store *store.Store
	index *index.Index
	dir   string
}

func newFixture(t *testing.T) fixture {
	dir := t.TempDir()
	idx, err := index.Open(context.Background(), index.Config{
		Sqlite: &index.SqliteConfig{Path: filepath.Join(dir, "index.db")},
	})
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() { idx.Close() })
	cacheDir := filepath.Join(dir, "cache")
	qt.Assert(t, os.MkdirAll(cacheDir, 0o755), qt.IsNil)
	return fixture{store: store.New(store.NewMemory(), "memory", cacheDir), index: idx, dir: cacheDir}
}

func (f fixture) collector() *Collector {
	c := New(f.store, f.index, Config{TTL: 100 * time.Second, BatchSize: 2, CacheDir: f.dir})
	c.now = func() time.Time { return time.Unix(testNow, 0) }
	return c
}

// put writes a leaf to the store and indexes it, both touched at touchedAt.
func (f fixture) put(t *testing.T, name string, touchedAt int64, children ...wsapi.ObjectID) wsapi.ObjectID {
	ctx := context.Background()
	id, b, err := f.store.PutObject(ctx, wsapi.Object{Leaf: &wsapi.Leaf{Bytes: []byte(name)}}, touchedAt)
	qt.Assert(t, err, qt.IsNil)
	var msgs wsapi.Messages
	msgs.Add(wsapi.Message{PutObject: &wsapi.PutObject{
		ID:        id,
		Children:  children,
		Size:      uint64(len(b)),
		Stored:    wsapi.ObjectStored{Node: true},
		TouchedAt: touchedAt,
	}})
	qt.Assert(t, f.index.HandleMessages(ctx, msgs), qt.IsNil)
	return id
}

func (f fixture) inStore(t *testing.T, id wsapi.ObjectID) bool {
	b, err := f.store.TryGet(context.Background(), wsapi.ObjectItem(id))
	qt.Assert(t, err, qt.IsNil)
	return b != nil
}

func (f fixture) message(t *testing.T, m wsapi.Message) {
	var msgs wsapi.Messages
	msgs.Add(m)
	qt.Assert(t, f.index.HandleMessages(context.Background(), msgs), qt.IsNil)
}

func TestCleanRemovesOnlyUnreachable(t *testing.T) {
	f := newFixture(t)
	child := f.put(t, "child", 10)
	root := f.put(t, "root", 10, child)
	loose := f.put(t, "loose", 10)
	fresh := f.put(t, "fresh", testNow)
	f.message(t, wsapi.Message{PutTag: &wsapi.PutTag{Tag: "keep", Item: wsapi.ObjectItem(root)}})

	res, err := f.collector().Clean(context.Background())
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, res.Objects, qt.Equals, 1)
	qt.Check(t, res.StoreDeleted, qt.Equals, 1)
	qt.Check(t, f.inStore(t, loose), qt.IsFalse)
	qt.Check(t, f.inStore(t, root), qt.IsTrue)
	qt.Check(t, f.inStore(t, child), qt.IsTrue)
	qt.Check(t, f.inStore(t, fresh), qt.IsTrue)

	f.message(t, wsapi.Message{DeleteTag: &wsapi.DeleteTag{Tag: "keep"}})
	res, err = f.collector().Clean(context.Background())
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, res.Objects, qt.Equals, 2)
	qt.Check(t, f.inStore(t, root), qt.IsFalse)
	qt.Check(t, f.inStore(t, child), qt.IsFalse)
	qt.Check(t, f.inStore(t, fresh), qt.IsTrue)
}

func TestCleanKeepsBytesTouchedInStore(t *testing.T) {
	f := newFixture(t)
	id := f.put(t, "raced", 10)
	// A concurrent writer touched the store copy after the index saw it.
	_, _, err := f.store.PutObject(context.Background(), wsapi.Object{Leaf: &wsapi.Leaf{Bytes: []byte("raced")}}, testNow)
	qt.Assert(t, err, qt.IsNil)

	res, err := f.collector().Clean(context.Background())
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, res.Objects, qt.Equals, 1)
	qt.Check(t, res.StoreDeleted, qt.Equals, 0)
	qt.Check(t, f.inStore(t, id), qt.IsTrue)
}

func TestCleanRemovesCacheFiles(t *testing.T) {
	f := newFixture(t)
	entry := wsapi.NewObjectID(wsapi.ObjectKind_Directory, []byte("archive"))
	qt.Assert(t, os.MkdirAll(filepath.Join(f.dir, entry.String()), 0o755), qt.IsNil)
	qt.Assert(t, os.WriteFile(filepath.Join(f.dir, entry.String(), "data"), []byte("x"), 0o644), qt.IsNil)

	obj := f.put(t, "cached", 10)
	f.message(t, wsapi.Message{PutCacheEntry: &wsapi.PutCacheEntry{ID: entry, TouchedAt: 10}})
	f.message(t, wsapi.Message{PutObject: &wsapi.PutObject{ID: obj, CacheEntry: &entry, Size: 6, TouchedAt: 10}})

	res, err := f.collector().Clean(context.Background())
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, res.CacheEntries, qt.Equals, 1)
	_, err = os.Stat(filepath.Join(f.dir, entry.String()))
	qt.Check(t, os.IsNotExist(err), qt.IsTrue)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	c := f.collector()
	c.cfg.Interval = time.Millisecond
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	qt.Check(t, <-done, qt.Equals, context.Canceled)
}
