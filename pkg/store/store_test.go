package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/warptools/warpstore/wsapi"
)

type backendCase struct {
	name string
	open func(t *testing.T) Backend
}

func backendCases() []backendCase {
	cases := []backendCase{
		{name: "memory", open: func(t *testing.T) Backend { return NewMemory() }},
		{name: "bolt", open: func(t *testing.T) Backend {
			b, err := OpenBolt(BoltConfig{Path: filepath.Join(t.TempDir(), "store.db")})
			qt.Assert(t, err, qt.IsNil)
			return b
		}},
	}
	if hosts := os.Getenv("WARPSTORE_TEST_SCYLLA"); hosts != "" {
		cases = append(cases, backendCase{name: "scylla", open: func(t *testing.T) Backend {
			b, err := OpenScylla(context.Background(), ScyllaConfig{Hosts: []string{hosts}, Keyspace: "warpstore_test"})
			qt.Assert(t, err, qt.IsNil)
			return b
		}})
	}
	if bucket := os.Getenv("WARPSTORE_TEST_S3_BUCKET"); bucket != "" {
		cases = append(cases, backendCase{name: "s3", open: func(t *testing.T) Backend {
			b, err := OpenS3(context.Background(), S3Config{
				Endpoint: os.Getenv("WARPSTORE_TEST_S3_ENDPOINT"),
				Region:   "us-east-1",
				Bucket:   bucket,
			})
			qt.Assert(t, err, qt.IsNil)
			return b
		}})
	}
	return cases
}

func leaf(t *testing.T, s string) (wsapi.ObjectID, []byte) {
	id, b, err := wsapi.Object{Leaf: &wsapi.Leaf{Bytes: []byte(s)}}.ID()
	qt.Assert(t, err, qt.IsNil)
	return id, b
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	for _, bc := range backendCases() {
		t.Run(bc.name, func(t *testing.T) {
			s := New(bc.open(t), bc.name, "")
			defer s.Close()

			id, b := leaf(t, "hello")
			got, err := s.TryGet(ctx, wsapi.ObjectItem(id))
			qt.Assert(t, err, qt.IsNil)
			qt.Check(t, got, qt.IsNil)

			arg := PutArg{ID: wsapi.ObjectItem(id), Entry: Entry{Bytes: b, TouchedAt: 100}}
			qt.Assert(t, s.Put(ctx, arg), qt.IsNil)
			qt.Assert(t, s.Put(ctx, arg), qt.IsNil)

			got, err = s.TryGet(ctx, wsapi.ObjectItem(id))
			qt.Assert(t, err, qt.IsNil)
			qt.Check(t, string(got), qt.Equals, "hello")

			other, _ := leaf(t, "absent")
			batch, err := s.TryGetBatch(ctx, []wsapi.Item{wsapi.ObjectItem(other), wsapi.ObjectItem(id)})
			qt.Assert(t, err, qt.IsNil)
			qt.Assert(t, batch, qt.HasLen, 2)
			qt.Check(t, batch[0], qt.IsNil)
			qt.Check(t, string(batch[1]), qt.Equals, "hello")
		})
	}
}

func TestLargeValueChunks(t *testing.T) {
	ctx := context.Background()
	for _, bc := range backendCases() {
		t.Run(bc.name, func(t *testing.T) {
			s := New(bc.open(t), bc.name, "")
			defer s.Close()

			big := make([]byte, 3*chunkSize+17)
			for i := range big {
				big[i] = byte(i % 251)
			}
			id := wsapi.NewObjectID(wsapi.ObjectKind_Leaf, big)
			qt.Assert(t, s.Put(ctx, PutArg{ID: wsapi.ObjectItem(id), Entry: Entry{Bytes: big, TouchedAt: 1}}), qt.IsNil)
			got, err := s.TryGet(ctx, wsapi.ObjectItem(id))
			qt.Assert(t, err, qt.IsNil)
			qt.Check(t, got, qt.DeepEquals, big)
		})
	}
}

func TestConditionalDelete(t *testing.T) {
	ctx := context.Background()
	ttl := 10 * time.Second
	for _, bc := range backendCases() {
		t.Run(bc.name, func(t *testing.T) {
			s := New(bc.open(t), bc.name, "")
			defer s.Close()

			id, b := leaf(t, "doomed")
			item := wsapi.ObjectItem(id)
			qt.Assert(t, s.Put(ctx, PutArg{ID: item, Entry: Entry{Bytes: b, TouchedAt: 100}}), qt.IsNil)

			// Touched too recently.
			ok, err := s.Delete(ctx, item, 105, ttl)
			qt.Assert(t, err, qt.IsNil)
			qt.Check(t, ok, qt.IsFalse)

			// A later put raises touched_at, so the old cutoff no longer applies.
			qt.Assert(t, s.Put(ctx, PutArg{ID: item, Entry: Entry{Bytes: b, TouchedAt: 200}}), qt.IsNil)
			ok, err = s.Delete(ctx, item, 110, ttl)
			qt.Assert(t, err, qt.IsNil)
			qt.Check(t, ok, qt.IsFalse)

			deleted, err := s.DeleteBatch(ctx, []wsapi.Item{item}, 210, ttl)
			qt.Assert(t, err, qt.IsNil)
			qt.Check(t, deleted, qt.HasLen, 1)
			got, err := s.TryGet(ctx, item)
			qt.Assert(t, err, qt.IsNil)
			qt.Check(t, got, qt.IsNil)
		})
	}
}

func TestCacheReference(t *testing.T) {
	ctx := context.Background()
	for _, bc := range backendCases() {
		t.Run(bc.name, func(t *testing.T) {
			cacheDir := t.TempDir()
			s := New(bc.open(t), bc.name, cacheDir)
			defer s.Close()

			artifact, _ := leaf(t, "artifact")
			path := "lib/data.bin"
			ref := wsapi.CacheReference{Artifact: artifact, Path: &path, Position: 3, Length: 5}
			full := ref.FilePath(cacheDir)
			qt.Assert(t, os.MkdirAll(filepath.Dir(full), 0o755), qt.IsNil)
			qt.Assert(t, os.WriteFile(full, []byte("xxxhelloyyy"), 0o644), qt.IsNil)

			id, _ := leaf(t, "hello")
			qt.Assert(t, s.Put(ctx, PutArg{ID: wsapi.ObjectItem(id), Entry: Entry{CacheReference: &ref, TouchedAt: 1}}), qt.IsNil)

			got, err := s.TryGet(ctx, wsapi.ObjectItem(id))
			qt.Assert(t, err, qt.IsNil)
			qt.Check(t, string(got), qt.Equals, "hello")

			gotRef, err := s.TryGetCacheReference(ctx, wsapi.ObjectItem(id))
			qt.Assert(t, err, qt.IsNil)
			qt.Assert(t, gotRef, qt.IsNotNil)
			qt.Check(t, gotRef.Artifact, qt.Equals, artifact)
			qt.Check(t, gotRef.Length, qt.Equals, uint64(5))
		})
	}
}

func TestPutRequiresValue(t *testing.T) {
	s := New(NewMemory(), "memory", "")
	id, _ := leaf(t, "x")
	err := s.Put(context.Background(), PutArg{ID: wsapi.ObjectItem(id)})
	qt.Check(t, wsapi.Code(err), qt.Equals, wsapi.ECodeInvalid)
}

func TestProcessRecord(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory(), "memory", "")
	cmd, _ := leaf(t, "cmd")
	p := wsapi.Process{ID: wsapi.NewProcessID(), Status: wsapi.ProcessStatus_Finished, Command: cmd}
	qt.Assert(t, s.PutProcess(ctx, p, 1), qt.IsNil)
	got, err := s.TryGetProcess(ctx, p.ID)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, got, qt.IsNotNil)
	qt.Check(t, got.Command, qt.Equals, cmd)
	qt.Check(t, got.Finished(), qt.IsTrue)
}

func TestWriteCache(t *testing.T) {
	ctx := context.Background()
	cacheDir := t.TempDir()
	s := New(NewMemory(), "memory", cacheDir)

	id, _ := leaf(t, "cached")
	path := "nested/file"
	ref, err := s.WriteCache(ctx, id, &path, []byte("cached"))
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, ref.Length, qt.Equals, uint64(6))
	qt.Assert(t, s.Put(ctx, PutArg{ID: wsapi.ObjectItem(id), Entry: Entry{CacheReference: &ref, TouchedAt: 1}}), qt.IsNil)

	got, err := s.TryGet(ctx, wsapi.ObjectItem(id))
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, string(got), qt.Equals, "cached")

	_, err = New(NewMemory(), "memory", "").WriteCache(ctx, id, nil, []byte("x"))
	qt.Check(t, wsapi.Code(err), qt.Equals, wsapi.ECodeInvalid)
}
