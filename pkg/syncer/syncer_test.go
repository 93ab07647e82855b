package syncer

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"sort"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/warptools/warpstore/pkg/index"
	"github.com/warptools/warpstore/pkg/store"
	"github.com/warptools/warpstore/pkg/testutil"
	"github.com/warptools/warpstore/pkg/testutil/nettest"
	"github.com/warptools/warpstore/wsapi"
)

const testNow = 1_000_000

func newPeer(t *testing.T) Peer {
	dir := t.TempDir()
	idx, err := index.Open(context.Background(), index.Config{
		Sqlite: &index.SqliteConfig{Path: filepath.Join(dir, "index.db")},
	})
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() { idx.Close() })
	return Peer{
		Store:  store.New(store.NewMemory(), "memory", filepath.Join(dir, "cache")),
		Index:  idx,
		Config: Config{BatchSize: 2},
	}
}

func put(t *testing.T, p Peer, obj wsapi.Object) wsapi.ObjectID {
	id, _, err := p.Store.PutObject(context.Background(), obj, testNow)
	qt.Assert(t, err, qt.IsNil)
	return id
}

func leaf(t *testing.T, p Peer, s string) wsapi.ObjectID {
	return put(t, p, wsapi.Object{Leaf: &wsapi.Leaf{Bytes: []byte(s)}})
}

func branch(t *testing.T, p Peer, children ...wsapi.ObjectID) wsapi.ObjectID {
	var b wsapi.Branch
	for _, c := range children {
		b.Children = append(b.Children, wsapi.BranchChild{Blob: c, Length: 1})
	}
	return put(t, p, wsapi.Object{Branch: &b})
}

func has(t *testing.T, p Peer, it wsapi.Item) bool {
	b, err := p.Store.TryGet(context.Background(), it)
	qt.Assert(t, err, qt.IsNil)
	return b != nil
}

func objectStored(t *testing.T, p Peer, id wsapi.ObjectID) wsapi.ObjectStored {
	s, err := p.Index.TryGetObjectStored(context.Background(), id)
	qt.Assert(t, err, qt.IsNil)
	if s == nil {
		return wsapi.ObjectStored{}
	}
	return *s
}

// tree builds root -> {mid -> {a}, b} in p.
type tree struct {
	root, mid, a, b wsapi.ObjectID
}

func buildTree(t *testing.T, p Peer) tree {
	var tr tree
	tr.a = leaf(t, p, "a")
	tr.b = leaf(t, p, "b")
	tr.mid = branch(t, p, tr.a)
	tr.root = branch(t, p, tr.mid, tr.b)
	return tr
}

func (tr tree) all() []wsapi.ObjectID {
	return []wsapi.ObjectID{tr.root, tr.mid, tr.a, tr.b}
}

func itemStrings(items []wsapi.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.String()
	}
	sort.Strings(out)
	return out
}

func eachMode(t *testing.T, fn func(t *testing.T, eager bool)) {
	t.Run("lazy", func(t *testing.T) { fn(t, false) })
	t.Run("eager", func(t *testing.T) { fn(t, true) })
}

func TestFrameStream(t *testing.T) {
	var buf bytes.Buffer
	w := newFrameWriter(&buf)
	qt.Assert(t, w.Write(wsapi.Frame{Done: &wsapi.Done{Received: 1}}), qt.IsNil)
	qt.Assert(t, w.Write(wsapi.Frame{Missing: &wsapi.Missing{Item: wsapi.ProcessItem(wsapi.NewProcessID())}}), qt.IsNil)

	r := newFrameReader(&buf)
	f, err := r.Read()
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, f.Done.Received, qt.Equals, uint64(1))
	f, err = r.Read()
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, f.Kind(), qt.Equals, "missing")
	_, err = r.Read()
	qt.Check(t, err, qt.Equals, io.EOF)
}

func TestFrameStreamTruncated(t *testing.T) {
	var buf bytes.Buffer
	qt.Assert(t, newFrameWriter(&buf).Write(wsapi.Frame{Done: &wsapi.Done{Received: 1}}), qt.IsNil)
	r := newFrameReader(bytes.NewReader(buf.Bytes()[:buf.Len()-1]))
	_, err := r.Read()
	qt.Check(t, wsapi.Code(err), qt.Equals, wsapi.ECodeConnection)
}

func TestPipeTree(t *testing.T) {
	eachMode(t, func(t *testing.T, eager bool) {
		src, dst := newPeer(t), newPeer(t)
		tr := buildTree(t, src)

		res, err := Pipe(context.Background(), src, dst, []wsapi.Item{wsapi.ObjectItem(tr.root)}, wsapi.SyncOptions{Eager: eager})
		qt.Assert(t, err, qt.IsNil)
		qt.Check(t, res.Objects, qt.Equals, 4)
		qt.Check(t, res.Missing, qt.HasLen, 0)
		qt.Check(t, res.Errors, qt.HasLen, 0)
		for _, id := range tr.all() {
			qt.Check(t, has(t, dst, wsapi.ObjectItem(id)), qt.IsTrue, qt.Commentf("%s", id))
			qt.Check(t, objectStored(t, dst, id).Subtree, qt.IsTrue, qt.Commentf("%s", id))
		}
	})
}

func TestPipeIsolatesMissing(t *testing.T) {
	eachMode(t, func(t *testing.T, eager bool) {
		src, dst := newPeer(t), newPeer(t)
		a := leaf(t, src, "a")
		gone := wsapi.NewObjectID(wsapi.ObjectKind_Leaf, []byte("gone"))
		root := branch(t, src, a, gone)

		res, err := Pipe(context.Background(), src, dst, []wsapi.Item{wsapi.ObjectItem(root)}, wsapi.SyncOptions{Eager: eager})
		qt.Assert(t, err, qt.IsNil)
		qt.Check(t, itemStrings(res.Missing), qt.DeepEquals, []string{gone.String()})
		qt.Check(t, res.Objects, qt.Equals, 2)
		qt.Check(t, has(t, dst, wsapi.ObjectItem(a)), qt.IsTrue)
		qt.Check(t, objectStored(t, dst, a).Subtree, qt.IsTrue)
		qt.Check(t, objectStored(t, dst, root), qt.Equals, wsapi.ObjectStored{Node: true})
	})
}

func TestPipeRejectsCorruptItem(t *testing.T) {
	src, dst := newPeer(t), newPeer(t)
	a := leaf(t, src, "a")
	liar := wsapi.NewObjectID(wsapi.ObjectKind_Leaf, []byte("x"))
	qt.Assert(t, src.Store.Put(context.Background(), store.PutArg{
		ID:    wsapi.ObjectItem(liar),
		Entry: store.Entry{Bytes: []byte("y"), TouchedAt: testNow},
	}), qt.IsNil)

	res, err := Pipe(context.Background(), src, dst, []wsapi.Item{wsapi.ObjectItem(liar), wsapi.ObjectItem(a)}, wsapi.SyncOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res.Errors, qt.HasLen, 1)
	qt.Check(t, res.Errors[0].Item.String(), qt.Equals, liar.String())
	qt.Check(t, res.Objects, qt.Equals, 1)
	qt.Check(t, has(t, dst, wsapi.ObjectItem(liar)), qt.IsFalse)
}

func TestPipeSkipsWhatIsHere(t *testing.T) {
	src, dst := newPeer(t), newPeer(t)
	tr := buildTree(t, src)

	_, err := Pipe(context.Background(), src, dst, []wsapi.Item{wsapi.ObjectItem(tr.mid)}, wsapi.SyncOptions{})
	qt.Assert(t, err, qt.IsNil)

	res, err := Pipe(context.Background(), src, dst, []wsapi.Item{wsapi.ObjectItem(tr.root)}, wsapi.SyncOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, res.Objects, qt.Equals, 2)
	qt.Check(t, objectStored(t, dst, tr.root).Subtree, qt.IsTrue)

	res, err = Pipe(context.Background(), src, dst, []wsapi.Item{wsapi.ObjectItem(tr.root)}, wsapi.SyncOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, res.Skipped, qt.Equals, 1)
	qt.Check(t, res.Objects, qt.Equals, 0)
}

// run builds a finished process with a child process, a command, a log, and an output.
type run struct {
	proc, child       wsapi.ProcessID
	cmd, log, out, in wsapi.ObjectID
}

func buildRun(t *testing.T, p Peer) run {
	ctx := context.Background()
	var r run
	r.in = leaf(t, p, "input")
	r.cmd = put(t, p, wsapi.Object{Command: &wsapi.Command{Args: []string{"cat"}, References: []wsapi.ObjectID{r.in}}})
	r.log = leaf(t, p, "log")
	r.out = leaf(t, p, "out")
	r.child = wsapi.NewProcessID()
	r.proc = wsapi.NewProcessID()
	qt.Assert(t, p.Store.PutProcess(ctx, wsapi.Process{
		ID:      r.child,
		Status:  wsapi.ProcessStatus_Finished,
		Command: r.cmd,
	}, testNow), qt.IsNil)
	qt.Assert(t, p.Store.PutProcess(ctx, wsapi.Process{
		ID:       r.proc,
		Status:   wsapi.ProcessStatus_Finished,
		Command:  r.cmd,
		Children: []wsapi.ProcessID{r.child},
		Log:      &r.log,
		Outputs:  []wsapi.ObjectID{r.out},
	}, testNow), qt.IsNil)
	return r
}

func TestPipeProcessOutputs(t *testing.T) {
	eachMode(t, func(t *testing.T, eager bool) {
		src, dst := newPeer(t), newPeer(t)
		r := buildRun(t, src)

		res, err := Pipe(context.Background(), src, dst, []wsapi.Item{wsapi.ProcessItem(r.proc)}, wsapi.SyncOptions{Outputs: true, Eager: eager})
		qt.Assert(t, err, qt.IsNil)
		qt.Check(t, res.Processes, qt.Equals, 1)
		qt.Check(t, res.Objects, qt.Equals, 1)
		qt.Check(t, has(t, dst, wsapi.ProcessItem(r.proc)), qt.IsTrue)
		qt.Check(t, has(t, dst, wsapi.ObjectItem(r.out)), qt.IsTrue)
		qt.Check(t, has(t, dst, wsapi.ObjectItem(r.log)), qt.IsFalse)
		qt.Check(t, has(t, dst, wsapi.ObjectItem(r.cmd)), qt.IsFalse)
		qt.Check(t, has(t, dst, wsapi.ProcessItem(r.child)), qt.IsFalse)

		s, err := dst.Index.TryGetProcessStored(context.Background(), r.proc)
		qt.Assert(t, err, qt.IsNil)
		qt.Assert(t, s, qt.IsNotNil)
		qt.Check(t, s.Node, qt.IsTrue)
		qt.Check(t, s.NodeOutput, qt.IsTrue)
		qt.Check(t, s.NodeLog, qt.IsFalse)
	})
}

func TestPipeProcessRecursive(t *testing.T) {
	eachMode(t, func(t *testing.T, eager bool) {
		src, dst := newPeer(t), newPeer(t)
		r := buildRun(t, src)
		opts := wsapi.SyncOptions{Commands: true, Outputs: true, Recursive: true, Eager: eager}

		res, err := Pipe(context.Background(), src, dst, []wsapi.Item{wsapi.ProcessItem(r.proc)}, opts)
		qt.Assert(t, err, qt.IsNil)
		qt.Check(t, res.Processes, qt.Equals, 2)
		// cmd and its input once each, despite both processes referencing cmd.
		qt.Check(t, res.Objects, qt.Equals, 3)
		for _, it := range []wsapi.Item{
			wsapi.ProcessItem(r.proc),
			wsapi.ProcessItem(r.child),
			wsapi.ObjectItem(r.cmd),
			wsapi.ObjectItem(r.in),
			wsapi.ObjectItem(r.out),
		} {
			qt.Check(t, has(t, dst, it), qt.IsTrue, qt.Commentf("%s", it))
		}
		qt.Check(t, has(t, dst, wsapi.ObjectItem(r.log)), qt.IsFalse)

		res, err = Pipe(context.Background(), src, dst, []wsapi.Item{wsapi.ProcessItem(r.proc)}, opts)
		qt.Assert(t, err, qt.IsNil)
		qt.Check(t, res.Skipped, qt.Equals, 1)
	})
}

func TestChildren(t *testing.T) {
	p := newPeer(t)
	r := buildRun(t, p)
	b, err := p.Store.TryGet(context.Background(), wsapi.ProcessItem(r.proc))
	qt.Assert(t, err, qt.IsNil)

	got, err := Children(wsapi.ProcessItem(r.proc), b, wsapi.SyncOptions{Logs: true, Recursive: true})
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, itemStrings(got), qt.DeepEquals, itemStrings([]wsapi.Item{wsapi.ProcessItem(r.child), wsapi.ObjectItem(r.log)}))

	got, err = Children(wsapi.ProcessItem(r.proc), b, wsapi.SyncOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, got, qt.HasLen, 0)

	_, err = Children(wsapi.ProcessItem(r.proc), []byte("junk"), wsapi.SyncOptions{})
	qt.Check(t, wsapi.Code(err), qt.Equals, wsapi.ECodeSerialization)
}

func serve(t *testing.T, p Peer) *nettest.PipeListener {
	ctx, cancel := context.WithCancel(context.Background())
	l := nettest.NewPipeListener(ctx)
	srv := &Server{Peer: p}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		qt.Check(t, <-done, qt.IsNil)
	})
	return l
}

func TestServerPull(t *testing.T) {
	src, dst := newPeer(t), newPeer(t)
	tr := buildTree(t, src)
	l := serve(t, src)

	ctx := context.Background()
	conn, err := l.Dial(ctx)
	qt.Assert(t, err, qt.IsNil)
	res, err := dst.Pull(ctx, conn, []wsapi.Item{wsapi.ObjectItem(tr.root)}, wsapi.SyncOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, res.Objects, qt.Equals, 4)
	qt.Check(t, objectStored(t, dst, tr.root).Subtree, qt.IsTrue)
}

func TestServerPush(t *testing.T) {
	src, dst := newPeer(t), newPeer(t)
	tr := buildTree(t, src)
	l := serve(t, dst)

	ctx := context.Background()
	conn, err := l.Dial(ctx)
	qt.Assert(t, err, qt.IsNil)
	stats, err := src.Push(ctx, conn, []wsapi.Item{wsapi.ObjectItem(tr.root)}, wsapi.SyncOptions{Eager: true})
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, stats.Items, qt.Equals, 4)
	qt.Check(t, stats.Missing, qt.Equals, 0)
	for _, id := range tr.all() {
		qt.Check(t, has(t, dst, wsapi.ObjectItem(id)), qt.IsTrue)
	}
	qt.Check(t, objectStored(t, dst, tr.root).Subtree, qt.IsTrue)
}

func TestServeTCP(t *testing.T) {
	if *testutil.FlagOffline {
		t.Skip("skipping test", t.Name(), "due to offline flag")
	}
	src, dst := newPeer(t), newPeer(t)
	tr := buildTree(t, src)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	qt.Assert(t, err, qt.IsNil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- (&Server{Peer: src}).Serve(ctx, l) }()
	defer func() {
		cancel()
		qt.Check(t, <-done, qt.IsNil)
	}()

	conn, err := Dial(ctx, l.Addr().String())
	qt.Assert(t, err, qt.IsNil)
	res, err := dst.Pull(ctx, conn, []wsapi.Item{wsapi.ObjectItem(tr.root)}, wsapi.SyncOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, res.Objects, qt.Equals, 4)
}

func TestListenAndServeUnix(t *testing.T) {
	src, dst := newPeer(t), newPeer(t)
	tr := buildTree(t, src)
	addr := "unix:" + filepath.Join(t.TempDir(), "sync.sock")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- (&Server{Peer: src}).ListenAndServe(ctx, addr) }()
	defer func() {
		cancel()
		qt.Check(t, <-done, qt.IsNil)
	}()

	var conn net.Conn
	var err error
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		if conn, err = Dial(ctx, addr); err == nil {
			break
		}
	}
	qt.Assert(t, err, qt.IsNil)
	res, err := dst.Pull(ctx, conn, []wsapi.Item{wsapi.ObjectItem(tr.root)}, wsapi.SyncOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, res.Objects, qt.Equals, 4)
}

func TestServerRefusesPushWithoutIndex(t *testing.T) {
	src, dst := newPeer(t), newPeer(t)
	tr := buildTree(t, src)
	dst.Index = nil
	l := serve(t, dst)

	ctx := context.Background()
	conn, err := l.Dial(ctx)
	qt.Assert(t, err, qt.IsNil)
	stats, err := src.Push(ctx, conn, []wsapi.Item{wsapi.ObjectItem(tr.root)}, wsapi.SyncOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, stats.Items, qt.Equals, 0)
}

func TestParseAddress(t *testing.T) {
	network, addr, err := ParseAddress("unix:/tmp/ws.sock")
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, network, qt.Equals, "unix")
	qt.Check(t, addr, qt.Equals, "/tmp/ws.sock")

	network, addr, err = ParseAddress("localhost:7070")
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, network, qt.Equals, "tcp")
	qt.Check(t, addr, qt.Equals, "localhost:7070")

	_, _, err = ParseAddress("")
	qt.Check(t, wsapi.Code(err), qt.Equals, wsapi.ECodeInvalid)
}

func TestGetterIndexesItemsBeforeStreamEnds(t *testing.T) {
	src, dst := newPeer(t), newPeer(t)
	ctx := context.Background()

	var roots []wsapi.Item
	var stream bytes.Buffer
	fw := newFrameWriter(&stream)
	for _, s := range []string{"one", "two", "three"} {
		id, b, err := src.Store.PutObject(ctx, wsapi.Object{Leaf: &wsapi.Leaf{Bytes: []byte(s)}}, testNow)
		qt.Assert(t, err, qt.IsNil)
		roots = append(roots, wsapi.ObjectItem(id))
		qt.Assert(t, fw.Write(wsapi.Frame{Item: &wsapi.SyncItem{Item: wsapi.ObjectItem(id), Bytes: b}}), qt.IsNil)
	}

	// The sender hangs up without a Done frame.
	g := NewGetter(dst.Store, dst.Index, wsapi.SyncOptions{}, Config{BatchSize: 256})
	res, err := g.Run(ctx, roots, newFrameReader(&stream), newFrameWriter(io.Discard))
	qt.Check(t, wsapi.Code(err), qt.Equals, wsapi.ECodeConnection)
	qt.Check(t, res.Objects, qt.Equals, 3)

	for _, it := range roots {
		qt.Check(t, has(t, dst, it), qt.IsTrue)
		e, err := dst.Index.TryGetObject(ctx, *it.Object)
		qt.Assert(t, err, qt.IsNil)
		qt.Check(t, e, qt.IsNotNil, qt.Commentf("%s stored but not indexed", it))
		qt.Check(t, objectStored(t, dst, *it.Object).Node, qt.IsTrue)
	}
}

func TestServingPeerForgetsLostItems(t *testing.T) {
	src, dst := newPeer(t), newPeer(t)
	ctx := context.Background()
	ghost := wsapi.NewObjectID(wsapi.ObjectKind_Leaf, []byte("lost"))
	var msgs wsapi.Messages
	msgs.Add(wsapi.Message{PutObject: &wsapi.PutObject{
		ID:        ghost,
		Size:      4,
		Stored:    wsapi.ObjectStored{Node: true},
		TouchedAt: testNow,
	}})
	qt.Assert(t, src.Index.HandleMessages(ctx, msgs), qt.IsNil)
	qt.Assert(t, objectStored(t, src, ghost).Node, qt.IsTrue)

	res, err := Pipe(ctx, src, dst, []wsapi.Item{wsapi.ObjectItem(ghost)}, wsapi.SyncOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, itemStrings(res.Missing), qt.DeepEquals, []string{ghost.String()})
	qt.Check(t, objectStored(t, src, ghost), qt.Equals, wsapi.ObjectStored{})
}
