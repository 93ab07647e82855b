package index

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/warptools/warpstore/wsapi"
)

func TestIndexerAppliesBatches(t *testing.T) {
	forEachIndex(t, Config{PropagationLimit: 1}, func(t *testing.T, idx *Index) {
		ctx := context.Background()
		ix := NewIndexer(idx, IndexerConfig{BatchSize: 2, BatchTimeout: 10 * time.Millisecond})
		done := make(chan error, 1)
		go func() { done <- ix.Run(ctx) }()

		a, b, c := oid("a"), oid("b"), oid("c")
		for _, m := range []wsapi.Message{putObjectMsg(a, 1, 1, b), putObjectMsg(b, 1, 1, c), putObjectMsg(c, 1, 1)} {
			qt.Assert(t, ix.Send(ctx, m), qt.IsNil)
		}
		ix.Close()
		qt.Assert(t, <-done, qt.IsNil)

		// The queue is drained after every batch, so the propagation limit doesn't leave work behind.
		e := getObject(t, idx, a)
		qt.Check(t, e.Stored.Subtree, qt.IsTrue)
		checkMetadata(t, e, 3, 3)
		n, err := idx.QueueSize(ctx)
		qt.Assert(t, err, qt.IsNil)
		qt.Check(t, n, qt.Equals, 0)
	})
}

func TestIndexerStopsOnCancel(t *testing.T) {
	forEachIndex(t, Config{}, func(t *testing.T, idx *Index) {
		ctx, cancel := context.WithCancel(context.Background())
		ix := NewIndexer(idx, IndexerConfig{})
		done := make(chan error, 1)
		go func() { done <- ix.Run(ctx) }()
		cancel()
		qt.Check(t, <-done, qt.Equals, context.Canceled)
	})
}

func TestProcessStoredBits(t *testing.T) {
	var s wsapi.ProcessStored
	s.Node = true
	s.SetNodeRole(wsapi.ProcessRole_Log, true)
	s.SetSubtreeRole(wsapi.ProcessRole_Output, true)
	qt.Check(t, processStoredFromBits(processStoredBits(s)), qt.Equals, s)
	qt.Check(t, processStoredBits(wsapi.ProcessStored{}), qt.Equals, int64(0))
}
