package syncer

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/warpstore/pkg/graph"
	"github.com/warptools/warpstore/pkg/index"
	"github.com/warptools/warpstore/pkg/logging"
	"github.com/warptools/warpstore/pkg/store"
	"github.com/warptools/warpstore/pkg/tracing"
	"github.com/warptools/warpstore/wsapi"
)

const LOG_TAG_GET = "│  get"

// Getter is the receiving side of a sync. It requests roots, writes what
// arrives to the local store and index, and asks for whatever below them the
// local side doesn't already have complete.
//
// The getter's graph is only touched from Run's goroutine.
type Getter struct {
	store *store.Store
	index *index.Index
	opts  wsapi.SyncOptions
	cfg   Config
	now   func() time.Time

	graph     *graph.Graph
	out       *outbox
	requested map[string]struct{}
	sent      uint64
	msgs      wsapi.Messages
	result    GetResult
}

func NewGetter(s *store.Store, idx *index.Index, opts wsapi.SyncOptions, cfg Config) *Getter {
	return &Getter{store: s, index: idx, opts: opts, cfg: cfg.withDefaults(), now: time.Now}
}

// ItemError is a failure confined to one item.
type ItemError struct {
	Item    wsapi.Item
	Message string
}

type GetResult struct {
	Objects   int
	Processes int
	Bytes     uint64
	// Missing lists items the sender doesn't have.
	Missing []wsapi.Item
	// Errors lists items the sender couldn't serve or that couldn't be stored here.
	Errors []ItemError
	// Skipped counts roots that were already complete here.
	Skipped int
}

// Run requests roots and processes incoming frames until the sender reports,
// with a Done frame, that it has answered every request sent.
//
// Errors:
//
//   - warpstore-error-connection -- when the stream fails or ends early
//   - warpstore-error-serialization -- when the peer sends garbage
//   - warpstore-error-backend -- when the local index fails
func (g *Getter) Run(ctx context.Context, roots []wsapi.Item, r *frameReader, w *frameWriter) (_ GetResult, err error) {
	ctx, span := tracing.Start(ctx, "syncer.Get",
		trace.WithAttributes(tracing.AttrFullSyncRoleGetter, tracing.AttrCount(len(roots))))
	defer func() { tracing.EndWithStatus(span, err) }()
	log := logging.Ctx(ctx)

	g.graph = graph.New()
	g.requested = map[string]struct{}{}
	g.out = newOutbox(w)
	defer func() {
		g.out.Close()
		if err == nil {
			err = g.out.Wait()
		}
	}()
	// Bytes already in the store stay reachable by the index however Run ends.
	defer func() {
		if err == nil {
			return
		}
		if ferr := g.flush(context.WithoutCancel(ctx)); ferr != nil {
			log.Warn(LOG_TAG_GET, "indexing received items after failure: %s", ferr)
		}
	}()

	for _, root := range roots {
		done, err := g.settled(ctx, root)
		if err != nil {
			return g.result, err
		}
		if done {
			g.result.Skipped++
			continue
		}
		if err := g.request(root, g.opts.Eager); err != nil {
			return g.result, err
		}
	}
	if g.sent == 0 {
		return g.result, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return g.result, err
		}
		f, err := r.Read()
		if err == io.EOF {
			return g.result, wsapi.ErrorConnection("sync", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return g.result, err
		}
		switch {
		case f.Item != nil:
			if err := g.receive(ctx, *f.Item); err != nil {
				return g.result, err
			}
		case f.Missing != nil:
			g.result.Missing = append(g.result.Missing, f.Missing.Item)
		case f.Error != nil:
			g.result.Errors = append(g.result.Errors, ItemError{Item: f.Error.Item, Message: f.Error.Message})
		case f.Done != nil:
			if err := g.flush(ctx); err != nil {
				return g.result, err
			}
			if f.Done.Received == g.sent {
				log.Debug(LOG_TAG_GET, "received %d objects, %d processes, %d missing",
					g.result.Objects, g.result.Processes, len(g.result.Missing))
				return g.result, nil
			}
		default:
			log.Warn(LOG_TAG_GET, "ignoring unexpected %s frame", f.Kind())
		}
		if g.msgs.Len() >= g.cfg.BatchSize {
			if err := g.flush(ctx); err != nil {
				return g.result, err
			}
		}
	}
}

func (g *Getter) request(it wsapi.Item, eager bool) error {
	k := it.String()
	if _, ok := g.requested[k]; ok {
		return nil
	}
	g.requested[k] = struct{}{}
	g.sent++
	return g.out.Send(wsapi.Frame{Request: &wsapi.Request{Item: it, Eager: eager}})
}

// settled asks the local index whether a root already has everything this sync would fetch.
func (g *Getter) settled(ctx context.Context, it wsapi.Item) (bool, error) {
	if it.Object != nil {
		pos := g.graph.AddObject(it.Object.Kind, it.Object)
		s, err := g.index.TryGetObjectStored(ctx, *it.Object)
		if err != nil || s == nil || !s.Subtree {
			return false, err
		}
		g.graph.MarkComplete(pos)
		return true, nil
	}
	pos := g.graph.AddProcess(*it.Process)
	s, err := g.index.TryGetProcessStored(ctx, *it.Process)
	if err != nil || s == nil {
		return false, err
	}
	g.graph.MergeProcessStored(pos, *s)
	return g.opts.Satisfied(*s), nil
}

// receive handles one Item frame. Problems with the item itself are recorded
// in the result; only a failure to talk to the peer is returned.
func (g *Getter) receive(ctx context.Context, it wsapi.SyncItem) error {
	var (
		follow []wsapi.Item
		have   []wsapi.Item
		err    error
	)
	if it.Item.Object != nil {
		follow, have, err = g.receiveObject(ctx, *it.Item.Object, it.Bytes)
	} else {
		follow, have, err = g.receiveProcess(ctx, *it.Item.Process, it.Bytes)
	}
	if err != nil {
		logging.Ctx(ctx).Warn(LOG_TAG_GET, "%s: %s", it.Item, err)
		g.result.Errors = append(g.result.Errors, ItemError{Item: it.Item, Message: err.Error()})
		return nil
	}
	g.result.Bytes += uint64(len(it.Bytes))
	if g.opts.Eager {
		for _, c := range have {
			if err := g.out.Send(wsapi.Frame{Skip: &wsapi.Skip{Item: c}}); err != nil {
				return err
			}
		}
		return nil
	}
	for _, c := range follow {
		if err := g.request(c, false); err != nil {
			return err
		}
	}
	return nil
}

// receiveObject stores an object and reports which children still need
// fetching and which are already complete here.
//
// Errors:
//
//   - warpstore-error-corruption -- when the bytes don't hash to the id
//   - warpstore-error-serialization -- when the bytes don't decode
//   - warpstore-error-backend -- when the local store or index fails
func (g *Getter) receiveObject(ctx context.Context, id wsapi.ObjectID, b []byte) (follow, have []wsapi.Item, err error) {
	if wsapi.NewObjectID(id.Kind, b) != id {
		return nil, nil, wsapi.ErrorCorruption("object", id.String())
	}
	obj, err := wsapi.DecodeObject(id.Kind, b)
	if err != nil {
		return nil, nil, err
	}
	children := obj.Children()
	pos := g.graph.AddObject(id.Kind, &id)
	childPos := make([]int, len(children))
	for i := range children {
		childPos[i] = g.graph.AddObject(children[i].Kind, &children[i])
	}
	if err := g.graph.UpdateObject(pos, childPos, uint64(len(b)), nil); err != nil {
		return nil, nil, err
	}
	if err := g.settleObjects(ctx, children, childPos); err != nil {
		return nil, nil, err
	}

	now := g.now().Unix()
	if err := g.store.Put(ctx, store.PutArg{ID: wsapi.ObjectItem(id), Entry: store.Entry{Bytes: b, TouchedAt: now}}); err != nil {
		return nil, nil, err
	}
	g.graph.MarkStored(pos)
	g.result.Objects++
	g.msgs.Add(wsapi.Message{PutObject: &wsapi.PutObject{
		ID:        id,
		Children:  children,
		Size:      uint64(len(b)),
		Stored:    wsapi.ObjectStored{Node: true, Subtree: g.graph.IsComplete(pos)},
		Metadata:  wsapi.ObjectMetadata{Size: uint64(len(b))},
		TouchedAt: now,
	}})

	for i, c := range children {
		if g.graph.IsComplete(childPos[i]) {
			have = append(have, wsapi.ObjectItem(c))
		} else {
			follow = append(follow, wsapi.ObjectItem(c))
		}
	}
	return follow, have, nil
}

// receiveProcess is receiveObject for process records. Which children and
// objects are followed depends on the sync options.
//
// Errors:
//
//   - warpstore-error-corruption -- when the record's id isn't the one requested
//   - warpstore-error-serialization -- when the bytes don't decode
//   - warpstore-error-backend -- when the local store or index fails
func (g *Getter) receiveProcess(ctx context.Context, id wsapi.ProcessID, b []byte) (follow, have []wsapi.Item, err error) {
	proc, err := wsapi.DecodeProcess(b)
	if err != nil {
		return nil, nil, err
	}
	if proc.ID != id {
		return nil, nil, wsapi.ErrorCorruption("process", id.String())
	}
	pos := g.graph.AddProcess(id)
	childPos := make([]int, len(proc.Children))
	for i, c := range proc.Children {
		childPos[i] = g.graph.AddProcess(c)
	}
	objects := proc.Objects()
	objectIDs := make([]wsapi.ObjectID, len(objects))
	objectPos := make([]int, len(objects))
	edges := make([]graph.ObjectEdge, len(objects))
	for i := range objects {
		objectIDs[i] = objects[i].Object
		objectPos[i] = g.graph.AddObject(objects[i].Object.Kind, &objects[i].Object)
		edges[i] = graph.ObjectEdge{Position: objectPos[i], Role: objects[i].Role}
	}
	if err := g.graph.UpdateProcess(pos, childPos, edges, proc.Finished(), nil); err != nil {
		return nil, nil, err
	}
	stored, err := g.index.TryGetProcessStoredBatch(ctx, proc.Children)
	if err != nil {
		return nil, nil, err
	}
	for i, s := range stored {
		if s != nil {
			g.graph.MergeProcessStored(childPos[i], *s)
		}
	}
	if err := g.settleObjects(ctx, objectIDs, objectPos); err != nil {
		return nil, nil, err
	}

	now := g.now().Unix()
	if err := g.store.Put(ctx, store.PutArg{ID: wsapi.ProcessItem(id), Entry: store.Entry{Bytes: b, TouchedAt: now}}); err != nil {
		return nil, nil, err
	}
	g.graph.MarkStored(pos)
	g.result.Processes++
	g.msgs.Add(wsapi.Message{PutProcess: &wsapi.PutProcess{
		ID:        id,
		Children:  proc.Children,
		Objects:   objects,
		Finished:  proc.Finished(),
		Stored:    g.graph.Node(pos).Process.Stored,
		TouchedAt: now,
	}})

	if g.opts.Recursive {
		for i, c := range proc.Children {
			if g.opts.Satisfied(g.graph.Node(childPos[i]).Process.Stored) {
				have = append(have, wsapi.ProcessItem(c))
			} else {
				follow = append(follow, wsapi.ProcessItem(c))
			}
		}
	}
	for i, o := range objects {
		if !g.opts.Follows(o.Role) {
			continue
		}
		if g.graph.IsComplete(objectPos[i]) {
			have = append(have, wsapi.ObjectItem(o.Object))
		} else {
			follow = append(follow, wsapi.ObjectItem(o.Object))
		}
	}
	return follow, have, nil
}

// settleObjects marks the objects the local index already has complete.
func (g *Getter) settleObjects(ctx context.Context, ids []wsapi.ObjectID, positions []int) error {
	if len(ids) == 0 {
		return nil
	}
	stored, err := g.index.TryGetObjectStoredBatch(ctx, ids)
	if err != nil {
		return err
	}
	for i, s := range stored {
		if s != nil && s.Subtree && !g.graph.IsComplete(positions[i]) {
			g.graph.MarkComplete(positions[i])
		}
	}
	return nil
}

// flush hands accumulated index messages to the index.
// Messages only ever describe bytes already written to the store.
func (g *Getter) flush(ctx context.Context) error {
	if g.msgs.Len() == 0 {
		return nil
	}
	msgs := g.msgs
	g.msgs = wsapi.Messages{}
	return g.index.HandleMessages(ctx, msgs)
}
