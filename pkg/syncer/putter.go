package syncer

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/warptools/warpstore/pkg/logging"
	"github.com/warptools/warpstore/pkg/store"
	"github.com/warptools/warpstore/pkg/tracing"
	"github.com/warptools/warpstore/wsapi"
)

const LOG_TAG_PUT = "│  put"

// Putter is the sending side of a sync. It answers Requests from the
// receiving side with Item or Missing frames, and for eager entries keeps
// going into children on its own.
type Putter struct {
	store *store.Store
	opts  wsapi.SyncOptions
	cfg   Config
}

func NewPutter(s *store.Store, opts wsapi.SyncOptions, cfg Config) *Putter {
	return &Putter{store: s, opts: opts, cfg: cfg.withDefaults()}
}

type PutStats struct {
	Items   int
	Missing int
	Errors  int
	Bytes   uint64
	// MissingItems are the requested items this store doesn't have.
	MissingItems []wsapi.Item
}

func (s *PutStats) add(o PutStats) {
	s.Items += o.Items
	s.Missing += o.Missing
	s.Errors += o.Errors
	s.Bytes += o.Bytes
	s.MissingItems = append(s.MissingItems, o.MissingItems...)
}

type entry struct {
	item  wsapi.Item
	eager bool
}

type served struct {
	n        int
	children []wsapi.Item
	stats    PutStats
}

// Run serves frames read from r until r ends and all work is written to w.
// An entry leaves the queue only once its Item or Missing frame has been written.
// A Done frame goes out every time the queue drains.
//
// Errors:
//
//   - warpstore-error-connection -- when the stream fails
//   - warpstore-error-serialization -- when the peer sends garbage
func (p *Putter) Run(ctx context.Context, r *frameReader, w *frameWriter) (stats PutStats, err error) {
	ctx, span := tracing.Start(ctx, "syncer.Put", trace.WithAttributes(tracing.AttrFullSyncRolePutter))
	defer func() { tracing.EndWithStatus(span, err) }()
	log := logging.Ctx(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.cfg.Concurrency)

	frames := make(chan wsapi.Frame)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			f, err := r.Read()
			if err != nil {
				if err != io.EOF {
					readErr <- err
				}
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	results := make(chan served)
	var (
		queue    []entry
		inflight int
		received uint64
		dirty    bool
		skip     = map[string]struct{}{}
		seen     = map[string]struct{}{}
		input    = frames
		timer    <-chan time.Time
	)
	dispatch := func(n int) bool {
		if n > len(queue) {
			n = len(queue)
		}
		batch := append([]entry(nil), queue[:n]...)
		ok := eg.TryGo(func() error {
			res, err := p.serve(ctx, batch, w)
			select {
			case results <- res:
			case <-ctx.Done():
			}
			return err
		})
		if ok {
			queue = queue[n:]
			inflight += n
		}
		return ok
	}

	for {
		for len(queue) >= p.cfg.BatchSize && dispatch(p.cfg.BatchSize) {
		}
		if len(queue) > 0 && timer == nil {
			timer = time.After(p.cfg.BatchTimeout)
		}
		if len(queue) == 0 && inflight == 0 {
			if dirty {
				if err := w.Write(wsapi.Frame{Done: &wsapi.Done{Received: received}}); err != nil {
					return stats, err
				}
				dirty = false
			}
			if input == nil {
				log.Debug(LOG_TAG_PUT, "sent %d items, %d missing", stats.Items, stats.Missing)
				return stats, eg.Wait()
			}
		}
		select {
		case f, ok := <-input:
			if !ok {
				input = nil
				continue
			}
			switch {
			case f.Request != nil:
				received++
				dirty = true
				queue = append(queue, entry{item: f.Request.Item, eager: f.Request.Eager})
				seen[f.Request.Item.String()] = struct{}{}
			case f.Skip != nil:
				skip[f.Skip.Item.String()] = struct{}{}
			default:
				log.Warn(LOG_TAG_PUT, "ignoring unexpected %s frame", f.Kind())
			}
		case res := <-results:
			inflight -= res.n
			stats.add(res.stats)
			dirty = true
			for _, c := range res.children {
				k := c.String()
				if _, ok := skip[k]; ok {
					continue
				}
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				queue = append(queue, entry{item: c, eager: true})
			}
		case <-timer:
			timer = nil
			if len(queue) > 0 {
				dispatch(len(queue))
			}
		case err := <-readErr:
			cancel()
			eg.Wait()
			return stats, err
		case <-ctx.Done():
			if err := eg.Wait(); err != nil {
				return stats, err
			}
			return stats, ctx.Err()
		}
	}
}

// serve looks up one batch and writes a frame per entry.
// Lookup failures are reported per item; only a failed write is an error.
func (p *Putter) serve(ctx context.Context, batch []entry, w *frameWriter) (served, error) {
	log := logging.Ctx(ctx)
	res := served{n: len(batch)}
	items := make([]wsapi.Item, len(batch))
	for i, e := range batch {
		items[i] = e.item
	}
	values, err := p.store.TryGetBatch(ctx, items)
	errs := make([]error, len(batch))
	if err != nil {
		// Fall back to one lookup per item so one bad entry doesn't fail its neighbours.
		values = make([][]byte, len(batch))
		for i, it := range items {
			values[i], errs[i] = p.store.TryGet(ctx, it)
		}
	}
	for i, e := range batch {
		var f wsapi.Frame
		switch {
		case errs[i] != nil:
			f = wsapi.Frame{Error: &wsapi.SyncError{Item: e.item, Message: errs[i].Error()}}
			res.stats.Errors++
		case values[i] == nil:
			f = wsapi.Frame{Missing: &wsapi.Missing{Item: e.item}}
			res.stats.Missing++
			res.stats.MissingItems = append(res.stats.MissingItems, e.item)
		default:
			f = wsapi.Frame{Item: &wsapi.SyncItem{Item: e.item, Bytes: values[i]}}
			res.stats.Items++
			res.stats.Bytes += uint64(len(values[i]))
		}
		if err := w.Write(f); err != nil {
			return res, err
		}
		if e.eager && f.Item != nil {
			children, err := Children(e.item, values[i], p.opts)
			if err != nil {
				log.Warn(LOG_TAG_PUT, "not descending into %s: %s", e.item, err)
				continue
			}
			res.children = append(res.children, children...)
		}
	}
	return res, nil
}

// Children lists what a sync with opts follows below item, given item's bytes.
//
// Errors:
//
//   - warpstore-error-serialization -- when the bytes don't decode
func Children(item wsapi.Item, b []byte, opts wsapi.SyncOptions) ([]wsapi.Item, error) {
	if item.Object != nil {
		obj, err := wsapi.DecodeObject(item.Object.Kind, b)
		if err != nil {
			return nil, err
		}
		var out []wsapi.Item
		for _, c := range obj.Children() {
			out = append(out, wsapi.ObjectItem(c))
		}
		return out, nil
	}
	proc, err := wsapi.DecodeProcess(b)
	if err != nil {
		return nil, err
	}
	var out []wsapi.Item
	if opts.Recursive {
		for _, c := range proc.Children {
			out = append(out, wsapi.ProcessItem(c))
		}
	}
	for _, o := range proc.Objects() {
		if opts.Follows(o.Role) {
			out = append(out, wsapi.ObjectItem(o.Object))
		}
	}
	return out, nil
}
