/*
Package syncer copies objects and processes between two stores over a
byte stream.

One side sends (the putter), the other receives (the getter). The side that
dials writes a Hello frame saying which of the two it will be and, when it
pushes, which roots it offers. From then on the getter asks for items with
Request frames and the putter answers each with an Item, Missing, or Error
frame. In eager mode the putter follows children on its own and the getter
only tells it, with Skip frames, what it already has.

Whenever the putter runs out of work it sends Done with the number of Requests
it has read. The getter is finished when that number matches the number of
Requests it has sent.
*/
package syncer

import (
	"context"
	"net"
	"time"

	"github.com/warptools/warpstore/pkg/index"
	"github.com/warptools/warpstore/pkg/logging"
	"github.com/warptools/warpstore/pkg/store"
	"github.com/warptools/warpstore/wsapi"
)

type Config struct {
	// BatchSize is how many requests the putter looks up together, and how
	// many index messages the getter accumulates before applying them.
	// Zero means 256.
	BatchSize int
	// BatchTimeout bounds how long the putter waits to fill a batch. Zero means 10ms.
	BatchTimeout time.Duration
	// Concurrency bounds the putter's in-flight batches. Zero means 8.
	Concurrency int
}

func (cfg Config) withDefaults() Config {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return cfg
}

// Peer is one side's store and index.
// Index is only needed on sides that receive.
type Peer struct {
	Store  *store.Store
	Index  *index.Index
	Config Config
}

// closeOnDone closes conn if ctx ends before the returned stop is called.
func closeOnDone(ctx context.Context, conn net.Conn) (stop func() bool) {
	return context.AfterFunc(ctx, func() { conn.Close() })
}

// Pull asks the remote end of conn for items and everything below them that
// opts selects, writing what arrives into p. conn is closed on return.
//
// Errors:
//
//   - warpstore-error-connection -- when the stream fails
//   - warpstore-error-serialization -- when the peer sends garbage
//   - warpstore-error-backend -- when the local index fails
func (p Peer) Pull(ctx context.Context, conn net.Conn, items []wsapi.Item, opts wsapi.SyncOptions) (GetResult, error) {
	defer conn.Close()
	defer closeOnDone(ctx, conn)()
	w := newFrameWriter(conn)
	if err := w.Write(wsapi.Frame{Hello: &wsapi.Hello{Direction: wsapi.SyncDirection_Pull, Items: items, Options: opts}}); err != nil {
		return GetResult{}, err
	}
	res, err := NewGetter(p.Store, p.Index, opts, p.Config).Run(ctx, items, newFrameReader(conn), w)
	return res, ctxErr(ctx, err)
}

// Push offers items to the remote end of conn and serves what it asks for
// until it hangs up. conn is closed on return.
//
// Errors:
//
//   - warpstore-error-connection -- when the stream fails
//   - warpstore-error-serialization -- when the peer sends garbage
func (p Peer) Push(ctx context.Context, conn net.Conn, items []wsapi.Item, opts wsapi.SyncOptions) (PutStats, error) {
	defer conn.Close()
	defer closeOnDone(ctx, conn)()
	w := newFrameWriter(conn)
	if err := w.Write(wsapi.Frame{Hello: &wsapi.Hello{Direction: wsapi.SyncDirection_Push, Items: items, Options: opts}}); err != nil {
		return PutStats{}, err
	}
	stats, err := NewPutter(p.Store, opts, p.Config).Run(ctx, newFrameReader(conn), w)
	p.forgetMissing(ctx, stats.MissingItems)
	return stats, ctxErr(ctx, err)
}

// ServeConn answers one dialing side: it sends if the remote pulls and
// receives if the remote pushes. conn is closed on return.
//
// Errors:
//
//   - warpstore-error-connection -- when the stream fails
//   - warpstore-error-serialization -- when the peer sends garbage
//   - warpstore-error-invalid -- when the remote pushes to a side without an index
//   - warpstore-error-backend -- when the local index fails
func (p Peer) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	defer closeOnDone(ctx, conn)()
	r := newFrameReader(conn)
	w := newFrameWriter(conn)
	f, err := r.Read()
	if err != nil {
		return wsapi.ErrorConnection("read hello", err)
	}
	if f.Hello == nil {
		return wsapi.ErrorConnection("read hello", wsapi.ErrorInvalid("expected a hello frame, got "+f.Kind()))
	}
	switch f.Hello.Direction {
	case wsapi.SyncDirection_Pull:
		var stats PutStats
		stats, err = NewPutter(p.Store, f.Hello.Options, p.Config).Run(ctx, r, w)
		p.forgetMissing(ctx, stats.MissingItems)
	default:
		if p.Index == nil {
			return wsapi.ErrorInvalid("this side does not accept pushes")
		}
		_, err = NewGetter(p.Store, p.Index, f.Hello.Options, p.Config).Run(ctx, f.Hello.Items, r, w)
	}
	return ctxErr(ctx, err)
}

// forgetMissing tells p's index, when it has one, that the store lacks items
// it was asked for. Failures are logged; the sync itself already finished.
func (p Peer) forgetMissing(ctx context.Context, items []wsapi.Item) {
	if p.Index == nil || len(items) == 0 {
		return
	}
	n, err := p.Index.MarkMissing(context.WithoutCancel(ctx), items)
	if err != nil {
		logging.Ctx(ctx).Warn(LOG_TAG_PUT, "recording missing items: %s", err)
		return
	}
	if n > 0 {
		logging.Ctx(ctx).Warn(LOG_TAG_PUT, "%d items were indexed as stored but are not in the store", n)
	}
}

// Pipe syncs items from one peer to another in this process.
//
// Errors:
//
//   - warpstore-error-connection -- when either side stops early
//   - warpstore-error-backend -- when the receiving index fails
func Pipe(ctx context.Context, from, to Peer, items []wsapi.Item, opts wsapi.SyncOptions) (GetResult, error) {
	a, b := net.Pipe()
	errc := make(chan error, 1)
	go func() { errc <- from.ServeConn(ctx, b) }()
	res, err := to.Pull(ctx, a, items, opts)
	if serr := <-errc; err == nil {
		err = serr
	}
	return res, err
}

// ctxErr prefers the context's error over the connection error that closing
// the connection on cancellation produces.
func ctxErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
