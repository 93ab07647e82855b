package index

import (
	"context"

	"github.com/warptools/warpstore/wsapi"
)

type database interface {
	// view runs fn in a read-only transaction. Readers may run concurrently.
	view(ctx context.Context, fn func(txn) error) error
	// update runs fn in a write transaction. Writers are serialized.
	update(ctx context.Context, fn func(txn) error) error
	close() error
}

type itemKind int

const (
	kindCacheEntry itemKind = iota
	kindObject
	kindProcess
)

// candidate is a row seen by a touched_at scan.
type candidate struct {
	id        string
	touchedAt int64
}

// txn is the relational surface the engine is written against.
// Rows are read and written whole; merging happens in the engine.
// Absent rows come back as nil with a nil error.
// Edge inserts are idempotent.
type txn interface {
	getCacheEntry(ctx context.Context, id wsapi.ObjectID) (*int64, error)
	putCacheEntry(ctx context.Context, id wsapi.ObjectID, touchedAt int64) error
	deleteCacheEntry(ctx context.Context, id wsapi.ObjectID) error
	cacheEntryReferenced(ctx context.Context, id wsapi.ObjectID) (bool, error)

	getObject(ctx context.Context, id wsapi.ObjectID) (*wsapi.ObjectEntry, error)
	putObject(ctx context.Context, id wsapi.ObjectID, row wsapi.ObjectEntry) error
	// deleteObject removes the row, its child edges and its cache entry edge.
	deleteObject(ctx context.Context, id wsapi.ObjectID) error
	objectChildren(ctx context.Context, id wsapi.ObjectID) ([]wsapi.ObjectID, error)
	objectParents(ctx context.Context, id wsapi.ObjectID) ([]wsapi.ObjectID, error)
	addObjectChildren(ctx context.Context, id wsapi.ObjectID, children []wsapi.ObjectID) error
	// objectProcesses lists processes that reference id in any role.
	objectProcesses(ctx context.Context, id wsapi.ObjectID) ([]wsapi.ProcessID, error)

	getProcess(ctx context.Context, id wsapi.ProcessID) (*wsapi.ProcessEntry, error)
	putProcess(ctx context.Context, id wsapi.ProcessID, row wsapi.ProcessEntry) error
	// deleteProcess removes the row, its child edges and its object edges.
	deleteProcess(ctx context.Context, id wsapi.ProcessID) error
	processChildren(ctx context.Context, id wsapi.ProcessID) ([]wsapi.ProcessID, error)
	processParents(ctx context.Context, id wsapi.ProcessID) ([]wsapi.ProcessID, error)
	addProcessChildren(ctx context.Context, id wsapi.ProcessID, children []wsapi.ProcessID) error
	processObjects(ctx context.Context, id wsapi.ProcessID) ([]wsapi.ProcessObject, error)
	addProcessObjects(ctx context.Context, id wsapi.ProcessID, objects []wsapi.ProcessObject) error

	getTag(ctx context.Context, tag string) (*wsapi.Item, error)
	putTag(ctx context.Context, tag string, item wsapi.Item) error
	deleteTag(ctx context.Context, tag string) error
	listTags(ctx context.Context) ([]TagEntry, error)
	itemTagged(ctx context.Context, item wsapi.Item) (bool, error)

	enqueue(ctx context.Context, item wsapi.Item) error
	// dequeue removes and returns up to n items, oldest first.
	dequeue(ctx context.Context, n int) ([]wsapi.Item, error)
	queueSize(ctx context.Context) (int, error)

	// touchedBefore pages through rows of one kind with touched_at < max,
	// ordered by (touched_at, id), starting strictly after the given cursor.
	touchedBefore(ctx context.Context, kind itemKind, max int64, after *candidate, limit int) ([]candidate, error)
}
