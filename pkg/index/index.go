/*
Package index maintains derived metadata about objects and processes:
child edges, completeness, count, weight, liveness and tags.

The only way to write is HandleMessages. Applying a message upserts rows and
edges and then recomputes the affected entries; anything whose inputs changed
is pushed onto a persistent queue so propagation up the graph survives a crash
and can be bounded per call. Recomputation is a pure function of what the index
currently holds, so messages may arrive in any order and any number of times.

Every backend presents the same Index. The algorithms live in engine.go and are
written against the small txn interface that each backend implements.
*/
package index

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/warpstore/pkg/tracing"
	"github.com/warptools/warpstore/wsapi"
)

// Config selects a backend. Exactly one of Sqlite, Postgres, Bolt should be set.
type Config struct {
	Sqlite   *SqliteConfig
	Postgres *PostgresConfig
	Bolt     *BoltConfig

	// PropagationLimit caps how many queued recomputations HandleMessages runs
	// inline. The rest wait for HandleQueue. Zero or less means no cap.
	PropagationLimit int
}

type SqliteConfig struct {
	Path string
	// Readers bounds the read connection pool. Zero means 4.
	Readers int
}

type PostgresConfig struct {
	URL            string
	MaxConnections int
}

type BoltConfig struct {
	Path string
}

func (cfg Config) BackendName() string {
	switch {
	case cfg.Sqlite != nil:
		return "sqlite"
	case cfg.Postgres != nil:
		return "postgres"
	case cfg.Bolt != nil:
		return "bolt"
	}
	return ""
}

type Index struct {
	db   database
	name string
	cfg  Config
}

// Open connects to the configured backend and prepares its schema.
//
// Errors:
//
//   - warpstore-error-config -- when no backend is configured
//   - warpstore-error-backend -- when the backend cannot be opened or migrated
func Open(ctx context.Context, cfg Config) (*Index, error) {
	var (
		db  database
		err error
	)
	switch {
	case cfg.Sqlite != nil:
		db, err = openSqlite(ctx, *cfg.Sqlite)
	case cfg.Postgres != nil:
		db, err = openPostgres(ctx, *cfg.Postgres)
	case cfg.Bolt != nil:
		db, err = openBolt(*cfg.Bolt)
	default:
		return nil, wsapi.ErrorConfig("index", "no backend configured")
	}
	if err != nil {
		return nil, err
	}
	return &Index{db: db, name: cfg.BackendName(), cfg: cfg}, nil
}

func (idx *Index) Close() error {
	return idx.db.close()
}

func (idx *Index) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, tracing.AttrBackend(idx.name))
	return tracing.Start(ctx, "index."+op, trace.WithAttributes(attrs...))
}

// CleanOutput lists what Clean removed from the index.
// The caller is expected to delete the same ids from the store.
type CleanOutput struct {
	CacheEntries []wsapi.ObjectID
	Objects      []wsapi.ObjectID
	Processes    []wsapi.ProcessID
}

func (o CleanOutput) Len() int {
	return len(o.CacheEntries) + len(o.Objects) + len(o.Processes)
}

// Items returns every removed id, cache entries included.
func (o CleanOutput) Items() []wsapi.Item {
	out := make([]wsapi.Item, 0, o.Len())
	for _, id := range o.CacheEntries {
		out = append(out, wsapi.ObjectItem(id))
	}
	for _, id := range o.Objects {
		out = append(out, wsapi.ObjectItem(id))
	}
	for _, id := range o.Processes {
		out = append(out, wsapi.ProcessItem(id))
	}
	return out
}

type TagEntry struct {
	Tag  wsapi.Tag
	Item wsapi.Item
}

// TryGetObject returns the full index entry for an object, or nil if there is none.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryGetObject(ctx context.Context, id wsapi.ObjectID) (*wsapi.ObjectEntry, error) {
	out, err := idx.TryGetObjectBatch(ctx, []wsapi.ObjectID{id})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// TryGetObjectBatch returns one entry per id, nil where absent.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryGetObjectBatch(ctx context.Context, ids []wsapi.ObjectID) (_ []*wsapi.ObjectEntry, err error) {
	ctx, span := idx.start(ctx, "TryGetObjectBatch", tracing.AttrCount(len(ids)))
	defer func() { tracing.EndWithStatus(span, err) }()
	out := make([]*wsapi.ObjectEntry, len(ids))
	err = idx.db.view(ctx, func(tx txn) error {
		for i, id := range ids {
			row, err := tx.getObject(ctx, id)
			if err != nil {
				return err
			}
			out[i] = row
		}
		return nil
	})
	return out, err
}

// TryGetProcess returns the full index entry for a process, or nil if there is none.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryGetProcess(ctx context.Context, id wsapi.ProcessID) (*wsapi.ProcessEntry, error) {
	out, err := idx.TryGetProcessBatch(ctx, []wsapi.ProcessID{id})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// TryGetProcessBatch returns one entry per id, nil where absent.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryGetProcessBatch(ctx context.Context, ids []wsapi.ProcessID) (_ []*wsapi.ProcessEntry, err error) {
	ctx, span := idx.start(ctx, "TryGetProcessBatch", tracing.AttrCount(len(ids)))
	defer func() { tracing.EndWithStatus(span, err) }()
	out := make([]*wsapi.ProcessEntry, len(ids))
	err = idx.db.view(ctx, func(tx txn) error {
		for i, id := range ids {
			row, err := tx.getProcess(ctx, id)
			if err != nil {
				return err
			}
			out[i] = row
		}
		return nil
	})
	return out, err
}

// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryGetObjectMetadata(ctx context.Context, id wsapi.ObjectID) (*wsapi.ObjectMetadata, error) {
	e, err := idx.TryGetObject(ctx, id)
	if err != nil || e == nil {
		return nil, err
	}
	return &e.Metadata, nil
}

// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryGetObjectMetadataBatch(ctx context.Context, ids []wsapi.ObjectID) ([]*wsapi.ObjectMetadata, error) {
	entries, err := idx.TryGetObjectBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*wsapi.ObjectMetadata, len(entries))
	for i, e := range entries {
		if e != nil {
			out[i] = &e.Metadata
		}
	}
	return out, nil
}

// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryGetObjectStored(ctx context.Context, id wsapi.ObjectID) (*wsapi.ObjectStored, error) {
	e, err := idx.TryGetObject(ctx, id)
	if err != nil || e == nil {
		return nil, err
	}
	return &e.Stored, nil
}

// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryGetObjectStoredBatch(ctx context.Context, ids []wsapi.ObjectID) ([]*wsapi.ObjectStored, error) {
	entries, err := idx.TryGetObjectBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*wsapi.ObjectStored, len(entries))
	for i, e := range entries {
		if e != nil {
			out[i] = &e.Stored
		}
	}
	return out, nil
}

// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryGetProcessMetadata(ctx context.Context, id wsapi.ProcessID) (*wsapi.ProcessMetadata, error) {
	e, err := idx.TryGetProcess(ctx, id)
	if err != nil || e == nil {
		return nil, err
	}
	return &e.Metadata, nil
}

// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryGetProcessMetadataBatch(ctx context.Context, ids []wsapi.ProcessID) ([]*wsapi.ProcessMetadata, error) {
	entries, err := idx.TryGetProcessBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*wsapi.ProcessMetadata, len(entries))
	for i, e := range entries {
		if e != nil {
			out[i] = &e.Metadata
		}
	}
	return out, nil
}

// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryGetProcessStored(ctx context.Context, id wsapi.ProcessID) (*wsapi.ProcessStored, error) {
	e, err := idx.TryGetProcess(ctx, id)
	if err != nil || e == nil {
		return nil, err
	}
	return &e.Stored, nil
}

// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryGetProcessStoredBatch(ctx context.Context, ids []wsapi.ProcessID) ([]*wsapi.ProcessStored, error) {
	entries, err := idx.TryGetProcessBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*wsapi.ProcessStored, len(entries))
	for i, e := range entries {
		if e != nil {
			out[i] = &e.Stored
		}
	}
	return out, nil
}

// TryTouchObjectAndGetStoredAndMetadata raises touched_at and reads the entry in
// one write transaction, so a concurrent Clean either sees the touch or has
// already removed the row.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryTouchObjectAndGetStoredAndMetadata(ctx context.Context, id wsapi.ObjectID, touchedAt int64) (_ *wsapi.ObjectEntry, err error) {
	ctx, span := idx.start(ctx, "TryTouchObjectAndGetStoredAndMetadata")
	defer func() { tracing.EndWithStatus(span, err) }()
	var out *wsapi.ObjectEntry
	err = idx.db.update(ctx, func(tx txn) error {
		row, err := touchObject(ctx, tx, id, touchedAt)
		out = row
		return err
	})
	return out, err
}

// TryTouchProcessAndGetStoredAndMetadata is the process form of TryTouchObjectAndGetStoredAndMetadata.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) TryTouchProcessAndGetStoredAndMetadata(ctx context.Context, id wsapi.ProcessID, touchedAt int64) (_ *wsapi.ProcessEntry, err error) {
	ctx, span := idx.start(ctx, "TryTouchProcessAndGetStoredAndMetadata")
	defer func() { tracing.EndWithStatus(span, err) }()
	var out *wsapi.ProcessEntry
	err = idx.db.update(ctx, func(tx txn) error {
		row, err := touchProcess(ctx, tx, id, touchedAt)
		out = row
		return err
	})
	return out, err
}

// TryGetObjectChildren lists the child edges recorded for an object.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
func (idx *Index) TryGetObjectChildren(ctx context.Context, id wsapi.ObjectID) ([]wsapi.ObjectID, error) {
	var out []wsapi.ObjectID
	err := idx.db.view(ctx, func(tx txn) error {
		var err error
		out, err = tx.objectChildren(ctx, id)
		return err
	})
	return out, err
}

// TryGetTag resolves a tag.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when the stored item does not parse
func (idx *Index) TryGetTag(ctx context.Context, tag string) (*wsapi.Item, error) {
	var out *wsapi.Item
	err := idx.db.view(ctx, func(tx txn) error {
		var err error
		out, err = tx.getTag(ctx, tag)
		return err
	})
	return out, err
}

// ListTags returns the tags at or beneath prefix, ordered by Tag.Compare.
// An empty prefix lists everything.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a stored tag does not parse
func (idx *Index) ListTags(ctx context.Context, prefix string) ([]TagEntry, error) {
	var pattern *wsapi.Tag
	if prefix != "" {
		p, err := wsapi.ParseTag(prefix)
		if err != nil {
			return nil, err
		}
		pattern = &p
	}
	var out []TagEntry
	err := idx.db.view(ctx, func(tx txn) error {
		all, err := tx.listTags(ctx)
		if err != nil {
			return err
		}
		for _, e := range all {
			if pattern == nil || e.Tag.Matches(*pattern) {
				out = append(out, e)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Tag.Compare(out[j].Tag) < 0 })
	return out, err
}

// HandleMessages applies a batch of messages in one write transaction, then
// runs up to Config.PropagationLimit queued recomputations in the same transaction.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) HandleMessages(ctx context.Context, msgs wsapi.Messages) (err error) {
	ctx, span := idx.start(ctx, "HandleMessages", tracing.AttrCount(msgs.Len()))
	defer func() { tracing.EndWithStatus(span, err) }()
	return idx.db.update(ctx, func(tx txn) error {
		if err := applyMessages(ctx, tx, msgs); err != nil {
			return err
		}
		_, err := drainQueue(ctx, tx, idx.cfg.PropagationLimit)
		return err
	})
}

// HandleQueue runs up to n queued recomputations and reports how many ran.
// n of zero or less drains the queue.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) HandleQueue(ctx context.Context, n int) (_ int, err error) {
	ctx, span := idx.start(ctx, "HandleQueue")
	defer func() { tracing.EndWithStatus(span, err) }()
	var processed int
	err = idx.db.update(ctx, func(tx txn) error {
		var err error
		processed, err = drainQueue(ctx, tx, n)
		return err
	})
	return processed, err
}

// QueueSize reports how many recomputations are waiting.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
func (idx *Index) QueueSize(ctx context.Context) (int, error) {
	var n int
	err := idx.db.view(ctx, func(tx txn) error {
		var err error
		n, err = tx.queueSize(ctx)
		return err
	})
	return n, err
}

// MarkMissing records that the store has lost items the index says are stored.
// Their own stored flags and the completeness of everything above them are
// cleared; edges and metadata stay, so storing an item again restores them.
// Items the index doesn't know, or already knows to be absent, are ignored.
// It reports how many items changed.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) MarkMissing(ctx context.Context, items []wsapi.Item) (_ int, err error) {
	ctx, span := idx.start(ctx, "MarkMissing", tracing.AttrCount(len(items)))
	defer func() { tracing.EndWithStatus(span, err) }()
	var n int
	err = idx.db.update(ctx, func(tx txn) error {
		n = 0
		for _, it := range items {
			changed, err := markMissing(ctx, tx, it)
			if err != nil {
				return err
			}
			if changed {
				n++
			}
		}
		return nil
	})
	return n, err
}

// Clean removes up to n entries that were last touched before maxTouchedAt and
// that nothing keeps alive: no tag, no parent object, no referencing process,
// no parent process, and for cache entries no object pointing at them.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when a row does not decode
func (idx *Index) Clean(ctx context.Context, maxTouchedAt int64, n int) (_ CleanOutput, err error) {
	ctx, span := idx.start(ctx, "Clean")
	defer func() { tracing.EndWithStatus(span, err) }()
	var out CleanOutput
	err = idx.db.update(ctx, func(tx txn) error {
		var err error
		out, err = clean(ctx, tx, maxTouchedAt, n)
		return err
	})
	if err != nil {
		return CleanOutput{}, err
	}
	span.SetAttributes(tracing.AttrCount(out.Len()))
	return out, nil
}
