/*
Package store keeps object and process bytes keyed by id.

A Store wraps one Backend, chosen by Config, and adds what every backend needs
the same way: resolving cache references through the on-disk cache directory,
tracing, and the conditional delete used by garbage collection.

Absent values are not errors. TryGet and friends return nil, nil.
*/
package store

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/warpstore/pkg/tracing"
	"github.com/warptools/warpstore/wsapi"
)

type Store struct {
	backend  Backend
	name     string
	cacheDir string
}

// Open constructs the configured backend and wraps it.
// cacheDir may be empty if no entries carry cache references.
//
// Errors:
//
//   - warpstore-error-config -- when no backend is configured
//   - warpstore-error-backend -- when the backend cannot be opened
func Open(ctx context.Context, cfg Config, cacheDir string) (*Store, error) {
	b, err := backendFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(b, cfg.BackendName(), cacheDir), nil
}

func New(b Backend, name string, cacheDir string) *Store {
	return &Store{backend: b, name: name, cacheDir: cacheDir}
}

func (s *Store) CacheDir() string { return s.cacheDir }

func (s *Store) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, tracing.AttrBackend(s.name))
	return tracing.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
}

func itemAttr(id wsapi.Item) attribute.KeyValue {
	return attribute.String(tracing.AttrKeyWarpstoreItem, id.String())
}

// readCache reads the referenced byte range from the cache directory.
//
// Errors:
//
//   - warpstore-error-io -- when the cache file can't be read
func (s *Store) readCache(ref wsapi.CacheReference) ([]byte, error) {
	p := ref.FilePath(s.cacheDir)
	f, err := os.Open(p)
	if err != nil {
		return nil, wsapi.ErrorIo("open cache entry", p, err)
	}
	defer f.Close()
	buf := make([]byte, ref.Length)
	if _, err := f.ReadAt(buf, int64(ref.Position)); err != nil {
		return nil, wsapi.ErrorIo("read cache entry", p, err)
	}
	return buf, nil
}

func (s *Store) resolve(e *Entry) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	if e.Bytes != nil {
		return e.Bytes, nil
	}
	if e.CacheReference != nil {
		return s.readCache(*e.CacheReference)
	}
	return nil, nil
}

// TryGet returns the bytes for id, reading through a cache reference if there is one.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when stored data can't be decoded
//   - warpstore-error-io -- when a cache file can't be read
func (s *Store) TryGet(ctx context.Context, id wsapi.Item) (_ []byte, err error) {
	ctx, span := s.start(ctx, "TryGet", itemAttr(id))
	defer func() { tracing.EndWithStatus(span, err) }()
	e, err := s.backend.TryGet(ctx, id.String())
	if err != nil {
		return nil, err
	}
	return s.resolve(e)
}

// TryGetBatch returns one value per id, nil where absent.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when stored data can't be decoded
//   - warpstore-error-io -- when a cache file can't be read
func (s *Store) TryGetBatch(ctx context.Context, ids []wsapi.Item) (_ [][]byte, err error) {
	ctx, span := s.start(ctx, "TryGetBatch", tracing.AttrCount(len(ids)))
	defer func() { tracing.EndWithStatus(span, err) }()
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	entries, err := s.backend.TryGetBatch(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(ids))
	for i, e := range entries {
		if out[i], err = s.resolve(e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TryGetCacheReference returns where id's bytes live on disk, if they live there.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-corruption -- when stored data can't be decoded
func (s *Store) TryGetCacheReference(ctx context.Context, id wsapi.Item) (_ *wsapi.CacheReference, err error) {
	ctx, span := s.start(ctx, "TryGetCacheReference", itemAttr(id))
	defer func() { tracing.EndWithStatus(span, err) }()
	e, err := s.backend.TryGet(ctx, id.String())
	if err != nil || e == nil {
		return nil, err
	}
	return e.CacheReference, nil
}

// Put stores bytes, a cache reference, or both for id.
//
// Errors:
//
//   - warpstore-error-invalid -- when neither bytes nor a cache reference is given
//   - warpstore-error-backend -- when the backend fails
func (s *Store) Put(ctx context.Context, arg PutArg) (err error) {
	ctx, span := s.start(ctx, "Put", itemAttr(arg.ID))
	defer func() { tracing.EndWithStatus(span, err) }()
	if arg.Entry.Bytes == nil && arg.Entry.CacheReference == nil {
		return wsapi.ErrorInvalid("put of " + arg.ID.String() + " has neither bytes nor a cache reference")
	}
	return s.backend.Put(ctx, arg.ID.String(), arg.Entry)
}

// PutBatch is Put for many ids.
//
// Errors:
//
//   - warpstore-error-invalid -- when an argument has neither bytes nor a cache reference
//   - warpstore-error-backend -- when the backend fails
func (s *Store) PutBatch(ctx context.Context, args []PutArg) (err error) {
	ctx, span := s.start(ctx, "PutBatch", tracing.AttrCount(len(args)))
	defer func() { tracing.EndWithStatus(span, err) }()
	keys := make([]string, len(args))
	entries := make([]Entry, len(args))
	for i, a := range args {
		if a.Entry.Bytes == nil && a.Entry.CacheReference == nil {
			return wsapi.ErrorInvalid("put of " + a.ID.String() + " has neither bytes nor a cache reference")
		}
		keys[i] = a.ID.String()
		entries[i] = a.Entry
	}
	return s.backend.PutBatch(ctx, keys, entries)
}

// PutObject encodes and stores an object, returning its id.
//
// Errors:
//
//   - warpstore-error-serialization -- when the object can't be encoded
//   - warpstore-error-backend -- when the backend fails
func (s *Store) PutObject(ctx context.Context, obj wsapi.Object, touchedAt int64) (wsapi.ObjectID, []byte, error) {
	id, b, err := obj.ID()
	if err != nil {
		return wsapi.ObjectID{}, nil, err
	}
	if err := s.Put(ctx, PutArg{ID: wsapi.ObjectItem(id), Entry: Entry{Bytes: b, TouchedAt: touchedAt}}); err != nil {
		return wsapi.ObjectID{}, nil, err
	}
	return id, b, nil
}

// PutProcess stores a process record under its id.
//
// Errors:
//
//   - warpstore-error-serialization -- when the record can't be encoded
//   - warpstore-error-backend -- when the backend fails
func (s *Store) PutProcess(ctx context.Context, p wsapi.Process, touchedAt int64) error {
	b, err := p.Encode(wsapi.FormatBinary)
	if err != nil {
		return err
	}
	return s.Put(ctx, PutArg{ID: wsapi.ProcessItem(p.ID), Entry: Entry{Bytes: b, TouchedAt: touchedAt}})
}

// TryGetProcess reads back a process record.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
//   - warpstore-error-serialization -- when the stored record doesn't decode
func (s *Store) TryGetProcess(ctx context.Context, id wsapi.ProcessID) (*wsapi.Process, error) {
	b, err := s.TryGet(ctx, wsapi.ProcessItem(id))
	if err != nil || b == nil {
		return nil, err
	}
	p, err := wsapi.DecodeProcess(b)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Delete removes id if it has not been touched within ttl of now.
// It reports whether anything was removed; losing the race to a toucher is not an error.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
func (s *Store) Delete(ctx context.Context, id wsapi.Item, now int64, ttl time.Duration) (_ bool, err error) {
	ctx, span := s.start(ctx, "Delete", itemAttr(id))
	defer func() { tracing.EndWithStatus(span, err) }()
	return s.backend.Delete(ctx, id.String(), now, ttl)
}

// DeleteBatch is Delete for many ids. It returns the ids that were removed.
//
// Errors:
//
//   - warpstore-error-backend -- when the backend fails
func (s *Store) DeleteBatch(ctx context.Context, ids []wsapi.Item, now int64, ttl time.Duration) (_ []wsapi.Item, err error) {
	ctx, span := s.start(ctx, "DeleteBatch", tracing.AttrCount(len(ids)))
	defer func() { tracing.EndWithStatus(span, err) }()
	var deleted []wsapi.Item
	for _, id := range ids {
		ok, err := s.backend.Delete(ctx, id.String(), now, ttl)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// Errors:
//
//   - warpstore-error-backend -- when the backend fails
func (s *Store) Flush(ctx context.Context) error {
	return s.backend.Flush(ctx)
}

func (s *Store) Close() error {
	return s.backend.Close()
}
