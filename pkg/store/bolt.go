package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/warptools/warpstore/pkg/tuple"
	"github.com/warptools/warpstore/wsapi"
)

// Keys in the bolt store are tuples:
//
//	(0, id, 0, offset) -> up to chunkSize bytes of the value starting at offset
//	(0, id, 1)         -> touched_at, little endian int64
//	(0, id, 2)         -> encoded cache reference
const (
	subspaceObjects = 0

	fieldChunk          = 0
	fieldTouchedAt      = 1
	fieldCacheReference = 2

	chunkSize = 10240
)

var boltBucket = []byte("store")

type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database file at cfg.Path.
//
// Errors:
//
//   - warpstore-error-backend -- when the file cannot be opened
func OpenBolt(cfg BoltConfig) (*Bolt, error) {
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, boltError("open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, boltError("create bucket", err)
	}
	return &Bolt{db: db}, nil
}

func boltError(context string, err error) error {
	return wsapi.ErrorBackend("bolt", context, errors.Is(err, bolt.ErrTimeout), err)
}

func boltKey(id string, field int64, rest ...interface{}) []byte {
	t := tuple.Tuple{int64(subspaceObjects), id, field}
	return append(t, rest...).Pack()
}

func boltPrefix(id string) []byte {
	return tuple.Tuple{int64(subspaceObjects), id}.Pack()
}

func readEntry(b *bolt.Bucket, id string) (*Entry, error) {
	touched := b.Get(boltKey(id, fieldTouchedAt))
	if touched == nil {
		return nil, nil
	}
	if len(touched) != 8 {
		return nil, wsapi.ErrorCorruption("touched_at", id)
	}
	e := &Entry{TouchedAt: int64(binary.LittleEndian.Uint64(touched))}
	if ref := b.Get(boltKey(id, fieldCacheReference)); ref != nil {
		r, err := wsapi.DecodeCacheReference(ref)
		if err != nil {
			return nil, wsapi.ErrorCorruption("cache reference", id)
		}
		e.CacheReference = &r
	}
	prefix := tuple.Tuple{int64(subspaceObjects), id, int64(fieldChunk)}.Pack()
	c := b.Cursor()
	var buf bytes.Buffer
	found := false
	end := tuple.Strinc(prefix)
	for k, v := c.Seek(prefix); tuple.Before(k, end); k, v = c.Next() {
		found = true
		// Values are only valid for the life of the transaction.
		buf.Write(v)
	}
	if found {
		e.Bytes = append([]byte{}, buf.Bytes()...)
	}
	return e, nil
}

func (s *Bolt) TryGet(ctx context.Context, key string) (*Entry, error) {
	var e *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = readEntry(tx.Bucket(boltBucket), key)
		return err
	})
	if err != nil {
		if wsapi.Code(err) != "" {
			return nil, err
		}
		return nil, boltError("get", err)
	}
	return e, nil
}

func (s *Bolt) TryGetBatch(ctx context.Context, keys []string) ([]*Entry, error) {
	out := make([]*Entry, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		for i, k := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := readEntry(b, k)
			if err != nil {
				return err
			}
			out[i] = e
		}
		return nil
	})
	if err != nil {
		if wsapi.Code(err) != "" {
			return nil, err
		}
		return nil, boltError("get batch", err)
	}
	return out, nil
}

func writeEntry(b *bolt.Bucket, id string, e Entry) error {
	tk := boltKey(id, fieldTouchedAt)
	touched := e.TouchedAt
	if old := b.Get(tk); len(old) == 8 {
		if prev := int64(binary.LittleEndian.Uint64(old)); prev > touched {
			touched = prev
		}
	}
	var tb [8]byte
	binary.LittleEndian.PutUint64(tb[:], uint64(touched))
	if err := b.Put(tk, tb[:]); err != nil {
		return err
	}
	if e.CacheReference != nil {
		ref, err := e.CacheReference.Encode()
		if err != nil {
			return err
		}
		if err := b.Put(boltKey(id, fieldCacheReference), ref); err != nil {
			return err
		}
	}
	if e.Bytes != nil {
		// Content addressing makes any existing chunks identical.
		if b.Get(boltKey(id, fieldChunk, int64(0))) != nil {
			return nil
		}
		for off := 0; ; off += chunkSize {
			end := min(off+chunkSize, len(e.Bytes))
			if err := b.Put(boltKey(id, fieldChunk, int64(off)), e.Bytes[off:end]); err != nil {
				return err
			}
			if end == len(e.Bytes) {
				break
			}
		}
	}
	return nil
}

func (s *Bolt) Put(ctx context.Context, key string, e Entry) error {
	return s.PutBatch(ctx, []string{key}, []Entry{e})
}

func (s *Bolt) PutBatch(ctx context.Context, keys []string, entries []Entry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		for i, k := range keys {
			if err := writeEntry(b, k, entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if wsapi.Code(err) != "" {
			return err
		}
		return boltError("put", err)
	}
	return nil
}

func (s *Bolt) Delete(ctx context.Context, key string, now int64, ttl time.Duration) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		touched := b.Get(boltKey(key, fieldTouchedAt))
		if len(touched) != 8 {
			return nil
		}
		if !expired(now, int64(binary.LittleEndian.Uint64(touched)), ttl) {
			return nil
		}
		prefix := boltPrefix(key)
		var doomed [][]byte
		c := b.Cursor()
		end := tuple.Strinc(prefix)
		for k, _ := c.Seek(prefix); tuple.Before(k, end); k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, boltError("delete", err)
	}
	return deleted, nil
}

func (s *Bolt) Flush(ctx context.Context) error {
	if err := s.db.Sync(); err != nil {
		return boltError("sync", err)
	}
	return nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}
