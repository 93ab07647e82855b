package store

import (
	"context"
	"errors"
	"time"

	"github.com/gocql/gocql"

	"github.com/warptools/warpstore/wsapi"
)

const scyllaSchema = `CREATE TABLE IF NOT EXISTS objects (
	id text PRIMARY KEY,
	bytes blob,
	cache_reference blob,
	touched_at bigint
)`

type Scylla struct {
	session *gocql.Session
}

// OpenScylla connects to the cluster and creates the objects table if needed.
// The keyspace must already exist.
//
// Errors:
//
//   - warpstore-error-backend -- when the cluster can't be reached
//   - warpstore-error-config -- when the consistency name is not recognized
func OpenScylla(ctx context.Context, cfg ScyllaConfig) (*Scylla, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	if cfg.Consistency != "" {
		var c gocql.Consistency
		if err := c.UnmarshalText([]byte(cfg.Consistency)); err != nil {
			return nil, wsapi.ErrorConfig("scylla.consistency", err.Error())
		}
		cluster.Consistency = c
	}
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, scyllaError("connect", err)
	}
	if err := session.Query(scyllaSchema).WithContext(ctx).Exec(); err != nil {
		session.Close()
		return nil, scyllaError("create table", err)
	}
	return &Scylla{session: session}, nil
}

func scyllaRetryable(err error) bool {
	var (
		writeTimeout *gocql.RequestErrWriteTimeout
		readTimeout  *gocql.RequestErrReadTimeout
		unavailable  *gocql.RequestErrUnavailable
	)
	switch {
	case errors.As(err, &writeTimeout), errors.As(err, &readTimeout), errors.As(err, &unavailable):
		return true
	case errors.Is(err, gocql.ErrNoConnections), errors.Is(err, gocql.ErrTimeoutNoResponse), errors.Is(err, gocql.ErrConnectionClosed):
		return true
	}
	return false
}

func scyllaError(context string, err error) error {
	return wsapi.ErrorBackend("scylla", context, scyllaRetryable(err), err)
}

func scyllaEntry(key string, bytes, ref []byte, touchedAt int64) (*Entry, error) {
	e := &Entry{Bytes: bytes, TouchedAt: touchedAt}
	if len(ref) > 0 {
		r, err := wsapi.DecodeCacheReference(ref)
		if err != nil {
			return nil, wsapi.ErrorCorruption("cache reference", key)
		}
		e.CacheReference = &r
	}
	return e, nil
}

func (s *Scylla) TryGet(ctx context.Context, key string) (*Entry, error) {
	var (
		bytes, ref []byte
		touchedAt  int64
	)
	err := s.session.Query(`SELECT bytes, cache_reference, touched_at FROM objects WHERE id = ?`, key).
		WithContext(ctx).Scan(&bytes, &ref, &touchedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, nil
		}
		return nil, scyllaError("get", err)
	}
	return scyllaEntry(key, bytes, ref, touchedAt)
}

func (s *Scylla) TryGetBatch(ctx context.Context, keys []string) ([]*Entry, error) {
	out := make([]*Entry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	pos := make(map[string][]int, len(keys))
	for i, k := range keys {
		pos[k] = append(pos[k], i)
	}
	iter := s.session.Query(`SELECT id, bytes, cache_reference, touched_at FROM objects WHERE id IN ?`, keys).
		WithContext(ctx).Iter()
	var (
		id         string
		bytes, ref []byte
		touchedAt  int64
	)
	for iter.Scan(&id, &bytes, &ref, &touchedAt) {
		e, err := scyllaEntry(id, bytes, ref, touchedAt)
		if err != nil {
			iter.Close()
			return nil, err
		}
		for _, i := range pos[id] {
			out[i] = e
		}
		bytes, ref = nil, nil
	}
	if err := iter.Close(); err != nil {
		return nil, scyllaError("get batch", err)
	}
	return out, nil
}

// Put inserts the row if absent; otherwise it only raises touched_at and fills in a missing cache reference.
func (s *Scylla) Put(ctx context.Context, key string, e Entry) error {
	var ref []byte
	if e.CacheReference != nil {
		var err error
		if ref, err = e.CacheReference.Encode(); err != nil {
			return err
		}
	}
	applied, err := s.session.Query(
		`INSERT INTO objects (id, bytes, cache_reference, touched_at) VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		key, e.Bytes, ref, e.TouchedAt,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return scyllaError("put", err)
	}
	if applied {
		return nil
	}
	if ref != nil {
		err := s.session.Query(`UPDATE objects SET cache_reference = ? WHERE id = ?`, ref, key).
			WithContext(ctx).Exec()
		if err != nil {
			return scyllaError("put cache reference", err)
		}
	}
	_, err = s.session.Query(`UPDATE objects SET touched_at = ? WHERE id = ? IF touched_at < ?`,
		e.TouchedAt, key, e.TouchedAt).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return scyllaError("touch", err)
	}
	return nil
}

func (s *Scylla) PutBatch(ctx context.Context, keys []string, entries []Entry) error {
	for i, k := range keys {
		if err := s.Put(ctx, k, entries[i]); err != nil {
			return err
		}
	}
	return nil
}

// Delete is a lightweight transaction, so the touched_at check and the delete are atomic.
func (s *Scylla) Delete(ctx context.Context, key string, now int64, ttl time.Duration) (bool, error) {
	cutoff := now - int64(ttl/time.Second)
	applied, err := s.session.Query(`DELETE FROM objects WHERE id = ? IF touched_at <= ?`, key, cutoff).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, scyllaError("delete", err)
	}
	return applied, nil
}

func (s *Scylla) Flush(ctx context.Context) error { return nil }

func (s *Scylla) Close() error {
	s.session.Close()
	return nil
}
