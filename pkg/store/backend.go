package store

import (
	"context"
	"time"

	"github.com/warptools/warpstore/wsapi"
)

// Entry is what a backend keeps for one id.
// Bytes is nil when the value lives in the on-disk cache; CacheReference then says where.
type Entry struct {
	Bytes          []byte
	CacheReference *wsapi.CacheReference
	TouchedAt      int64
}

type PutArg struct {
	ID    wsapi.Item
	Entry Entry
}

// Backend is implemented once per storage engine.
// Absent ids are reported as a nil entry with a nil error.
type Backend interface {
	// Errors:
	//
	//   - warpstore-error-backend -- when the engine fails
	//   - warpstore-error-corruption -- when stored data can't be decoded
	TryGet(ctx context.Context, key string) (*Entry, error)
	// TryGetBatch returns one entry per key, in order.
	//
	// Errors:
	//
	//   - warpstore-error-backend -- when the engine fails
	//   - warpstore-error-corruption -- when stored data can't be decoded
	TryGetBatch(ctx context.Context, keys []string) ([]*Entry, error)
	// Put is idempotent; the stored touched_at only ever increases.
	//
	// Errors:
	//
	//   - warpstore-error-backend -- when the engine fails
	Put(ctx context.Context, key string, e Entry) error
	// Errors:
	//
	//   - warpstore-error-backend -- when the engine fails
	PutBatch(ctx context.Context, keys []string, entries []Entry) error
	// Delete removes key only if now minus the stored touched_at is at least ttl.
	// It reports whether anything was removed.
	//
	// Errors:
	//
	//   - warpstore-error-backend -- when the engine fails
	Delete(ctx context.Context, key string, now int64, ttl time.Duration) (bool, error)
	// Errors:
	//
	//   - warpstore-error-backend -- when the engine fails
	Flush(ctx context.Context) error
	Close() error
}

// Config selects a backend. Exactly one field should be set.
type Config struct {
	Memory *MemoryConfig
	Bolt   *BoltConfig
	S3     *S3Config
	Scylla *ScyllaConfig
}

type MemoryConfig struct{}

type BoltConfig struct {
	Path string
}

type S3Config struct {
	Endpoint string
	Region   string
	Bucket   string
	// Path is an optional key prefix inside the bucket.
	Path *string
	// MaxConcurrency bounds in-flight requests. Zero means 16.
	MaxConcurrency int64
}

type ScyllaConfig struct {
	Hosts    []string
	Keyspace string
	// Consistency is a gocql consistency name such as "quorum". Empty means "local_quorum".
	Consistency string
	Timeout     time.Duration
}

// BackendName names the configured backend, for logs and spans.
func (cfg Config) BackendName() string {
	switch {
	case cfg.Memory != nil:
		return "memory"
	case cfg.Bolt != nil:
		return "bolt"
	case cfg.S3 != nil:
		return "s3"
	case cfg.Scylla != nil:
		return "scylla"
	}
	return ""
}

// backendFromConfig opens the backend chosen by cfg.
//
// Errors:
//
//   - warpstore-error-config -- when no backend is configured
//   - warpstore-error-backend -- when the backend cannot be opened
func backendFromConfig(ctx context.Context, cfg Config) (Backend, error) {
	switch {
	case cfg.Memory != nil:
		return NewMemory(), nil
	case cfg.Bolt != nil:
		return OpenBolt(*cfg.Bolt)
	case cfg.S3 != nil:
		return OpenS3(ctx, *cfg.S3)
	case cfg.Scylla != nil:
		return OpenScylla(ctx, *cfg.Scylla)
	}
	return nil, wsapi.ErrorConfig("store", "no backend configured")
}

func expired(now, touchedAt int64, ttl time.Duration) bool {
	return now-touchedAt >= int64(ttl/time.Second)
}
