package config

import (
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/warptools/warpstore/pkg/gc"
	"github.com/warptools/warpstore/pkg/index"
	"github.com/warptools/warpstore/pkg/store"
	"github.com/warptools/warpstore/wsapi"
)

// DefaultTTL is used when EnvWarpstoreTTL is unset.
const DefaultTTL = 7 * 24 * time.Hour

// Directory is where local databases live unless their location is given explicitly.
func Directory(state State) string {
	if v, ok := state.Env[EnvWarpstoreDirectory]; ok {
		return v
	}
	return filepath.Join(state.HomeDirectory, ".warpstore")
}

func CacheDir(state State) string {
	if v, ok := state.Env[EnvWarpstoreCache]; ok {
		return v
	}
	return filepath.Join(Directory(state), "cache")
}

// TTL parses EnvWarpstoreTTL.
//
// Errors:
//
//   - warpstore-error-config -- when the value is not a positive duration
func TTL(state State) (time.Duration, error) {
	v, ok := state.Env[EnvWarpstoreTTL]
	if !ok {
		return DefaultTTL, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, wsapi.ErrorConfig(EnvWarpstoreTTL, "expected a positive duration such as 168h")
	}
	return d, nil
}

// StoreConfig reads EnvWarpstoreStore. Accepted forms:
//
//	memory
//	bolt                                  (file "store.bolt" under Directory)
//	bolt:<path>
//	s3://<bucket>[/<prefix>]?region=<region>[&endpoint=<url>]
//	scylla://<host>[,<host>...]/<keyspace>[?consistency=<name>]
//
// Unset means bolt.
//
// Errors:
//
//   - warpstore-error-config -- when the value doesn't parse
func StoreConfig(state State) (store.Config, error) {
	v, ok := state.Env[EnvWarpstoreStore]
	if !ok || v == "" || v == "bolt" {
		return store.Config{Bolt: &store.BoltConfig{Path: filepath.Join(Directory(state), "store.bolt")}}, nil
	}
	if v == "memory" {
		return store.Config{Memory: &store.MemoryConfig{}}, nil
	}
	if p, ok := strings.CutPrefix(v, "bolt:"); ok {
		return store.Config{Bolt: &store.BoltConfig{Path: p}}, nil
	}
	u, err := url.Parse(v)
	if err != nil {
		return store.Config{}, wsapi.ErrorConfig(EnvWarpstoreStore, err.Error())
	}
	switch u.Scheme {
	case "s3":
		cfg := &store.S3Config{
			Bucket:   u.Host,
			Region:   u.Query().Get("region"),
			Endpoint: u.Query().Get("endpoint"),
		}
		if cfg.Bucket == "" {
			return store.Config{}, wsapi.ErrorConfig(EnvWarpstoreStore, "s3 url needs a bucket")
		}
		if prefix := strings.Trim(u.Path, "/"); prefix != "" {
			cfg.Path = &prefix
		}
		return store.Config{S3: cfg}, nil
	case "scylla":
		keyspace := strings.Trim(u.Path, "/")
		if u.Host == "" || keyspace == "" {
			return store.Config{}, wsapi.ErrorConfig(EnvWarpstoreStore, "scylla url needs hosts and a keyspace")
		}
		return store.Config{Scylla: &store.ScyllaConfig{
			Hosts:       strings.Split(u.Host, ","),
			Keyspace:    keyspace,
			Consistency: u.Query().Get("consistency"),
		}}, nil
	}
	return store.Config{}, wsapi.ErrorConfig(EnvWarpstoreStore, "unknown backend "+v)
}

// IndexConfig reads EnvWarpstoreIndex. Accepted forms:
//
//	sqlite                (file "index.db" under Directory)
//	sqlite:<path>
//	bolt:<path>
//	postgres://...        (passed to the driver as is)
//
// Unset means sqlite.
//
// Errors:
//
//   - warpstore-error-config -- when the value doesn't parse
func IndexConfig(state State) (index.Config, error) {
	v, ok := state.Env[EnvWarpstoreIndex]
	switch {
	case !ok || v == "" || v == "sqlite":
		return index.Config{Sqlite: &index.SqliteConfig{Path: filepath.Join(Directory(state), "index.db")}}, nil
	case strings.HasPrefix(v, "sqlite:"):
		return index.Config{Sqlite: &index.SqliteConfig{Path: strings.TrimPrefix(v, "sqlite:")}}, nil
	case strings.HasPrefix(v, "bolt:"):
		return index.Config{Bolt: &index.BoltConfig{Path: strings.TrimPrefix(v, "bolt:")}}, nil
	case strings.HasPrefix(v, "postgres://"), strings.HasPrefix(v, "postgresql://"):
		return index.Config{Postgres: &index.PostgresConfig{URL: v}}, nil
	}
	return index.Config{}, wsapi.ErrorConfig(EnvWarpstoreIndex, "unknown backend "+v)
}

// GCConfig assembles collector settings from TTL and CacheDir.
// Batch size, interval and rate keep their defaults; the CLI overrides them from flags.
//
// Errors:
//
//   - warpstore-error-config -- when the TTL doesn't parse
func GCConfig(state State) (gc.Config, error) {
	ttl, err := TTL(state)
	if err != nil {
		return gc.Config{}, err
	}
	return gc.Config{TTL: ttl, CacheDir: CacheDir(state)}, nil
}
