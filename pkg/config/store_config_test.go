package config

import (
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/warptools/warpstore/pkg/index"
	"github.com/warptools/warpstore/pkg/store"
	"github.com/warptools/warpstore/wsapi"
)

func stateWith(env map[string]string) State {
	return State{Env: env, HomeDirectory: "/home/user"}
}

func TestDirectories(t *testing.T) {
	s := stateWith(map[string]string{})
	qt.Check(t, Directory(s), qt.Equals, filepath.Join("/home/user", ".warpstore"))
	qt.Check(t, CacheDir(s), qt.Equals, filepath.Join("/home/user", ".warpstore", "cache"))

	s = stateWith(map[string]string{EnvWarpstoreDirectory: "/data"})
	qt.Check(t, CacheDir(s), qt.Equals, filepath.Join("/data", "cache"))

	s.Env[EnvWarpstoreCache] = "/fast"
	qt.Check(t, CacheDir(s), qt.Equals, "/fast")
}

func TestTTL(t *testing.T) {
	type testCase struct {
		name  string
		value *string
		exp   time.Duration
		code  string
	}
	str := func(s string) *string { return &s }
	for _, tc := range []testCase{
		{name: "unset", exp: DefaultTTL},
		{name: "hours", value: str("48h"), exp: 48 * time.Hour},
		{name: "negative", value: str("-1h"), code: wsapi.ECodeConfig},
		{name: "garbage", value: str("soon"), code: wsapi.ECodeConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := map[string]string{}
			if tc.value != nil {
				env[EnvWarpstoreTTL] = *tc.value
			}
			d, err := TTL(stateWith(env))
			qt.Check(t, wsapi.Code(err), qt.Equals, tc.code)
			qt.Check(t, d, qt.Equals, tc.exp)
		})
	}
}

func TestStoreConfig(t *testing.T) {
	type testCase struct {
		name  string
		value string
		exp   store.Config
		code  string
	}
	prefix := "objects/v1"
	for _, tc := range []testCase{
		{name: "default", value: "", exp: store.Config{Bolt: &store.BoltConfig{Path: "/data/store.bolt"}}},
		{name: "memory", value: "memory", exp: store.Config{Memory: &store.MemoryConfig{}}},
		{name: "bolt path", value: "bolt:/tmp/s.bolt", exp: store.Config{Bolt: &store.BoltConfig{Path: "/tmp/s.bolt"}}},
		{
			name:  "s3",
			value: "s3://bucket/objects/v1?region=eu-west-1&endpoint=http://localhost:9000",
			exp: store.Config{S3: &store.S3Config{
				Bucket:   "bucket",
				Region:   "eu-west-1",
				Endpoint: "http://localhost:9000",
				Path:     &prefix,
			}},
		},
		{name: "s3 without bucket", value: "s3:///x", code: wsapi.ECodeConfig},
		{
			name:  "scylla",
			value: "scylla://a:9042,b:9042/warp?consistency=quorum",
			exp: store.Config{Scylla: &store.ScyllaConfig{
				Hosts:       []string{"a:9042", "b:9042"},
				Keyspace:    "warp",
				Consistency: "quorum",
			}},
		},
		{name: "scylla without keyspace", value: "scylla://a", code: wsapi.ECodeConfig},
		{name: "unknown", value: "ftp://x", code: wsapi.ECodeConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := StoreConfig(stateWith(map[string]string{
				EnvWarpstoreDirectory: "/data",
				EnvWarpstoreStore:     tc.value,
			}))
			qt.Assert(t, wsapi.Code(err), qt.Equals, tc.code)
			qt.Check(t, cfg, qt.DeepEquals, tc.exp)
		})
	}
}

func TestIndexConfig(t *testing.T) {
	type testCase struct {
		name  string
		value string
		exp   index.Config
		code  string
	}
	for _, tc := range []testCase{
		{name: "default", value: "", exp: index.Config{Sqlite: &index.SqliteConfig{Path: "/data/index.db"}}},
		{name: "sqlite path", value: "sqlite:/tmp/i.db", exp: index.Config{Sqlite: &index.SqliteConfig{Path: "/tmp/i.db"}}},
		{name: "bolt", value: "bolt:/tmp/i.bolt", exp: index.Config{Bolt: &index.BoltConfig{Path: "/tmp/i.bolt"}}},
		{
			name:  "postgres",
			value: "postgres://u@db/warp",
			exp:   index.Config{Postgres: &index.PostgresConfig{URL: "postgres://u@db/warp"}},
		},
		{name: "unknown", value: "mysql://db", code: wsapi.ECodeConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := IndexConfig(stateWith(map[string]string{
				EnvWarpstoreDirectory: "/data",
				EnvWarpstoreIndex:     tc.value,
			}))
			qt.Assert(t, wsapi.Code(err), qt.Equals, tc.code)
			qt.Check(t, cfg, qt.DeepEquals, tc.exp)
		})
	}
}

func TestGCConfig(t *testing.T) {
	cfg, err := GCConfig(stateWith(map[string]string{
		EnvWarpstoreDirectory: "/data",
		EnvWarpstoreTTL:       "1h",
	}))
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, cfg.TTL, qt.Equals, time.Hour)
	qt.Check(t, cfg.CacheDir, qt.Equals, filepath.Join("/data", "cache"))
}

func TestNewStateIsACopy(t *testing.T) {
	t.Setenv(EnvWarpstoreTTL, "2h")
	qt.Assert(t, ReloadGlobalState(), qt.IsNil)
	a, err := NewState()
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, a.Env[EnvWarpstoreTTL], qt.Equals, "2h")

	a.Env[EnvWarpstoreTTL] = "3h"
	b, err := NewState()
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, b.Env[EnvWarpstoreTTL], qt.Equals, "2h")
}
