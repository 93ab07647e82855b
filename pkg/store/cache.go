package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/warptools/warpstore/pkg/tracing"
	"github.com/warptools/warpstore/wsapi"
)

// WriteCache places data in the cache directory under artifact (and path, if
// given) and returns a reference to all of it. Readers never see a partly
// written file.
//
// Errors:
//
//   - warpstore-error-invalid -- when the store has no cache directory
//   - warpstore-error-io -- when the file can't be written
func (s *Store) WriteCache(ctx context.Context, artifact wsapi.ObjectID, path *string, data []byte) (_ wsapi.CacheReference, err error) {
	_, span := s.start(ctx, "WriteCache", itemAttr(wsapi.ObjectItem(artifact)))
	defer func() { tracing.EndWithStatus(span, err) }()
	if s.cacheDir == "" {
		return wsapi.CacheReference{}, wsapi.ErrorInvalid("store has no cache directory")
	}
	ref := wsapi.CacheReference{Artifact: artifact, Path: path, Length: uint64(len(data))}
	p := ref.FilePath(s.cacheDir)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return wsapi.CacheReference{}, wsapi.ErrorIo("create cache directory", filepath.Dir(p), err)
	}
	if err := renameio.WriteFile(p, data, 0o644); err != nil {
		return wsapi.CacheReference{}, wsapi.ErrorIo("write cache entry", p, err)
	}
	return ref, nil
}
