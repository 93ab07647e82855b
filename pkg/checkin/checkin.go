/*
Package checkin turns a file tree on disk into objects in a store.

The tree is first laid out as a graph with one node per file, directory,
symlink and content chunk, none of them with ids yet. Ids are then assigned
children first; nodes that turn out identical collapse into one. Every object
is written to the store before any index message mentions it.
*/
package checkin

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/warptools/warpstore/pkg/graph"
	"github.com/warptools/warpstore/pkg/index"
	"github.com/warptools/warpstore/pkg/logging"
	"github.com/warptools/warpstore/pkg/store"
	"github.com/warptools/warpstore/pkg/tracing"
	"github.com/warptools/warpstore/wsapi"
)

const LOG_TAG = "│  checkin"

type Config struct {
	// ChunkSize is the largest leaf. Longer contents become a branch of leaves.
	// Zero means 1 MiB.
	ChunkSize int
	// Cache keeps file contents in the store's cache directory rather than
	// inline, with the store holding references into it.
	Cache bool
	// BatchSize bounds how many objects are written per store and index call.
	// Zero means 256.
	BatchSize int
}

type Result struct {
	Root wsapi.ObjectID
	// Objects counts distinct objects written.
	Objects int
	Bytes   uint64
}

// chunk is a leaf's bytes and where they came from.
type chunk struct {
	data   []byte
	file   string
	offset uint64
}

type dirEntry struct {
	name string
	pos  int
}

// recipe is what a node's object is built from once its children have ids.
// Exactly one field is set.
type recipe struct {
	leaf    *chunk
	branch  []int
	file    *fileRecipe
	dir     []dirEntry
	symlink *string
}

type fileRecipe struct {
	contents   int
	executable bool
}

type builder struct {
	cfg     Config
	g       *graph.Graph
	recipes map[int]recipe
	sizes   map[int]uint64
}

// Path checks in the file, directory or symlink at root.
//
// Errors:
//
//   - warpstore-error-io -- when the tree can't be read or a cache file can't be written
//   - warpstore-error-backend -- when the store or index fails
func Path(ctx context.Context, s *store.Store, idx *index.Index, root string, cfg Config) (_ Result, err error) {
	ctx, span := tracing.Start(ctx, "checkin.Path")
	defer func() { tracing.EndWithStatus(span, err) }()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1 << 20
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	b := &builder{cfg: cfg, g: graph.New(), recipes: map[int]recipe{}, sizes: map[int]uint64{}}
	rootPos, err := b.add(root, "")
	if err != nil {
		return Result{}, err
	}

	objects := map[wsapi.ObjectID]*pending{}
	var order []wsapi.ObjectID
	if _, err := b.g.Finalize(func(pos int, _ []wsapi.ObjectID) (wsapi.ObjectID, error) {
		obj, c, err := b.object(pos)
		if err != nil {
			return wsapi.ObjectID{}, err
		}
		id, bytes, err := obj.ID()
		if err != nil {
			return wsapi.ObjectID{}, err
		}
		if _, ok := objects[id]; !ok {
			objects[id] = &pending{bytes: bytes, children: obj.Children(), chunk: c}
			order = append(order, id)
		}
		return id, nil
	}); err != nil {
		return Result{}, err
	}
	rootID, _ := b.g.ObjectID(rootPos)
	res := Result{Root: rootID, Objects: len(order)}
	for _, id := range order {
		res.Bytes += uint64(len(objects[id].bytes))
	}

	if cfg.Cache {
		if err := b.writeCache(ctx, s, rootID, objects); err != nil {
			return Result{}, err
		}
	}
	if err := write(ctx, s, idx, rootID, order, objects, cfg); err != nil {
		return Result{}, err
	}
	logging.Ctx(ctx).Debug(LOG_TAG, "%s: %d objects, %d bytes", rootID, res.Objects, res.Bytes)
	return res, nil
}

type pending struct {
	bytes    []byte
	children []wsapi.ObjectID
	chunk    *chunk
	cacheRef *wsapi.CacheReference
}

// add lays out the tree at p. rel is p's slash separated path below the checkin root.
func (b *builder) add(p string, rel string) (int, error) {
	fi, err := os.Lstat(p)
	if err != nil {
		return 0, wsapi.ErrorIo("stat", p, err)
	}
	switch {
	case fi.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return 0, wsapi.ErrorIo("read symlink", p, err)
		}
		pos := b.g.AddObject(wsapi.ObjectKind_Symlink, nil)
		b.recipes[pos] = recipe{symlink: &target}
		return pos, b.g.UpdateObject(pos, nil, 0, nil)
	case fi.IsDir():
		entries, err := os.ReadDir(p)
		if err != nil {
			return 0, wsapi.ErrorIo("read directory", p, err)
		}
		var dir []dirEntry
		children := make([]int, 0, len(entries))
		for _, e := range entries {
			c, err := b.add(filepath.Join(p, e.Name()), path.Join(rel, e.Name()))
			if err != nil {
				return 0, err
			}
			dir = append(dir, dirEntry{name: e.Name(), pos: c})
			children = append(children, c)
		}
		pos := b.g.AddObject(wsapi.ObjectKind_Directory, nil)
		b.recipes[pos] = recipe{dir: dir}
		return pos, b.g.UpdateObject(pos, children, 0, nil)
	case fi.Mode().IsRegular():
		data, err := os.ReadFile(p)
		if err != nil {
			return 0, wsapi.ErrorIo("read file", p, err)
		}
		contents, err := b.addBlob(data, rel)
		if err != nil {
			return 0, err
		}
		pos := b.g.AddObject(wsapi.ObjectKind_File, nil)
		b.recipes[pos] = recipe{file: &fileRecipe{contents: contents, executable: fi.Mode()&0o111 != 0}}
		return pos, b.g.UpdateObject(pos, []int{contents}, 0, nil)
	}
	return 0, wsapi.ErrorInvalid("cannot check in "+fi.Mode().Type().String()+" file", [2]string{"path", p})
}

func (b *builder) addBlob(data []byte, rel string) (int, error) {
	leaf := func(part []byte, offset int) (int, error) {
		pos := b.g.AddObject(wsapi.ObjectKind_Leaf, nil)
		b.recipes[pos] = recipe{leaf: &chunk{data: part, file: rel, offset: uint64(offset)}}
		b.sizes[pos] = uint64(len(part))
		return pos, b.g.UpdateObject(pos, nil, uint64(len(part)), nil)
	}
	if len(data) <= b.cfg.ChunkSize {
		return leaf(data, 0)
	}
	var parts []int
	for off := 0; off < len(data); off += b.cfg.ChunkSize {
		end := min(off+b.cfg.ChunkSize, len(data))
		pos, err := leaf(data[off:end], off)
		if err != nil {
			return 0, err
		}
		parts = append(parts, pos)
	}
	pos := b.g.AddObject(wsapi.ObjectKind_Branch, nil)
	b.recipes[pos] = recipe{branch: parts}
	return pos, b.g.UpdateObject(pos, parts, 0, nil)
}

func (b *builder) id(pos int) wsapi.ObjectID {
	id, _ := b.g.ObjectID(pos)
	return id
}

// object builds the object for pos. Its children already have ids.
func (b *builder) object(pos int) (wsapi.Object, *chunk, error) {
	r, ok := b.recipes[pos]
	if !ok {
		return wsapi.Object{}, nil, wsapi.ErrorInvalid("no recipe for position", [2]string{"position", strconv.Itoa(pos)})
	}
	switch {
	case r.leaf != nil:
		return wsapi.Object{Leaf: &wsapi.Leaf{Bytes: r.leaf.data}}, r.leaf, nil
	case r.branch != nil:
		var br wsapi.Branch
		for _, p := range r.branch {
			br.Children = append(br.Children, wsapi.BranchChild{Blob: b.id(p), Length: b.sizes[p]})
		}
		return wsapi.Object{Branch: &br}, nil, nil
	case r.file != nil:
		return wsapi.Object{File: &wsapi.File{Contents: b.id(r.file.contents), Executable: r.file.executable}}, nil, nil
	case r.symlink != nil:
		return wsapi.Object{Symlink: &wsapi.Symlink{Path: r.symlink}}, nil, nil
	}
	dir := wsapi.Directory{Entries: []wsapi.DirectoryEntry{}}
	for _, e := range r.dir {
		dir.Entries = append(dir.Entries, wsapi.DirectoryEntry{Name: e.name, Artifact: b.id(e.pos)})
	}
	return wsapi.Object{Directory: &dir}, nil, nil
}

// writeCache copies file contents into the cache under the root artifact and
// points every leaf at its first occurrence there.
func (b *builder) writeCache(ctx context.Context, s *store.Store, root wsapi.ObjectID, objects map[wsapi.ObjectID]*pending) error {
	files := map[string][]*pending{}
	for _, p := range objects {
		if p.chunk != nil {
			files[p.chunk.file] = append(files[p.chunk.file], p)
		}
	}
	for file, parts := range files {
		var size uint64
		for _, p := range parts {
			size = max(size, p.chunk.offset+uint64(len(p.chunk.data)))
		}
		data := make([]byte, size)
		for _, p := range parts {
			copy(data[p.chunk.offset:], p.chunk.data)
		}
		var rel *string
		if file != "" {
			f := file
			rel = &f
		}
		ref, err := s.WriteCache(ctx, root, rel, data)
		if err != nil {
			return err
		}
		for _, p := range parts {
			r := ref
			r.Position = p.chunk.offset
			r.Length = uint64(len(p.chunk.data))
			p.cacheRef = &r
		}
	}
	return nil
}

// write stores objects in order, children before parents, then indexes them.
func write(ctx context.Context, s *store.Store, idx *index.Index, root wsapi.ObjectID, order []wsapi.ObjectID, objects map[wsapi.ObjectID]*pending, cfg Config) error {
	now := time.Now().Unix()
	var msgs wsapi.Messages
	for start := 0; start < len(order); start += cfg.BatchSize {
		batch := order[start:min(start+cfg.BatchSize, len(order))]
		args := make([]store.PutArg, 0, len(batch))
		for _, id := range batch {
			p := objects[id]
			e := store.Entry{Bytes: p.bytes, TouchedAt: now}
			msg := wsapi.PutObject{
				ID:        id,
				Children:  p.children,
				Size:      uint64(len(p.bytes)),
				Stored:    wsapi.ObjectStored{Node: true, Subtree: true},
				Metadata:  wsapi.ObjectMetadata{Size: uint64(len(p.bytes))},
				TouchedAt: now,
			}
			if p.cacheRef != nil {
				e = store.Entry{CacheReference: p.cacheRef, TouchedAt: now}
				msg.CacheEntry = &root
			}
			args = append(args, store.PutArg{ID: wsapi.ObjectItem(id), Entry: e})
			msgs.Add(wsapi.Message{PutObject: &msg})
		}
		if err := s.PutBatch(ctx, args); err != nil {
			return err
		}
	}
	if idx == nil {
		return nil
	}
	if cfg.Cache {
		msgs.Add(wsapi.Message{PutCacheEntry: &wsapi.PutCacheEntry{ID: root, TouchedAt: now}})
	}
	return idx.HandleMessages(ctx, msgs)
}
