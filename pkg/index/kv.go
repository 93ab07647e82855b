package index

import (
	"context"
	"errors"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/warptools/warpstore/pkg/tuple"
	"github.com/warptools/warpstore/wsapi"
)

// Keys in the bolt index are tuples whose first element names the subspace.
// Edges are stored in both directions. Values are packed tuples too.
const (
	spaceCacheEntry       = iota // (id) -> (touched_at)
	spaceObject                  // (id) -> object row
	spaceProcess                 // (id) -> process row
	spaceTag                     // (tag) -> (item)
	spaceObjectChild             // (object, child)
	spaceChildObject             // (child, object)
	spaceCacheEntryObject        // (cache entry, object)
	spaceProcessChild            // (process, child) -> (position)
	spaceChildProcess            // (child, process)
	spaceProcessObject           // (process, role, object)
	spaceObjectProcess           // (object, process, role)
	spaceItemTag                 // (item, tag)
	spaceClean                   // (kind, touched_at, id)
	spaceQueue                   // (seq) -> (item)
	spaceQueueItem               // (item) -> (seq)
)

var indexBucket = []byte("index")

type boltDatabase struct {
	db *bolt.DB
}

// openBolt opens or creates the index file.
//
// Errors:
//
//   - warpstore-error-backend -- when the file cannot be opened
func openBolt(cfg BoltConfig) (*boltDatabase, error) {
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, kvError("open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, kvError("create bucket", err)
	}
	return &boltDatabase{db: db}, nil
}

func kvError(context string, err error) error {
	return wsapi.ErrorBackend("bolt", context, errors.Is(err, bolt.ErrTimeout), err)
}

func (db *boltDatabase) view(ctx context.Context, fn func(txn) error) error {
	return db.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTxn{b: tx.Bucket(indexBucket)})
	})
}

func (db *boltDatabase) update(ctx context.Context, fn func(txn) error) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTxn{b: tx.Bucket(indexBucket)})
	})
}

func (db *boltDatabase) close() error {
	return db.db.Close()
}

type boltTxn struct {
	b *bolt.Bucket
}

func key(space int64, rest ...interface{}) []byte {
	return append(tuple.Tuple{space}, rest...).Pack()
}

func (t *boltTxn) put(k []byte, v tuple.Tuple) error {
	if err := t.b.Put(k, v.Pack()); err != nil {
		return kvError("put", err)
	}
	return nil
}

func (t *boltTxn) mark(k []byte) error {
	if err := t.b.Put(k, []byte{}); err != nil {
		return kvError("put", err)
	}
	return nil
}

func (t *boltTxn) del(k []byte) error {
	if err := t.b.Delete(k); err != nil {
		return kvError("delete", err)
	}
	return nil
}

// scan returns the unpacked keys under prefix, with the prefix elements removed.
func (t *boltTxn) scan(prefix tuple.Tuple) ([]tuple.Tuple, error) {
	p := prefix.Pack()
	var out []tuple.Tuple
	c := t.b.Cursor()
	end := tuple.Strinc(p)
	for k, _ := c.Seek(p); tuple.Before(k, end); k, _ = c.Next() {
		full, err := tuple.Unpack(k)
		if err != nil {
			return nil, wsapi.ErrorCorruption("index key", string(k))
		}
		out = append(out, full[len(prefix):])
	}
	return out, nil
}

// scanStrings is scan for keys whose remainder is a single string.
func (t *boltTxn) scanStrings(prefix tuple.Tuple) ([]string, error) {
	keys, err := t.scan(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		s, ok := k[0].(string)
		if !ok {
			return nil, wsapi.ErrorCorruption("index key", string(prefix.Pack()))
		}
		out = append(out, s)
	}
	return out, nil
}

func (t *boltTxn) has(prefix tuple.Tuple) bool {
	p := prefix.Pack()
	k, _ := t.b.Cursor().Seek(p)
	return tuple.Before(k, tuple.Strinc(p))
}

func (t *boltTxn) getValue(k []byte, what string) (tuple.Tuple, error) {
	v := t.b.Get(k)
	if v == nil {
		return nil, nil
	}
	out, err := tuple.Unpack(v)
	if err != nil {
		return nil, wsapi.ErrorCorruption(what, string(k))
	}
	return out, nil
}

func (t *boltTxn) setCleanKey(kind itemKind, id string, old *int64, touchedAt int64) error {
	if old != nil {
		if *old == touchedAt {
			return nil
		}
		if err := t.del(key(spaceClean, int64(kind), *old, id)); err != nil {
			return err
		}
	}
	return t.mark(key(spaceClean, int64(kind), touchedAt, id))
}

func (t *boltTxn) getCacheEntry(ctx context.Context, id wsapi.ObjectID) (*int64, error) {
	v, err := t.getValue(key(spaceCacheEntry, id.String()), "cache entry")
	if err != nil || v == nil {
		return nil, err
	}
	touchedAt, ok := v[0].(int64)
	if !ok {
		return nil, wsapi.ErrorCorruption("cache entry", id.String())
	}
	return &touchedAt, nil
}

func (t *boltTxn) putCacheEntry(ctx context.Context, id wsapi.ObjectID, touchedAt int64) error {
	old, err := t.getCacheEntry(ctx, id)
	if err != nil {
		return err
	}
	if err := t.put(key(spaceCacheEntry, id.String()), tuple.Tuple{touchedAt}); err != nil {
		return err
	}
	return t.setCleanKey(kindCacheEntry, id.String(), old, touchedAt)
}

func (t *boltTxn) deleteCacheEntry(ctx context.Context, id wsapi.ObjectID) error {
	old, err := t.getCacheEntry(ctx, id)
	if err != nil || old == nil {
		return err
	}
	if err := t.del(key(spaceClean, int64(kindCacheEntry), *old, id.String())); err != nil {
		return err
	}
	return t.del(key(spaceCacheEntry, id.String()))
}

func (t *boltTxn) cacheEntryReferenced(ctx context.Context, id wsapi.ObjectID) (bool, error) {
	return t.has(tuple.Tuple{int64(spaceCacheEntryObject), id.String()}), nil
}

func optUint(v *uint64) int64 {
	if v == nil {
		return -1
	}
	return int64(*v)
}

func readOptUint(v int64) *uint64 {
	if v < 0 {
		return nil
	}
	u := uint64(v)
	return &u
}

func ints(t tuple.Tuple, n int) ([]int64, bool) {
	if len(t) < n {
		return nil, false
	}
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		v, ok := t[i].(int64)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// Object rows are (node, subtree, size, count, weight, touched_at, cache entry).
// Absent count and weight are -1; an absent cache entry is "".
func (t *boltTxn) getObject(ctx context.Context, id wsapi.ObjectID) (*wsapi.ObjectEntry, error) {
	v, err := t.getValue(key(spaceObject, id.String()), "object row")
	if err != nil || v == nil {
		return nil, err
	}
	f, ok := ints(v, 6)
	if !ok || len(v) != 7 {
		return nil, wsapi.ErrorCorruption("object row", id.String())
	}
	row := &wsapi.ObjectEntry{
		Stored: wsapi.ObjectStored{Node: f[0] != 0, Subtree: f[1] != 0},
		Metadata: wsapi.ObjectMetadata{
			Size:   uint64(f[2]),
			Count:  readOptUint(f[3]),
			Weight: readOptUint(f[4]),
		},
		TouchedAt: f[5],
	}
	if s, _ := v[6].(string); s != "" {
		ce, err := wsapi.ParseObjectID(s)
		if err != nil {
			return nil, wsapi.ErrorCorruption("object cache entry", id.String())
		}
		row.CacheEntry = &ce
	}
	return row, nil
}

func (t *boltTxn) putObject(ctx context.Context, id wsapi.ObjectID, row wsapi.ObjectEntry) error {
	old, err := t.getObject(ctx, id)
	if err != nil {
		return err
	}
	ce := ""
	if row.CacheEntry != nil {
		ce = row.CacheEntry.String()
	}
	err = t.put(key(spaceObject, id.String()), tuple.Tuple{
		boolInt(row.Stored.Node), boolInt(row.Stored.Subtree), int64(row.Metadata.Size),
		optUint(row.Metadata.Count), optUint(row.Metadata.Weight), row.TouchedAt, ce,
	})
	if err != nil {
		return err
	}
	var oldTouched *int64
	if old != nil {
		oldTouched = &old.TouchedAt
		if old.CacheEntry != nil && (row.CacheEntry == nil || *old.CacheEntry != *row.CacheEntry) {
			if err := t.del(key(spaceCacheEntryObject, old.CacheEntry.String(), id.String())); err != nil {
				return err
			}
		}
	}
	if ce != "" {
		if err := t.mark(key(spaceCacheEntryObject, ce, id.String())); err != nil {
			return err
		}
	}
	return t.setCleanKey(kindObject, id.String(), oldTouched, row.TouchedAt)
}

func (t *boltTxn) deleteObject(ctx context.Context, id wsapi.ObjectID) error {
	old, err := t.getObject(ctx, id)
	if err != nil || old == nil {
		return err
	}
	children, err := t.scanStrings(tuple.Tuple{int64(spaceObjectChild), id.String()})
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := t.del(key(spaceObjectChild, id.String(), c)); err != nil {
			return err
		}
		if err := t.del(key(spaceChildObject, c, id.String())); err != nil {
			return err
		}
	}
	if old.CacheEntry != nil {
		if err := t.del(key(spaceCacheEntryObject, old.CacheEntry.String(), id.String())); err != nil {
			return err
		}
	}
	if err := t.del(key(spaceClean, int64(kindObject), old.TouchedAt, id.String())); err != nil {
		return err
	}
	return t.del(key(spaceObject, id.String()))
}

func (t *boltTxn) objectChildren(ctx context.Context, id wsapi.ObjectID) ([]wsapi.ObjectID, error) {
	raw, err := t.scanStrings(tuple.Tuple{int64(spaceObjectChild), id.String()})
	if err != nil {
		return nil, err
	}
	return parseObjectIDs("object child", raw)
}

func (t *boltTxn) objectParents(ctx context.Context, id wsapi.ObjectID) ([]wsapi.ObjectID, error) {
	raw, err := t.scanStrings(tuple.Tuple{int64(spaceChildObject), id.String()})
	if err != nil {
		return nil, err
	}
	return parseObjectIDs("object parent", raw)
}

func (t *boltTxn) addObjectChildren(ctx context.Context, id wsapi.ObjectID, children []wsapi.ObjectID) error {
	for _, c := range children {
		if err := t.mark(key(spaceObjectChild, id.String(), c.String())); err != nil {
			return err
		}
		if err := t.mark(key(spaceChildObject, c.String(), id.String())); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) objectProcesses(ctx context.Context, id wsapi.ObjectID) ([]wsapi.ProcessID, error) {
	keys, err := t.scan(tuple.Tuple{int64(spaceObjectProcess), id.String()})
	if err != nil {
		return nil, err
	}
	var raw []string
	for _, k := range keys {
		p, _ := k[0].(string)
		if len(raw) == 0 || raw[len(raw)-1] != p {
			raw = append(raw, p)
		}
	}
	return parseProcessIDs("object process", raw)
}

// Process rows are (finished, stored bits, count, weight, touched_at).
func (t *boltTxn) getProcess(ctx context.Context, id wsapi.ProcessID) (*wsapi.ProcessEntry, error) {
	v, err := t.getValue(key(spaceProcess, id.String()), "process row")
	if err != nil || v == nil {
		return nil, err
	}
	f, ok := ints(v, 5)
	if !ok {
		return nil, wsapi.ErrorCorruption("process row", id.String())
	}
	return &wsapi.ProcessEntry{
		Finished: f[0] != 0,
		Stored:   processStoredFromBits(f[1]),
		Metadata: wsapi.ProcessMetadata{
			Count:  readOptUint(f[2]),
			Weight: readOptUint(f[3]),
		},
		TouchedAt: f[4],
	}, nil
}

func (t *boltTxn) putProcess(ctx context.Context, id wsapi.ProcessID, row wsapi.ProcessEntry) error {
	old, err := t.getProcess(ctx, id)
	if err != nil {
		return err
	}
	err = t.put(key(spaceProcess, id.String()), tuple.Tuple{
		boolInt(row.Finished), processStoredBits(row.Stored),
		optUint(row.Metadata.Count), optUint(row.Metadata.Weight), row.TouchedAt,
	})
	if err != nil {
		return err
	}
	var oldTouched *int64
	if old != nil {
		oldTouched = &old.TouchedAt
	}
	return t.setCleanKey(kindProcess, id.String(), oldTouched, row.TouchedAt)
}

func (t *boltTxn) deleteProcess(ctx context.Context, id wsapi.ProcessID) error {
	old, err := t.getProcess(ctx, id)
	if err != nil || old == nil {
		return err
	}
	children, err := t.scanStrings(tuple.Tuple{int64(spaceProcessChild), id.String()})
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := t.del(key(spaceProcessChild, id.String(), c)); err != nil {
			return err
		}
		if err := t.del(key(spaceChildProcess, c, id.String())); err != nil {
			return err
		}
	}
	objects, err := t.processObjects(ctx, id)
	if err != nil {
		return err
	}
	for _, o := range objects {
		if err := t.del(key(spaceProcessObject, id.String(), string(o.Role), o.Object.String())); err != nil {
			return err
		}
		if err := t.del(key(spaceObjectProcess, o.Object.String(), id.String(), string(o.Role))); err != nil {
			return err
		}
	}
	if err := t.del(key(spaceClean, int64(kindProcess), old.TouchedAt, id.String())); err != nil {
		return err
	}
	return t.del(key(spaceProcess, id.String()))
}

func (t *boltTxn) processChildren(ctx context.Context, id wsapi.ProcessID) ([]wsapi.ProcessID, error) {
	type positioned struct {
		child string
		pos   int64
	}
	p := tuple.Tuple{int64(spaceProcessChild), id.String()}
	prefix := p.Pack()
	var all []positioned
	c := t.b.Cursor()
	end := tuple.Strinc(prefix)
	for k, v := c.Seek(prefix); tuple.Before(k, end); k, v = c.Next() {
		kt, err := tuple.Unpack(k)
		if err != nil || len(kt) != 3 {
			return nil, wsapi.ErrorCorruption("process child", id.String())
		}
		vt, err := tuple.Unpack(v)
		if err != nil || len(vt) != 1 {
			return nil, wsapi.ErrorCorruption("process child", id.String())
		}
		child, _ := kt[2].(string)
		pos, _ := vt[0].(int64)
		all = append(all, positioned{child: child, pos: pos})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].pos < all[j].pos })
	raw := make([]string, len(all))
	for i, pc := range all {
		raw[i] = pc.child
	}
	return parseProcessIDs("process child", raw)
}

func (t *boltTxn) processParents(ctx context.Context, id wsapi.ProcessID) ([]wsapi.ProcessID, error) {
	raw, err := t.scanStrings(tuple.Tuple{int64(spaceChildProcess), id.String()})
	if err != nil {
		return nil, err
	}
	return parseProcessIDs("process parent", raw)
}

// nextChildPosition is one past the highest position recorded for id's children.
func (t *boltTxn) nextChildPosition(id wsapi.ProcessID) (int64, error) {
	prefix := tuple.Tuple{int64(spaceProcessChild), id.String()}.Pack()
	end := tuple.Strinc(prefix)
	var next int64
	c := t.b.Cursor()
	for k, v := c.Seek(prefix); tuple.Before(k, end); k, v = c.Next() {
		vt, err := tuple.Unpack(v)
		if err != nil || len(vt) != 1 {
			return 0, wsapi.ErrorCorruption("process child", id.String())
		}
		if pos, _ := vt[0].(int64); pos >= next {
			next = pos + 1
		}
	}
	return next, nil
}

func (t *boltTxn) addProcessChildren(ctx context.Context, id wsapi.ProcessID, children []wsapi.ProcessID) error {
	next, err := t.nextChildPosition(id)
	if err != nil {
		return err
	}
	for _, c := range children {
		k := key(spaceProcessChild, id.String(), c.String())
		if t.b.Get(k) == nil {
			if err := t.put(k, tuple.Tuple{next}); err != nil {
				return err
			}
			next++
		}
		if err := t.mark(key(spaceChildProcess, c.String(), id.String())); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) processObjects(ctx context.Context, id wsapi.ProcessID) ([]wsapi.ProcessObject, error) {
	keys, err := t.scan(tuple.Tuple{int64(spaceProcessObject), id.String()})
	if err != nil {
		return nil, err
	}
	out := make([]wsapi.ProcessObject, 0, len(keys))
	for _, k := range keys {
		role, _ := k[0].(string)
		obj, _ := k[1].(string)
		r, err := wsapi.ParseProcessRole(role)
		if err != nil {
			return nil, wsapi.ErrorCorruption("process object role", id.String())
		}
		oid, err := wsapi.ParseObjectID(obj)
		if err != nil {
			return nil, wsapi.ErrorCorruption("process object", id.String())
		}
		out = append(out, wsapi.ProcessObject{Object: oid, Role: r})
	}
	return out, nil
}

func (t *boltTxn) addProcessObjects(ctx context.Context, id wsapi.ProcessID, objects []wsapi.ProcessObject) error {
	for _, o := range objects {
		if err := t.mark(key(spaceProcessObject, id.String(), string(o.Role), o.Object.String())); err != nil {
			return err
		}
		if err := t.mark(key(spaceObjectProcess, o.Object.String(), id.String(), string(o.Role))); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) getTag(ctx context.Context, tag string) (*wsapi.Item, error) {
	v, err := t.getValue(key(spaceTag, tag), "tag")
	if err != nil || v == nil {
		return nil, err
	}
	raw, _ := v[0].(string)
	item, err := wsapi.ParseItem(raw)
	if err != nil {
		return nil, wsapi.ErrorCorruption("tag target", tag)
	}
	return &item, nil
}

func (t *boltTxn) putTag(ctx context.Context, tag string, item wsapi.Item) error {
	if err := t.deleteTag(ctx, tag); err != nil {
		return err
	}
	if err := t.put(key(spaceTag, tag), tuple.Tuple{item.String()}); err != nil {
		return err
	}
	return t.mark(key(spaceItemTag, item.String(), tag))
}

func (t *boltTxn) deleteTag(ctx context.Context, tag string) error {
	old, err := t.getTag(ctx, tag)
	if err != nil || old == nil {
		return err
	}
	if err := t.del(key(spaceItemTag, old.String(), tag)); err != nil {
		return err
	}
	return t.del(key(spaceTag, tag))
}

func (t *boltTxn) listTags(ctx context.Context) ([]TagEntry, error) {
	prefix := tuple.Tuple{int64(spaceTag)}.Pack()
	var out []TagEntry
	c := t.b.Cursor()
	end := tuple.Strinc(prefix)
	for k, v := c.Seek(prefix); tuple.Before(k, end); k, v = c.Next() {
		kt, err := tuple.Unpack(k)
		if err != nil || len(kt) != 2 {
			return nil, wsapi.ErrorCorruption("tag", string(k))
		}
		tag, _ := kt[1].(string)
		parsed, err := wsapi.ParseTag(tag)
		if err != nil {
			return nil, wsapi.ErrorCorruption("tag", tag)
		}
		vt, err := tuple.Unpack(v)
		if err != nil || len(vt) != 1 {
			return nil, wsapi.ErrorCorruption("tag target", tag)
		}
		raw, _ := vt[0].(string)
		item, err := wsapi.ParseItem(raw)
		if err != nil {
			return nil, wsapi.ErrorCorruption("tag target", tag)
		}
		out = append(out, TagEntry{Tag: parsed, Item: item})
	}
	return out, nil
}

func (t *boltTxn) itemTagged(ctx context.Context, item wsapi.Item) (bool, error) {
	return t.has(tuple.Tuple{int64(spaceItemTag), item.String()}), nil
}

func (t *boltTxn) enqueue(ctx context.Context, item wsapi.Item) error {
	ik := key(spaceQueueItem, item.String())
	if t.b.Get(ik) != nil {
		return nil
	}
	seq, err := t.b.NextSequence()
	if err != nil {
		return kvError("enqueue", err)
	}
	if err := t.put(key(spaceQueue, int64(seq)), tuple.Tuple{item.String()}); err != nil {
		return err
	}
	return t.put(ik, tuple.Tuple{int64(seq)})
}

func (t *boltTxn) dequeue(ctx context.Context, n int) ([]wsapi.Item, error) {
	prefix := tuple.Tuple{int64(spaceQueue)}.Pack()
	var (
		keys [][]byte
		raw  []string
	)
	c := t.b.Cursor()
	end := tuple.Strinc(prefix)
	for k, v := c.Seek(prefix); tuple.Before(k, end) && len(keys) < n; k, v = c.Next() {
		vt, err := tuple.Unpack(v)
		if err != nil || len(vt) != 1 {
			return nil, wsapi.ErrorCorruption("queue entry", string(k))
		}
		s, _ := vt[0].(string)
		keys = append(keys, append([]byte(nil), k...))
		raw = append(raw, s)
	}
	out := make([]wsapi.Item, 0, len(raw))
	for i, s := range raw {
		if err := t.del(keys[i]); err != nil {
			return nil, err
		}
		if err := t.del(key(spaceQueueItem, s)); err != nil {
			return nil, err
		}
		item, err := wsapi.ParseItem(s)
		if err != nil {
			return nil, wsapi.ErrorCorruption("queue item", s)
		}
		out = append(out, item)
	}
	return out, nil
}

func (t *boltTxn) queueSize(ctx context.Context) (int, error) {
	prefix := tuple.Tuple{int64(spaceQueue)}.Pack()
	n := 0
	c := t.b.Cursor()
	end := tuple.Strinc(prefix)
	for k, _ := c.Seek(prefix); tuple.Before(k, end); k, _ = c.Next() {
		n++
	}
	return n, nil
}

func (t *boltTxn) touchedBefore(ctx context.Context, kind itemKind, max int64, after *candidate, limit int) ([]candidate, error) {
	prefix := tuple.Tuple{int64(spaceClean), int64(kind)}.Pack()
	start := prefix
	if after != nil {
		// Seek lands on the cursor itself if it still exists; skip it below.
		start = key(spaceClean, int64(kind), after.touchedAt, after.id)
	}
	var out []candidate
	c := t.b.Cursor()
	end := tuple.Strinc(prefix)
	for k, _ := c.Seek(start); tuple.Before(k, end) && len(out) < limit; k, _ = c.Next() {
		kt, err := tuple.Unpack(k)
		if err != nil || len(kt) != 4 {
			return nil, wsapi.ErrorCorruption("clean key", string(k))
		}
		touchedAt, _ := kt[2].(int64)
		id, _ := kt[3].(string)
		if touchedAt >= max {
			break
		}
		if after != nil && touchedAt == after.touchedAt && id == after.id {
			continue
		}
		out = append(out, candidate{id: id, touchedAt: touchedAt})
	}
	return out, nil
}
