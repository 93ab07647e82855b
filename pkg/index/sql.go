package index

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/warptools/warpstore/wsapi"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is recorded in the migrations table once schema.sql has run.
const schemaVersion = 1

// writerLockKey names the postgres advisory lock that serializes writers.
const writerLockKey = 0x77737478

type sqlDatabase struct {
	name   string
	writer *sql.DB
	reader *sql.DB
	// numbered is true for drivers that take $1 placeholders.
	numbered bool
}

// openSqlite opens two pools on one file: a single-connection writer, so
// writers queue in Go rather than on SQLITE_BUSY, and a read-only pool.
//
// Errors:
//
//   - warpstore-error-backend -- when the database can't be opened or migrated
func openSqlite(ctx context.Context, cfg SqliteConfig) (*sqlDatabase, error) {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_txlock", "immediate")
	writer, err := sql.Open("sqlite3", "file:"+cfg.Path+"?"+params.Encode())
	if err != nil {
		return nil, sqlError("sqlite", "open", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	params.Del("_txlock")
	params.Del("_journal_mode")
	params.Set("_query_only", "true")
	reader, err := sql.Open("sqlite3", "file:"+cfg.Path+"?"+params.Encode())
	if err != nil {
		writer.Close()
		return nil, sqlError("sqlite", "open", err)
	}
	readers := cfg.Readers
	if readers <= 0 {
		readers = 4
	}
	reader.SetMaxOpenConns(readers)

	db := &sqlDatabase{name: "sqlite", writer: writer, reader: reader}
	if err := db.migrate(ctx); err != nil {
		db.close()
		return nil, err
	}
	return db, nil
}

// openPostgres uses one pool for both roles. Writers take a transaction-scoped
// advisory lock, which gives the same one-writer-at-a-time model as sqlite.
//
// Errors:
//
//   - warpstore-error-backend -- when the database can't be reached or migrated
func openPostgres(ctx context.Context, cfg PostgresConfig) (*sqlDatabase, error) {
	pool, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, sqlError("postgres", "open", err)
	}
	if cfg.MaxConnections > 0 {
		pool.SetMaxOpenConns(cfg.MaxConnections)
	}
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, sqlError("postgres", "connect", err)
	}
	db := &sqlDatabase{name: "postgres", writer: pool, reader: pool, numbered: true}
	if err := db.migrate(ctx); err != nil {
		db.close()
		return nil, err
	}
	return db, nil
}

func sqlRetryable(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected, and the connection exception class
		return pgErr.Code == "40001" || pgErr.Code == "40P01" || strings.HasPrefix(pgErr.Code, "08")
	}
	return errors.Is(err, sql.ErrConnDone) || pgconn.Timeout(err)
}

func sqlError(backend string, context string, err error) error {
	return wsapi.ErrorBackend(backend, context, sqlRetryable(err), err)
}

func (db *sqlDatabase) migrate(ctx context.Context) error {
	return db.update(ctx, func(t txn) error {
		tx := t.(*sqlTxn)
		if _, err := tx.exec(ctx, "create migrations", `CREATE TABLE IF NOT EXISTS migrations (version integer PRIMARY KEY)`); err != nil {
			return err
		}
		var version sql.NullInt64
		if err := tx.queryRow(ctx, `SELECT MAX(version) FROM migrations`).Scan(&version); err != nil {
			return sqlError(db.name, "read schema version", err)
		}
		if version.Int64 >= schemaVersion {
			return nil
		}
		for _, stmt := range strings.Split(schemaSQL, ";") {
			if strings.TrimSpace(stripComments(stmt)) == "" {
				continue
			}
			if _, err := tx.exec(ctx, "apply schema", stmt); err != nil {
				return err
			}
		}
		_, err := tx.exec(ctx, "record schema version", `INSERT INTO migrations (version) VALUES (?)`, schemaVersion)
		return err
	})
}

func stripComments(stmt string) string {
	var b strings.Builder
	for _, line := range strings.Split(stmt, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "--") {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (db *sqlDatabase) view(ctx context.Context, fn func(txn) error) error {
	tx, err := db.reader.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return sqlError(db.name, "begin read", err)
	}
	defer tx.Rollback()
	return fn(&sqlTxn{db: db, tx: tx})
}

func (db *sqlDatabase) update(ctx context.Context, fn func(txn) error) error {
	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return sqlError(db.name, "begin write", err)
	}
	defer tx.Rollback()
	t := &sqlTxn{db: db, tx: tx}
	if db.numbered {
		if _, err := t.exec(ctx, "take writer lock", `SELECT pg_advisory_xact_lock(?)`, writerLockKey); err != nil {
			return err
		}
	}
	if err := fn(t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return sqlError(db.name, "commit", err)
	}
	return nil
}

func (db *sqlDatabase) close() error {
	err := db.writer.Close()
	if db.reader != db.writer {
		if rerr := db.reader.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

type sqlTxn struct {
	db *sqlDatabase
	tx *sql.Tx
}

// rebind rewrites ? placeholders to $n for postgres.
func (t *sqlTxn) rebind(q string) string {
	if !t.db.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (t *sqlTxn) exec(ctx context.Context, what string, q string, args ...interface{}) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, t.rebind(q), args...)
	if err != nil {
		return nil, sqlError(t.db.name, what, err)
	}
	return res, nil
}

func (t *sqlTxn) queryRow(ctx context.Context, q string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.rebind(q), args...)
}

// column runs a query whose rows are a single text column.
func (t *sqlTxn) column(ctx context.Context, what string, q string, args ...interface{}) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, t.rebind(q), args...)
	if err != nil {
		return nil, sqlError(t.db.name, what, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, sqlError(t.db.name, what, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlError(t.db.name, what, err)
	}
	return out, nil
}

func (t *sqlTxn) exists(ctx context.Context, what string, q string, args ...interface{}) (bool, error) {
	var one int
	err := t.queryRow(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, sqlError(t.db.name, what, err)
	}
	return true, nil
}

func (t *sqlTxn) getCacheEntry(ctx context.Context, id wsapi.ObjectID) (*int64, error) {
	var touchedAt int64
	err := t.queryRow(ctx, `SELECT touched_at FROM cache_entries WHERE id = ?`, id.String()).Scan(&touchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqlError(t.db.name, "get cache entry", err)
	}
	return &touchedAt, nil
}

func (t *sqlTxn) putCacheEntry(ctx context.Context, id wsapi.ObjectID, touchedAt int64) error {
	_, err := t.exec(ctx, "put cache entry",
		`INSERT INTO cache_entries (id, touched_at) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET touched_at = excluded.touched_at`,
		id.String(), touchedAt)
	return err
}

func (t *sqlTxn) deleteCacheEntry(ctx context.Context, id wsapi.ObjectID) error {
	_, err := t.exec(ctx, "delete cache entry", `DELETE FROM cache_entries WHERE id = ?`, id.String())
	return err
}

func (t *sqlTxn) cacheEntryReferenced(ctx context.Context, id wsapi.ObjectID) (bool, error) {
	return t.exists(ctx, "check cache entry references", `SELECT 1 FROM objects WHERE cache_entry = ? LIMIT 1`, id.String())
}

func (t *sqlTxn) getObject(ctx context.Context, id wsapi.ObjectID) (*wsapi.ObjectEntry, error) {
	var (
		cacheEntry    sql.NullString
		node, subtree int64
		size          int64
		count, weight sql.NullInt64
		row           wsapi.ObjectEntry
	)
	err := t.queryRow(ctx,
		`SELECT cache_entry, node_stored, subtree_stored, size, subtree_count, subtree_weight, touched_at
		FROM objects WHERE id = ?`, id.String(),
	).Scan(&cacheEntry, &node, &subtree, &size, &count, &weight, &row.TouchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqlError(t.db.name, "get object", err)
	}
	row.Stored = wsapi.ObjectStored{Node: node != 0, Subtree: subtree != 0}
	row.Metadata.Size = uint64(size)
	if count.Valid {
		c := uint64(count.Int64)
		row.Metadata.Count = &c
	}
	if weight.Valid {
		w := uint64(weight.Int64)
		row.Metadata.Weight = &w
	}
	if cacheEntry.Valid {
		ce, err := wsapi.ParseObjectID(cacheEntry.String)
		if err != nil {
			return nil, wsapi.ErrorCorruption("object cache entry", id.String())
		}
		row.CacheEntry = &ce
	}
	return &row, nil
}

func nullUint(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func (t *sqlTxn) putObject(ctx context.Context, id wsapi.ObjectID, row wsapi.ObjectEntry) error {
	var cacheEntry sql.NullString
	if row.CacheEntry != nil {
		cacheEntry = sql.NullString{String: row.CacheEntry.String(), Valid: true}
	}
	_, err := t.exec(ctx, "put object",
		`INSERT INTO objects (id, cache_entry, node_stored, subtree_stored, size, subtree_count, subtree_weight, touched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			cache_entry = excluded.cache_entry,
			node_stored = excluded.node_stored,
			subtree_stored = excluded.subtree_stored,
			size = excluded.size,
			subtree_count = excluded.subtree_count,
			subtree_weight = excluded.subtree_weight,
			touched_at = excluded.touched_at`,
		id.String(), cacheEntry, boolInt(row.Stored.Node), boolInt(row.Stored.Subtree),
		int64(row.Metadata.Size), nullUint(row.Metadata.Count), nullUint(row.Metadata.Weight), row.TouchedAt)
	return err
}

func (t *sqlTxn) deleteObject(ctx context.Context, id wsapi.ObjectID) error {
	if _, err := t.exec(ctx, "delete object edges", `DELETE FROM object_children WHERE object = ?`, id.String()); err != nil {
		return err
	}
	_, err := t.exec(ctx, "delete object", `DELETE FROM objects WHERE id = ?`, id.String())
	return err
}

func (t *sqlTxn) objectChildren(ctx context.Context, id wsapi.ObjectID) ([]wsapi.ObjectID, error) {
	raw, err := t.column(ctx, "list object children", `SELECT child FROM object_children WHERE object = ? ORDER BY child`, id.String())
	if err != nil {
		return nil, err
	}
	return parseObjectIDs("object child", raw)
}

func (t *sqlTxn) objectParents(ctx context.Context, id wsapi.ObjectID) ([]wsapi.ObjectID, error) {
	raw, err := t.column(ctx, "list object parents", `SELECT object FROM object_children WHERE child = ? ORDER BY object`, id.String())
	if err != nil {
		return nil, err
	}
	return parseObjectIDs("object parent", raw)
}

func (t *sqlTxn) addObjectChildren(ctx context.Context, id wsapi.ObjectID, children []wsapi.ObjectID) error {
	for _, c := range children {
		_, err := t.exec(ctx, "add object child",
			`INSERT INTO object_children (object, child) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			id.String(), c.String())
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTxn) objectProcesses(ctx context.Context, id wsapi.ObjectID) ([]wsapi.ProcessID, error) {
	raw, err := t.column(ctx, "list object processes", `SELECT DISTINCT process FROM process_objects WHERE object = ? ORDER BY process`, id.String())
	if err != nil {
		return nil, err
	}
	return parseProcessIDs("object process", raw)
}

func (t *sqlTxn) getProcess(ctx context.Context, id wsapi.ProcessID) (*wsapi.ProcessEntry, error) {
	var (
		finished, stored int64
		count, weight    sql.NullInt64
		row              wsapi.ProcessEntry
	)
	err := t.queryRow(ctx,
		`SELECT finished, stored, subtree_count, subtree_weight, touched_at FROM processes WHERE id = ?`, id.String(),
	).Scan(&finished, &stored, &count, &weight, &row.TouchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqlError(t.db.name, "get process", err)
	}
	row.Finished = finished != 0
	row.Stored = processStoredFromBits(stored)
	if count.Valid {
		c := uint64(count.Int64)
		row.Metadata.Count = &c
	}
	if weight.Valid {
		w := uint64(weight.Int64)
		row.Metadata.Weight = &w
	}
	return &row, nil
}

func (t *sqlTxn) putProcess(ctx context.Context, id wsapi.ProcessID, row wsapi.ProcessEntry) error {
	_, err := t.exec(ctx, "put process",
		`INSERT INTO processes (id, finished, stored, subtree_count, subtree_weight, touched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			finished = excluded.finished,
			stored = excluded.stored,
			subtree_count = excluded.subtree_count,
			subtree_weight = excluded.subtree_weight,
			touched_at = excluded.touched_at`,
		id.String(), boolInt(row.Finished), processStoredBits(row.Stored),
		nullUint(row.Metadata.Count), nullUint(row.Metadata.Weight), row.TouchedAt)
	return err
}

func (t *sqlTxn) deleteProcess(ctx context.Context, id wsapi.ProcessID) error {
	for _, q := range []string{
		`DELETE FROM process_children WHERE process = ?`,
		`DELETE FROM process_objects WHERE process = ?`,
		`DELETE FROM processes WHERE id = ?`,
	} {
		if _, err := t.exec(ctx, "delete process", q, id.String()); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTxn) processChildren(ctx context.Context, id wsapi.ProcessID) ([]wsapi.ProcessID, error) {
	raw, err := t.column(ctx, "list process children", `SELECT child FROM process_children WHERE process = ? ORDER BY position, child`, id.String())
	if err != nil {
		return nil, err
	}
	return parseProcessIDs("process child", raw)
}

func (t *sqlTxn) processParents(ctx context.Context, id wsapi.ProcessID) ([]wsapi.ProcessID, error) {
	raw, err := t.column(ctx, "list process parents", `SELECT process FROM process_children WHERE child = ? ORDER BY process`, id.String())
	if err != nil {
		return nil, err
	}
	return parseProcessIDs("process parent", raw)
}

// addProcessChildren appends after the children recorded so far, so edges
// arriving over several messages keep their arrival order.
func (t *sqlTxn) addProcessChildren(ctx context.Context, id wsapi.ProcessID, children []wsapi.ProcessID) error {
	var next int64
	err := t.queryRow(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM process_children WHERE process = ?`, id.String(),
	).Scan(&next)
	if err != nil {
		return sqlError(t.db.name, "add process child", err)
	}
	for i, c := range children {
		_, err := t.exec(ctx, "add process child",
			`INSERT INTO process_children (process, child, position) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			id.String(), c.String(), next+int64(i))
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTxn) processObjects(ctx context.Context, id wsapi.ProcessID) ([]wsapi.ProcessObject, error) {
	rows, err := t.tx.QueryContext(ctx, t.rebind(`SELECT object, role FROM process_objects WHERE process = ? ORDER BY role, object`), id.String())
	if err != nil {
		return nil, sqlError(t.db.name, "list process objects", err)
	}
	defer rows.Close()
	var out []wsapi.ProcessObject
	for rows.Next() {
		var obj, role string
		if err := rows.Scan(&obj, &role); err != nil {
			return nil, sqlError(t.db.name, "list process objects", err)
		}
		oid, err := wsapi.ParseObjectID(obj)
		if err != nil {
			return nil, wsapi.ErrorCorruption("process object", obj)
		}
		r, err := wsapi.ParseProcessRole(role)
		if err != nil {
			return nil, wsapi.ErrorCorruption("process object role", role)
		}
		out = append(out, wsapi.ProcessObject{Object: oid, Role: r})
	}
	if err := rows.Err(); err != nil {
		return nil, sqlError(t.db.name, "list process objects", err)
	}
	return out, nil
}

func (t *sqlTxn) addProcessObjects(ctx context.Context, id wsapi.ProcessID, objects []wsapi.ProcessObject) error {
	for _, o := range objects {
		_, err := t.exec(ctx, "add process object",
			`INSERT INTO process_objects (process, object, role) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			id.String(), o.Object.String(), string(o.Role))
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTxn) getTag(ctx context.Context, tag string) (*wsapi.Item, error) {
	var raw string
	err := t.queryRow(ctx, `SELECT item FROM tags WHERE tag = ?`, tag).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqlError(t.db.name, "get tag", err)
	}
	item, err := wsapi.ParseItem(raw)
	if err != nil {
		return nil, wsapi.ErrorCorruption("tag target", tag)
	}
	return &item, nil
}

func (t *sqlTxn) putTag(ctx context.Context, tag string, item wsapi.Item) error {
	_, err := t.exec(ctx, "put tag",
		`INSERT INTO tags (tag, item) VALUES (?, ?) ON CONFLICT (tag) DO UPDATE SET item = excluded.item`,
		tag, item.String())
	return err
}

func (t *sqlTxn) deleteTag(ctx context.Context, tag string) error {
	_, err := t.exec(ctx, "delete tag", `DELETE FROM tags WHERE tag = ?`, tag)
	return err
}

func (t *sqlTxn) listTags(ctx context.Context) ([]TagEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT tag, item FROM tags`)
	if err != nil {
		return nil, sqlError(t.db.name, "list tags", err)
	}
	defer rows.Close()
	var out []TagEntry
	for rows.Next() {
		var tag, raw string
		if err := rows.Scan(&tag, &raw); err != nil {
			return nil, sqlError(t.db.name, "list tags", err)
		}
		parsed, err := wsapi.ParseTag(tag)
		if err != nil {
			return nil, wsapi.ErrorCorruption("tag", tag)
		}
		item, err := wsapi.ParseItem(raw)
		if err != nil {
			return nil, wsapi.ErrorCorruption("tag target", tag)
		}
		out = append(out, TagEntry{Tag: parsed, Item: item})
	}
	if err := rows.Err(); err != nil {
		return nil, sqlError(t.db.name, "list tags", err)
	}
	return out, nil
}

func (t *sqlTxn) itemTagged(ctx context.Context, item wsapi.Item) (bool, error) {
	return t.exists(ctx, "check tags", `SELECT 1 FROM tags WHERE item = ? LIMIT 1`, item.String())
}

// enqueue appends item unless it is already waiting.
// The WHERE clause keeps sqlite from reading ON CONFLICT as a join constraint.
func (t *sqlTxn) enqueue(ctx context.Context, item wsapi.Item) error {
	_, err := t.exec(ctx, "enqueue",
		`INSERT INTO queue (item, seq)
		SELECT CAST(? AS text), COALESCE(MAX(seq), 0) + 1 FROM queue WHERE true
		ON CONFLICT (item) DO NOTHING`,
		item.String())
	return err
}

func (t *sqlTxn) dequeue(ctx context.Context, n int) ([]wsapi.Item, error) {
	raw, err := t.column(ctx, "dequeue", `SELECT item FROM queue ORDER BY seq LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	out := make([]wsapi.Item, 0, len(raw))
	for _, s := range raw {
		if _, err := t.exec(ctx, "dequeue", `DELETE FROM queue WHERE item = ?`, s); err != nil {
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

func (t *sqlTxn) queueSize(ctx context.Context) (int, error) {
	var n int
	if err := t.queryRow(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, sqlError(t.db.name, "queue size", err)
	}
	return n, nil
}

var kindTables = map[itemKind]string{
	kindCacheEntry: "cache_entries",
	kindObject:     "objects",
	kindProcess:    "processes",
}

func (t *sqlTxn) touchedBefore(ctx context.Context, kind itemKind, max int64, after *candidate, limit int) ([]candidate, error) {
	q := `SELECT id, touched_at FROM ` + kindTables[kind] + ` WHERE touched_at < ?`
	args := []interface{}{max}
	if after != nil {
		q += ` AND (touched_at > ? OR (touched_at = ? AND id > ?))`
		args = append(args, after.touchedAt, after.touchedAt, after.id)
	}
	q += ` ORDER BY touched_at, id LIMIT ?`
	args = append(args, limit)
	rows, err := t.tx.QueryContext(ctx, t.rebind(q), args...)
	if err != nil {
		return nil, sqlError(t.db.name, "scan touched_at", err)
	}
	defer rows.Close()
	var out []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.touchedAt); err != nil {
			return nil, sqlError(t.db.name, "scan touched_at", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlError(t.db.name, "scan touched_at", err)
	}
	return out, nil
}
