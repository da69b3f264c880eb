package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Options configures the local store.
type Options struct {
	Driver    string
	DSN       string
	Namespace string
	Version   int
	// PreserveUnsynced carries unsynced documents (and the students they
	// belong to) across a version rebuild instead of discarding them.
	PreserveUnsynced bool
	Collections      []Collection
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is an open local store.
type DB struct {
	Client      *sql.DB
	dialect     dialect
	collections map[string]Collection
	order       []Collection
	log         *zap.Logger
}

// Open opens the engine, then creates or rebuilds the collections for
// opts.Version.
func Open(ctx context.Context, opts Options, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	var sqlDB *sql.DB
	switch d.driver {
	case DriverSQLite:
		if dir := filepath.Dir(opts.DSN); opts.DSN != "" && dir != "." && !strings.HasPrefix(opts.DSN, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: create data dir: %w", ErrStorageUnavailable, err)
			}
		}
		sqlDB, err = sql.Open("sqlite", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
			if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
				log.Debug("sqlite pragma failed", zap.String("pragma", pragma), zap.Error(err))
			}
		}
	case DriverPgx:
		sqlDB, err = sql.Open("pgx", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	db := newDB(sqlDB, d, opts.Collections, log)
	if err := db.ensureSchema(ctx, opts); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return db, nil
}

// NewFromSQL wraps an already open connection without touching the schema.
func NewFromSQL(sqlDB *sql.DB, driver string, collections []Collection, log *zap.Logger) (*DB, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return newDB(sqlDB, d, collections, log), nil
}

func newDB(sqlDB *sql.DB, d dialect, collections []Collection, log *zap.Logger) *DB {
	if len(collections) == 0 {
		collections = Schema
	}
	db := &DB{Client: sqlDB, dialect: d, collections: make(map[string]Collection), order: collections, log: log}
	for _, c := range collections {
		db.collections[c.Name] = c
	}
	return db
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// View runs fn in a transaction that is always rolled back.
func (d *DB) View(ctx context.Context, fn func(*Tx) error) error {
	tx, err := d.Client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrTransactionFailed, err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&Tx{tx: tx, db: d})
}

// Update runs fn in one transaction, committing when it returns nil.
func (d *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := d.Client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrTransactionFailed, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&Tx{tx: tx, db: d}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrTransactionFailed, err)
	}
	return nil
}

func (d *DB) ensureSchema(ctx context.Context, opts Options) error {
	if _, err := d.Client.ExecContext(ctx, d.dialect.metaTable()); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}
	want := strconv.Itoa(opts.Version)

	var have string
	err := d.Client.QueryRowContext(ctx, d.dialect.rebind("SELECT value FROM store_meta WHERE key = ?"), "version").Scan(&have)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		have = ""
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}

	if have == want {
		return d.Update(ctx, func(tx *Tx) error {
			return d.createAll(ctx, tx.tx)
		})
	}

	var carried map[string][]rawDoc
	if have != "" {
		d.log.Warn("schema version changed, rebuilding collections",
			zap.String("namespace", opts.Namespace),
			zap.String("from", have),
			zap.String("to", want),
			zap.Bool("preserve_unsynced", opts.PreserveUnsynced),
		)
		if opts.PreserveUnsynced {
			carried = d.exportUnsynced(ctx)
		}
	}

	return d.Update(ctx, func(tx *Tx) error {
		if have != "" {
			for _, c := range d.order {
				if _, err := tx.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+c.Name); err != nil {
					return fmt.Errorf("drop %s: %w", c.Name, err)
				}
			}
		}
		if err := d.createAll(ctx, tx.tx); err != nil {
			return err
		}
		restored := 0
		for _, c := range d.order {
			for _, doc := range carried[c.Name] {
				if err := d.insertRaw(ctx, tx.tx, c, doc.id, doc.body); err != nil {
					return fmt.Errorf("restore %s/%d: %w", c.Name, doc.id, err)
				}
				restored++
			}
			if len(carried[c.Name]) > 0 {
				if err := d.dialect.resetSequence(ctx, tx.tx, c); err != nil {
					return fmt.Errorf("reset sequence %s: %w", c.Name, err)
				}
			}
		}
		if restored > 0 {
			d.log.Info("unsynced documents carried across rebuild", zap.Int("documents", restored))
		}
		return d.writeMeta(ctx, tx.tx, opts.Namespace, want)
	})
}

func (d *DB) createAll(ctx context.Context, q queryer) error {
	for _, c := range d.order {
		for _, stmt := range d.dialect.createTable(c) {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create %s: %w", c.Name, err)
			}
		}
	}
	return nil
}

func (d *DB) writeMeta(ctx context.Context, q queryer, namespace, version string) error {
	upsert := d.dialect.rebind(`INSERT INTO store_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`)
	for k, v := range map[string]string{"namespace": namespace, "version": version} {
		if _, err := q.ExecContext(ctx, upsert, k, v); err != nil {
			return fmt.Errorf("write meta %s: %w", k, err)
		}
	}
	return nil
}

type rawDoc struct {
	id   int64
	body []byte
}

// exportUnsynced reads the documents that must outlive a rebuild. Tables that
// cannot be read (absent in the old layout) are skipped.
func (d *DB) exportUnsynced(ctx context.Context) map[string][]rawDoc {
	out := make(map[string][]rawDoc)
	owners := make(map[string]map[int64]bool)

	for _, c := range d.order {
		if c.UnsyncedPath == "" {
			continue
		}
		docs, err := d.readRaw(ctx, c.Name)
		if err != nil {
			d.log.Warn("skip export of collection", zap.String("collection", c.Name), zap.Error(err))
			continue
		}
		for _, doc := range docs {
			fields, err := decodeFields(doc.body)
			if err != nil {
				continue
			}
			if synced, _ := lookup(fields, c.UnsyncedPath).(bool); synced {
				continue
			}
			out[c.Name] = append(out[c.Name], doc)
			if c.Owner != "" {
				if id, ok := asInt(lookup(fields, c.OwnerPath)); ok {
					if owners[c.Owner] == nil {
						owners[c.Owner] = make(map[int64]bool)
					}
					owners[c.Owner][id] = true
				}
			}
		}
	}

	for owner, ids := range owners {
		docs, err := d.readRaw(ctx, owner)
		if err != nil {
			d.log.Warn("skip export of owners", zap.String("collection", owner), zap.Error(err))
			continue
		}
		for _, doc := range docs {
			if ids[doc.id] {
				out[owner] = append(out[owner], doc)
			}
		}
	}
	return out
}

func (d *DB) readRaw(ctx context.Context, table string) ([]rawDoc, error) {
	rows, err := d.Client.QueryContext(ctx, "SELECT id, doc FROM "+table+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rawDoc
	for rows.Next() {
		var doc rawDoc
		var body string
		if err := rows.Scan(&doc.id, &body); err != nil {
			return nil, err
		}
		doc.body = []byte(body)
		out = append(out, doc)
	}
	return out, rows.Err()
}

// insertRaw writes a document with an explicit id, deriving index columns
// from its key paths.
func (d *DB) insertRaw(ctx context.Context, q queryer, c Collection, id int64, body []byte) error {
	fields, err := decodeFields(body)
	if err != nil {
		return err
	}
	cols := []string{"id", "doc"}
	args := []any{id, string(body)}
	for _, idx := range c.Indexes {
		cols = append(cols, column(idx))
		args = append(args, indexValue(lookup(fields, idx.KeyPath), idx))
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", c.Name, strings.Join(cols, ", "), placeholders(len(cols)))
	_, err = q.ExecContext(ctx, d.dialect.rebind(stmt), args...)
	return err
}

func decodeFields(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// lookup resolves a dotted key path.
func lookup(fields map[string]any, path string) any {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
