package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Tx is a transaction scoped to the collections it touches.
type Tx struct {
	tx *sql.Tx
	db *DB
}

func (t *Tx) collection(c Collection) (Collection, error) {
	known, ok := t.db.collections[c.Name]
	if !ok {
		return Collection{}, fmt.Errorf("%w: unknown collection %q", ErrTransactionFailed, c.Name)
	}
	return known, nil
}

// Put inserts doc when its id is zero, assigning the generated id, and
// upserts it otherwise. It returns the document id.
func (t *Tx) Put(ctx context.Context, c Collection, doc Document) (int64, error) {
	c, err := t.collection(c)
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("%w: encode %s: %w", ErrTransactionFailed, c.Name, err)
	}
	fields, err := decodeFields(body)
	if err != nil {
		return 0, fmt.Errorf("%w: encode %s: %w", ErrTransactionFailed, c.Name, err)
	}

	cols := []string{"doc"}
	args := []any{string(body)}
	for _, idx := range c.Indexes {
		cols = append(cols, column(idx))
		args = append(args, indexValue(lookup(fields, idx.KeyPath), idx))
	}

	if id := doc.DocID(); id > 0 {
		sets := make([]string, 0, len(cols))
		for _, col := range cols {
			sets = append(sets, col+" = excluded."+col)
		}
		stmt := fmt.Sprintf("INSERT INTO %s (id, %s) VALUES (?, %s) ON CONFLICT (id) DO UPDATE SET %s",
			c.Name, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(sets, ", "))
		if _, err := t.tx.ExecContext(ctx, t.db.dialect.rebind(stmt), append([]any{id}, args...)...); err != nil {
			return 0, fmt.Errorf("%w: put %s/%d: %w", ErrTransactionFailed, c.Name, id, err)
		}
		return id, nil
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id", c.Name, strings.Join(cols, ", "), placeholders(len(cols)))
	var id int64
	if err := t.tx.QueryRowContext(ctx, t.db.dialect.rebind(stmt), args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: insert %s: %w", ErrTransactionFailed, c.Name, err)
	}
	doc.SetDocID(id)
	return id, nil
}

// Get loads the document with id into dst.
func (t *Tx) Get(ctx context.Context, c Collection, id int64, dst Document) error {
	c, err := t.collection(c)
	if err != nil {
		return err
	}
	var body string
	err = t.tx.QueryRowContext(ctx, t.db.dialect.rebind("SELECT doc FROM "+c.Name+" WHERE id = ?"), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%d", ErrNotFound, c.Name, id)
	}
	if err != nil {
		return fmt.Errorf("%w: get %s/%d: %w", ErrTransactionFailed, c.Name, id, err)
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return fmt.Errorf("%w: decode %s/%d: %w", ErrTransactionFailed, c.Name, id, err)
	}
	dst.SetDocID(id)
	return nil
}

// Delete removes the document with id. Deleting an absent id is not an error.
func (t *Tx) Delete(ctx context.Context, c Collection, id int64) error {
	c, err := t.collection(c)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, t.db.dialect.rebind("DELETE FROM "+c.Name+" WHERE id = ?"), id); err != nil {
		return fmt.Errorf("%w: delete %s/%d: %w", ErrTransactionFailed, c.Name, id, err)
	}
	return nil
}

// Count returns the number of documents in c.
func (t *Tx) Count(ctx context.Context, c Collection) (int, error) {
	return t.count(ctx, c, "", nil)
}

// CountByIndex returns the number of documents whose index equals value.
func (t *Tx) CountByIndex(ctx context.Context, c Collection, index string, value any) (int, error) {
	return t.count(ctx, c, index, value)
}

func (t *Tx) count(ctx context.Context, c Collection, index string, value any) (int, error) {
	c, err := t.collection(c)
	if err != nil {
		return 0, err
	}
	q := "SELECT COUNT(*) FROM " + c.Name
	var args []any
	if index != "" {
		idx, ok := c.index(index)
		if !ok {
			return 0, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, c.Name, index)
		}
		q += " WHERE " + column(idx) + " = ?"
		args = append(args, indexValue(value, idx))
	}
	var n int
	if err := t.tx.QueryRowContext(ctx, t.db.dialect.rebind(q), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count %s: %w", ErrTransactionFailed, c.Name, err)
	}
	return n, nil
}

type rawRow struct {
	id   int64
	body string
}

func (t *Tx) rows(ctx context.Context, c Collection, index string, value any) ([]rawRow, error) {
	c, err := t.collection(c)
	if err != nil {
		return nil, err
	}
	q := "SELECT id, doc FROM " + c.Name
	var args []any
	if index != "" {
		idx, ok := c.index(index)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, c.Name, index)
		}
		q += " WHERE " + column(idx) + " = ?"
		args = append(args, indexValue(value, idx))
	}
	q += " ORDER BY id"

	rows, err := t.tx.QueryContext(ctx, t.db.dialect.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %w", ErrTransactionFailed, c.Name, err)
	}
	defer rows.Close()
	var out []rawRow
	for rows.Next() {
		var r rawRow
		if err := rows.Scan(&r.id, &r.body); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", ErrTransactionFailed, c.Name, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan %s: %w", ErrTransactionFailed, c.Name, err)
	}
	return out, nil
}

// GetAll returns every document of c in id order.
func GetAll[T any, P interface {
	*T
	Document
}](ctx context.Context, tx *Tx, c Collection) ([]T, error) {
	rows, err := tx.rows(ctx, c, "", nil)
	if err != nil {
		return nil, err
	}
	return decodeRows[T, P](c, rows)
}

// GetAllByIndex returns the documents of c whose index equals value, in id
// order.
func GetAllByIndex[T any, P interface {
	*T
	Document
}](ctx context.Context, tx *Tx, c Collection, index string, value any) ([]T, error) {
	rows, err := tx.rows(ctx, c, index, value)
	if err != nil {
		return nil, err
	}
	return decodeRows[T, P](c, rows)
}

func decodeRows[T any, P interface {
	*T
	Document
}](c Collection, rows []rawRow) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		var v T
		if err := json.Unmarshal([]byte(r.body), P(&v)); err != nil {
			return nil, fmt.Errorf("%w: decode %s/%d: %w", ErrTransactionFailed, c.Name, r.id, err)
		}
		P(&v).SetDocID(r.id)
		out = append(out, v)
	}
	return out, nil
}

// indexValue converts a document or query value into its column form:
// booleans become 0/1, numeric indexes hold integers, others hold text.
func indexValue(v any, idx Index) any {
	if v == nil {
		return nil
	}
	if idx.Numeric {
		if n, ok := asInt(v); ok {
			return n
		}
		return nil
	}
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(x)
	}
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		if f, err := x.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
