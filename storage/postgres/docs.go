package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/go-doc-sync/crdt"
	syncErrors "github.com/c0deZ3R0/go-doc-sync/errors"
	"github.com/c0deZ3R0/go-doc-sync/storage"
)

// EnsureDoc creates the location's schema and tables on first use and then
// the document's snapshot row. Seed updates are only written together with a
// new snapshot row.
func (p *Persister) EnsureDoc(ctx context.Context, docID, location string, opts ...storage.EnsureOption) error {
	if err := storage.ValidateDocID(docID); err != nil {
		return wrap(err, syncErrors.OpEnsure, docID, location)
	}
	o, err := storage.ResolveEnsureOptions(p.engine, opts)
	if err != nil {
		return wrap(err, syncErrors.OpEnsure, docID, location)
	}

	schema, err := p.store(ctx, location)
	if errors.Is(err, storage.ErrStoreNotFound) {
		p.logger.Info("Store not found, creating it", slog.String("location", location))
		schema, err = p.createStore(ctx, location)
	}
	if err != nil {
		return wrap(err, syncErrors.OpEnsure, docID, location)
	}

	key := storage.EscapeDocID(docID)
	err = withTx(ctx, p.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s.doc_snapshots (doc_key, snapshot) VALUES ($1, $2) ON CONFLICT (doc_key) DO NOTHING`, schema),
			key, o.Snapshot)
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		// a fresh snapshot row must not inherit rows left by an earlier incarnation
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s.doc_updates WHERE doc_key = $1`, schema), key); err != nil {
			return fmt.Errorf("clear stale updates: %w", err)
		}
		return insertUpdates(ctx, tx, schema, key, o.Updates)
	})
	return wrap(err, syncErrors.OpEnsure, docID, location)
}

// createStore creates the schema and its tables. An advisory lock keyed on
// the schema name serialises concurrent creators.
func (p *Persister) createStore(ctx context.Context, location string) (string, error) {
	name := SchemaName(location)
	schema := pq.QuoteIdentifier(name)
	err := withTx(ctx, p.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, name); err != nil {
			return err
		}
		stmts := []string{
			fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.doc_snapshots (
				doc_key  TEXT PRIMARY KEY,
				snapshot BYTEA NOT NULL
			)`, schema),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.doc_updates (
				id      BIGSERIAL PRIMARY KEY,
				doc_key TEXT NOT NULL,
				update_ BYTEA NOT NULL
			)`, schema),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS doc_updates_doc_key_idx ON %s.doc_updates (doc_key, id)`, schema),
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	return schema, err
}

func insertUpdates(ctx context.Context, tx *sql.Tx, schema, key string, updates [][]byte) error {
	if len(updates) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf(`INSERT INTO %s.doc_updates (doc_key, update_) VALUES ($1, $2)`, schema))
	if err != nil {
		return fmt.Errorf("prepare update insert: %w", err)
	}
	defer stmt.Close()
	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, key, u); err != nil {
			return fmt.Errorf("insert update: %w", err)
		}
	}
	return nil
}

// DocExists reports whether the document's snapshot row exists. A missing
// store is reported as false.
func (p *Persister) DocExists(ctx context.Context, docID, location string) (bool, error) {
	schema, err := p.store(ctx, location)
	if errors.Is(err, storage.ErrStoreNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrap(err, syncErrors.OpLoad, docID, location)
	}
	var exists bool
	err = p.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s.doc_snapshots WHERE doc_key = $1)`, schema),
		storage.EscapeDocID(docID)).Scan(&exists)
	if err != nil {
		return false, wrap(err, syncErrors.OpLoad, docID, location)
	}
	return exists, nil
}

func (p *Persister) AllDocIDs(ctx context.Context, location string) ([]string, error) {
	schema, err := p.store(ctx, location)
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad, "", location)
	}
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc_key FROM %s.doc_snapshots ORDER BY doc_key`, schema))
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad, "", location)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrap(err, syncErrors.OpLoad, "", location)
		}
		id, err := storage.UnescapeDocID(key)
		if err != nil {
			p.logger.Warn("Skipping undecodable doc key", slog.String("doc_key", key), slog.String("error", err.Error()))
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, syncErrors.OpLoad, "", location)
	}
	return ids, nil
}

func (p *Persister) DeleteDoc(ctx context.Context, docID, location string) error {
	schema, err := p.store(ctx, location)
	if err != nil {
		return wrap(err, syncErrors.OpDelete, docID, location)
	}
	key := storage.EscapeDocID(docID)
	err = withTx(ctx, p.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s.doc_snapshots WHERE doc_key = $1`, schema), key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s.doc_updates WHERE doc_key = $1`, schema), key)
		return err
	})
	return wrap(err, syncErrors.OpDelete, docID, location)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// loadSnapshot reads the snapshot row. lockRow takes a row lock so the
// caller's transaction owns the document until it commits.
func loadSnapshot(ctx context.Context, q querier, schema, key string, lockRow bool) ([]byte, error) {
	query := fmt.Sprintf(`SELECT snapshot FROM %s.doc_snapshots WHERE doc_key = $1`, schema)
	if lockRow {
		query += ` FOR UPDATE`
	}
	var snapshot []byte
	err := q.QueryRowContext(ctx, query, key).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrDocNotFound
	}
	return snapshot, err
}

func loadUpdates(ctx context.Context, q querier, schema, key string) ([][]byte, error) {
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf(`SELECT update_ FROM %s.doc_updates WHERE doc_key = $1 ORDER BY id`, schema), key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	updates := [][]byte{}
	for rows.Next() {
		var u []byte
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan update row: %w", err)
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func (p *Persister) LoadSnapshot(ctx context.Context, docID, location string) ([]byte, error) {
	schema, err := p.store(ctx, location)
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad, docID, location)
	}
	snapshot, err := loadSnapshot(ctx, p.db, schema, storage.EscapeDocID(docID), false)
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad, docID, location)
	}
	return snapshot, nil
}

func (p *Persister) LoadUpdates(ctx context.Context, docID, location string) ([][]byte, error) {
	schema, err := p.store(ctx, location)
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad, docID, location)
	}
	key := storage.EscapeDocID(docID)
	var updates [][]byte
	err = withTx(ctx, p.db, func(tx *sql.Tx) error {
		if _, err := loadSnapshot(ctx, tx, schema, key, false); err != nil {
			return err
		}
		var err error
		updates, err = loadUpdates(ctx, tx, schema, key)
		return err
	})
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad, docID, location)
	}
	return updates, nil
}

func (p *Persister) LoadBatch(ctx context.Context, docID, location string, doc crdt.Doc) error {
	schema, err := p.store(ctx, location)
	if err != nil {
		return wrap(err, syncErrors.OpLoad, docID, location)
	}
	key := storage.EscapeDocID(docID)
	var (
		snapshot []byte
		updates  [][]byte
	)
	err = withTx(ctx, p.db, func(tx *sql.Tx) error {
		var err error
		if snapshot, err = loadSnapshot(ctx, tx, schema, key, false); err != nil {
			return err
		}
		updates, err = loadUpdates(ctx, tx, schema, key)
		return err
	})
	if err != nil {
		return wrap(err, syncErrors.OpLoad, docID, location)
	}
	if err := storage.Replay(doc, snapshot, updates); err != nil {
		return wrap(err, syncErrors.OpLoad, docID, location)
	}
	return nil
}

func (p *Persister) Load(ctx context.Context, docID, location string, doc crdt.Doc) error {
	if err := p.EnsureDoc(ctx, docID, location); err != nil {
		return err
	}
	return p.LoadBatch(ctx, docID, location, doc)
}

func saveSnapshot(ctx context.Context, tx *sql.Tx, schema, key string, snapshot []byte) error {
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s.doc_snapshots SET snapshot = $2 WHERE doc_key = $1`, schema), key, snapshot)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrDocNotFound
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s.doc_updates WHERE doc_key = $1`, schema), key); err != nil {
		return fmt.Errorf("clear updates: %w", err)
	}
	return nil
}

func (p *Persister) SaveSnapshot(ctx context.Context, docID, location string, snapshot []byte) error {
	schema, err := p.store(ctx, location)
	if err != nil {
		return wrap(err, syncErrors.OpSave, docID, location)
	}
	err = withTx(ctx, p.db, func(tx *sql.Tx) error {
		return saveSnapshot(ctx, tx, schema, storage.EscapeDocID(docID), snapshot)
	})
	return wrap(err, syncErrors.OpSave, docID, location)
}

// SaveUpdates appends updates while holding the document's snapshot row lock,
// so concurrent batches never interleave.
func (p *Persister) SaveUpdates(ctx context.Context, docID, location string, updates [][]byte) error {
	if len(updates) == 0 {
		return nil
	}
	schema, err := p.store(ctx, location)
	if err != nil {
		return wrap(err, syncErrors.OpSave, docID, location)
	}
	key := storage.EscapeDocID(docID)
	err = withTx(ctx, p.db, func(tx *sql.Tx) error {
		if _, err := loadSnapshot(ctx, tx, schema, key, true); err != nil {
			return err
		}
		return insertUpdates(ctx, tx, schema, key, updates)
	})
	return wrap(err, syncErrors.OpSave, docID, location)
}

func (p *Persister) compactDoc(ctx context.Context, schema, key string) error {
	return withTx(ctx, p.db, func(tx *sql.Tx) error {
		snapshot, err := loadSnapshot(ctx, tx, schema, key, true)
		if err != nil {
			return err
		}
		updates, err := loadUpdates(ctx, tx, schema, key)
		if err != nil {
			return err
		}
		compacted, err := storage.Compact(p.engine, snapshot, updates)
		if err != nil {
			return err
		}
		return saveSnapshot(ctx, tx, schema, key, compacted)
	})
}

func (p *Persister) ShrinkDoc(ctx context.Context, docID, location string, vacuum bool) (storage.ShrinkResult, error) {
	var res storage.ShrinkResult
	schema, err := p.store(ctx, location)
	if err != nil {
		return res, wrap(err, syncErrors.OpShrink, docID, location)
	}
	if res.BeforeSize, err = p.size(ctx, location); err != nil {
		return res, wrap(err, syncErrors.OpShrink, docID, location)
	}
	if err := p.compactDoc(ctx, schema, storage.EscapeDocID(docID)); err != nil {
		return res, wrap(err, syncErrors.OpShrink, docID, location)
	}
	if vacuum {
		if err := p.Vacuum(ctx, location); err != nil {
			return res, err
		}
	}
	if res.AfterSize, err = p.size(ctx, location); err != nil {
		return res, wrap(err, syncErrors.OpShrink, docID, location)
	}
	return res, nil
}

func (p *Persister) ShrinkAll(ctx context.Context, location string) (storage.ShrinkResult, error) {
	var res storage.ShrinkResult
	schema, err := p.store(ctx, location)
	if err != nil {
		return res, wrap(err, syncErrors.OpShrink, "", location)
	}
	if res.BeforeSize, err = p.size(ctx, location); err != nil {
		return res, wrap(err, syncErrors.OpShrink, "", location)
	}
	ids, err := p.AllDocIDs(ctx, location)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		if err := p.compactDoc(ctx, schema, storage.EscapeDocID(id)); err != nil {
			return res, wrap(err, syncErrors.OpShrink, id, location)
		}
	}
	if err := p.Vacuum(ctx, location); err != nil {
		return res, err
	}
	if res.AfterSize, err = p.size(ctx, location); err != nil {
		return res, wrap(err, syncErrors.OpShrink, "", location)
	}
	p.logger.Info("Shrunk store",
		slog.String("location", location),
		slog.Int("documents", len(ids)),
		slog.Int64("before_size", res.BeforeSize),
		slog.Int64("after_size", res.AfterSize),
	)
	return res, nil
}

// Vacuum rewrites both tables to return free space to the operating system.
func (p *Persister) Vacuum(ctx context.Context, location string) error {
	schema, err := p.store(ctx, location)
	if err != nil {
		return wrap(err, syncErrors.OpShrink, "", location)
	}
	for _, table := range []string{"doc_snapshots", "doc_updates"} {
		if _, err := p.db.ExecContext(ctx, fmt.Sprintf(`VACUUM FULL %s.%s`, schema, table)); err != nil {
			return wrap(fmt.Errorf("vacuum %s: %w", table, err), syncErrors.OpShrink, "", location)
		}
	}
	return nil
}

func (p *Persister) StoreSize(ctx context.Context, location string) (int64, error) {
	if _, err := p.store(ctx, location); err != nil {
		return 0, wrap(err, syncErrors.OpLoad, "", location)
	}
	size, err := p.size(ctx, location)
	return size, wrap(err, syncErrors.OpLoad, "", location)
}

func (p *Persister) size(ctx context.Context, location string) (int64, error) {
	var size int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(pg_total_relation_size(c.oid)), 0)::BIGINT
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind = 'r'`, SchemaName(location)).Scan(&size)
	return size, err
}
