package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/c0deZ3R0/go-doc-sync/crdt"
	syncErrors "github.com/c0deZ3R0/go-doc-sync/errors"
	"github.com/c0deZ3R0/go-doc-sync/storage"
)

const snapshotPrefix = "doc_snapshot_"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tableExists(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	return n > 0, err
}

// regions reports which of the document's two tables exist.
func regions(ctx context.Context, q querier, docID string) (snapshot, updates bool, err error) {
	if snapshot, err = tableExists(ctx, q, storage.SnapshotTable(docID)); err != nil {
		return false, false, err
	}
	updates, err = tableExists(ctx, q, storage.UpdatesTable(docID))
	return snapshot, updates, err
}

func requireRegions(ctx context.Context, q querier, docID string) error {
	snap, upd, err := regions(ctx, q, docID)
	if err != nil {
		return err
	}
	if !snap || !upd {
		return storage.ErrDocNotFound
	}
	return nil
}

// withTx runs fn in one immediate transaction.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertUpdates(ctx context.Context, tx *sql.Tx, docID string, updates [][]byte) error {
	if len(updates) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf(`INSERT INTO "%s" (update_) VALUES (?)`, storage.UpdatesTable(docID)))
	if err != nil {
		return fmt.Errorf("prepare update insert: %w", err)
	}
	defer stmt.Close()
	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u); err != nil {
			return fmt.Errorf("insert update: %w", err)
		}
	}
	return nil
}

// EnsureDoc creates the database file when it does not exist and then any
// missing region of the document. An existing empty snapshot table is seeded
// too.
func (p *Persister) EnsureDoc(ctx context.Context, docID, location string, opts ...storage.EnsureOption) error {
	if err := storage.ValidateDocID(docID); err != nil {
		return wrap(err, syncErrors.OpEnsure, docID, location)
	}
	o, err := storage.ResolveEnsureOptions(p.engine, opts)
	if err != nil {
		return wrap(err, syncErrors.OpEnsure, docID, location)
	}

	db, err := p.open(ctx, location, false)
	if errors.Is(err, storage.ErrStoreNotFound) {
		p.logger.Info("Store not found, creating it", slog.String("location", location))
		db, err = p.open(ctx, location, true)
	}
	if err != nil {
		return wrap(err, syncErrors.OpEnsure, docID, location)
	}

	snapTable, updTable := storage.SnapshotTable(docID), storage.UpdatesTable(docID)
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		hasSnap, hasUpd, err := regions(ctx, tx, docID)
		if err != nil {
			return err
		}

		if !hasSnap {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`CREATE TABLE "%s" (snapshot BLOB NOT NULL)`, snapTable)); err != nil {
				return fmt.Errorf("create snapshot table: %w", err)
			}
		}
		var rows int
		if err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, snapTable)).Scan(&rows); err != nil {
			return fmt.Errorf("count snapshot rows: %w", err)
		}
		if rows == 0 {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO "%s" (snapshot) VALUES (?)`, snapTable), o.Snapshot); err != nil {
				return fmt.Errorf("insert snapshot: %w", err)
			}
		}

		if !hasUpd {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`CREATE TABLE "%s" (id INTEGER PRIMARY KEY AUTOINCREMENT, update_ BLOB NOT NULL)`, updTable)); err != nil {
				return fmt.Errorf("create updates table: %w", err)
			}
			return insertUpdates(ctx, tx, docID, o.Updates)
		}
		return nil
	})
	return wrap(err, syncErrors.OpEnsure, docID, location)
}

// DocExists reports whether both regions exist. A missing store is reported
// as false.
func (p *Persister) DocExists(ctx context.Context, docID, location string) (bool, error) {
	db, err := p.open(ctx, location, false)
	if errors.Is(err, storage.ErrStoreNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrap(err, syncErrors.OpLoad, docID, location)
	}
	snap, upd, err := regions(ctx, db, docID)
	if err != nil {
		return false, wrap(err, syncErrors.OpLoad, docID, location)
	}
	return snap && upd, nil
}

// AllDocIDs lists every document with a snapshot table. Tables whose names
// do not unescape are skipped.
func (p *Persister) AllDocIDs(ctx context.Context, location string) ([]string, error) {
	db, err := p.open(ctx, location, false)
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad, "", location)
	}
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name GLOB 'doc_snapshot_*' ORDER BY name`)
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad, "", location)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrap(err, syncErrors.OpLoad, "", location)
		}
		id, err := storage.UnescapeDocID(strings.TrimPrefix(name, snapshotPrefix))
		if err != nil {
			p.logger.Warn("Skipping table with undecodable name",
				slog.String("table", name), slog.String("error", err.Error()))
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, syncErrors.OpLoad, "", location)
	}
	return ids, nil
}

// DeleteDoc drops both regions. Deleting a missing document is not an error.
func (p *Persister) DeleteDoc(ctx context.Context, docID, location string) error {
	db, err := p.open(ctx, location, false)
	if err != nil {
		return wrap(err, syncErrors.OpDelete, docID, location)
	}
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		for _, table := range []string{storage.SnapshotTable(docID), storage.UpdatesTable(docID)} {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, table)); err != nil {
				return fmt.Errorf("drop %s: %w", table, err)
			}
		}
		return nil
	})
	return wrap(err, syncErrors.OpDelete, docID, location)
}

func loadSnapshot(ctx context.Context, q querier, docID string) ([]byte, error) {
	if err := requireRegions(ctx, q, docID); err != nil {
		return nil, err
	}
	var snapshot []byte
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT snapshot FROM "%s" LIMIT 1`, storage.SnapshotTable(docID))).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrDocNotFound
	}
	return snapshot, err
}

func loadUpdates(ctx context.Context, q querier, docID string) ([][]byte, error) {
	if err := requireRegions(ctx, q, docID); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf(`SELECT update_ FROM "%s" ORDER BY id`, storage.UpdatesTable(docID)))
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
	db, err := p.open(ctx, location, false)
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad, docID, location)
	}
	snapshot, err := loadSnapshot(ctx, db, docID)
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad, docID, location)
	}
	return snapshot, nil
}

func (p *Persister) LoadUpdates(ctx context.Context, docID, location string) ([][]byte, error) {
	db, err := p.open(ctx, location, false)
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad, docID, location)
	}
	updates, err := loadUpdates(ctx, db, docID)
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad, docID, location)
	}
	return updates, nil
}

// LoadBatch reads the snapshot and the update log in one transaction and
// imports them into doc.
func (p *Persister) LoadBatch(ctx context.Context, docID, location string, doc crdt.Doc) error {
	db, err := p.open(ctx, location, false)
	if err != nil {
		return wrap(err, syncErrors.OpLoad, docID, location)
	}
	var (
		snapshot []byte
		updates  [][]byte
	)
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		if snapshot, err = loadSnapshot(ctx, tx, docID); err != nil {
			return err
		}
		updates, err = loadUpdates(ctx, tx, docID)
		return err
	})
	if err != nil {
		return wrap(err, syncErrors.OpLoad, docID, location)
	}
	if err := storage.Replay(doc, snapshot, updates); err != nil {
		return wrap(err, syncErrors.OpLoad, docID, location)
	}
	p.logger.Debug("Loaded document",
		slog.String("doc_id", docID),
		slog.String("location", location),
		slog.Int("updates", len(updates)),
	)
	return nil
}

func (p *Persister) Load(ctx context.Context, docID, location string, doc crdt.Doc) error {
	if err := p.EnsureDoc(ctx, docID, location); err != nil {
		return err
	}
	return p.LoadBatch(ctx, docID, location, doc)
}

func saveSnapshot(ctx context.Context, tx *sql.Tx, docID string, snapshot []byte) error {
	if err := requireRegions(ctx, tx, docID); err != nil {
		return err
	}
	snapTable := storage.SnapshotTable(docID)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, snapTable)); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO "%s" (snapshot) VALUES (?)`, snapTable), snapshot); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM "%s"`, storage.UpdatesTable(docID))); err != nil {
		return fmt.Errorf("clear updates: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the snapshot and clears the update log atomically.
func (p *Persister) SaveSnapshot(ctx context.Context, docID, location string, snapshot []byte) error {
	db, err := p.open(ctx, location, false)
	if err != nil {
		return wrap(err, syncErrors.OpSave, docID, location)
	}
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		return saveSnapshot(ctx, tx, docID, snapshot)
	})
	return wrap(err, syncErrors.OpSave, docID, location)
}

// SaveUpdates appends updates in one transaction.
func (p *Persister) SaveUpdates(ctx context.Context, docID, location string, updates [][]byte) error {
	if len(updates) == 0 {
		return nil
	}
	db, err := p.open(ctx, location, false)
	if err != nil {
		return wrap(err, syncErrors.OpSave, docID, location)
	}
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		if err := requireRegions(ctx, tx, docID); err != nil {
			return err
		}
		return insertUpdates(ctx, tx, docID, updates)
	})
	return wrap(err, syncErrors.OpSave, docID, location)
}

// compactDoc folds the update log into the snapshot inside one transaction.
func (p *Persister) compactDoc(ctx context.Context, db *sql.DB, docID string) error {
	return withTx(ctx, db, func(tx *sql.Tx) error {
		snapshot, err := loadSnapshot(ctx, tx, docID)
		if err != nil {
			return err
		}
		updates, err := loadUpdates(ctx, tx, docID)
		if err != nil {
			return err
		}
		compacted, err := storage.Compact(p.engine, snapshot, updates)
		if err != nil {
			return err
		}
		return saveSnapshot(ctx, tx, docID, compacted)
	})
}

func (p *Persister) ShrinkDoc(ctx context.Context, docID, location string, vacuum bool) (storage.ShrinkResult, error) {
	var res storage.ShrinkResult
	db, err := p.open(ctx, location, false)
	if err != nil {
		return res, wrap(err, syncErrors.OpShrink, docID, location)
	}
	if res.BeforeSize, err = p.size(ctx, db, location); err != nil {
		return res, wrap(err, syncErrors.OpShrink, docID, location)
	}
	if err := p.compactDoc(ctx, db, docID); err != nil {
		return res, wrap(err, syncErrors.OpShrink, docID, location)
	}
	if vacuum {
		if err := p.Vacuum(ctx, location); err != nil {
			return res, err
		}
	}
	if res.AfterSize, err = p.size(ctx, db, location); err != nil {
		return res, wrap(err, syncErrors.OpShrink, docID, location)
	}
	p.logger.Info("Shrunk document",
		slog.String("doc_id", docID),
		slog.String("location", location),
		slog.Int64("before_size", res.BeforeSize),
		slog.Int64("after_size", res.AfterSize),
	)
	return res, nil
}

func (p *Persister) ShrinkAll(ctx context.Context, location string) (storage.ShrinkResult, error) {
	var res storage.ShrinkResult
	db, err := p.open(ctx, location, false)
	if err != nil {
		return res, wrap(err, syncErrors.OpShrink, "", location)
	}
	if res.BeforeSize, err = p.size(ctx, db, location); err != nil {
		return res, wrap(err, syncErrors.OpShrink, "", location)
	}
	ids, err := p.AllDocIDs(ctx, location)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		if err := p.compactDoc(ctx, db, id); err != nil {
			return res, wrap(err, syncErrors.OpShrink, id, location)
		}
	}
	if err := p.Vacuum(ctx, location); err != nil {
		return res, err
	}
	if res.AfterSize, err = p.size(ctx, db, location); err != nil {
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

// Vacuum rebuilds the database file to release free pages.
func (p *Persister) Vacuum(ctx context.Context, location string) error {
	db, err := p.open(ctx, location, false)
	if err != nil {
		return wrap(err, syncErrors.OpShrink, "", location)
	}
	if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
		return wrap(fmt.Errorf("vacuum: %w", err), syncErrors.OpShrink, "", location)
	}
	return nil
}

func (p *Persister) StoreSize(ctx context.Context, location string) (int64, error) {
	db, err := p.open(ctx, location, false)
	if err != nil {
		return 0, wrap(err, syncErrors.OpLoad, "", location)
	}
	size, err := p.size(ctx, db, location)
	return size, wrap(err, syncErrors.OpLoad, "", location)
}

// size checkpoints the WAL into the main file before measuring it.
func (p *Persister) size(ctx context.Context, db *sql.DB, location string) (int64, error) {
	if p.config.EnableWAL {
		if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			return 0, fmt.Errorf("wal checkpoint: %w", err)
		}
	}
	fi, err := os.Stat(location)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
