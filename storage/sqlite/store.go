// Package sqlite provides a SQLite implementation of storage.Persister.
//
// Each location is the path of one database file. A document owns two
// tables named after its escaped ID: doc_snapshot_<id> holds a single
// snapshot row and doc_updates_<id> holds the update log in rowid order.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	stdSync "sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/c0deZ3R0/go-doc-sync/crdt"
	syncErrors "github.com/c0deZ3R0/go-doc-sync/errors"
	"github.com/c0deZ3R0/go-doc-sync/logging"
	"github.com/c0deZ3R0/go-doc-sync/storage"
)

const component = "storage/sqlite"

// Config holds configuration options for the Persister.
//
// DefaultConfig enables WAL mode, a 5s busy timeout and a small connection
// pool per database file.
type Config struct {
	// EnableWAL switches every database to Write-Ahead Logging.
	EnableWAL bool

	// BusyTimeout is how long a writer waits for a competing transaction.
	BusyTimeout time.Duration

	// Logger receives operational logs. Defaults to logging.Default().
	Logger *logging.Logger

	// Connection pool settings applied to every opened database.
	MaxOpenConns    int           // Default: 8
	MaxIdleConns    int           // Default: 2
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

func (c *Config) setDefaults() {
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 8
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	c := &Config{EnableWAL: true}
	c.setDefaults()
	return c
}

// Persister implements storage.Persister on top of SQLite files.
type Persister struct {
	engine crdt.Engine
	config Config
	logger *logging.Logger

	mu     stdSync.Mutex
	dbs    map[string]*sql.DB // location -> db
	closed bool
}

// Compile-time check to ensure Persister satisfies storage.Persister
var _ storage.Persister = (*Persister)(nil)

// New creates a Persister. engine produces the empty snapshot used to seed
// new documents and the scratch documents used for compaction.
func New(engine crdt.Engine, config *Config) (*Persister, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	c := *config
	c.setDefaults()

	return &Persister{
		engine: engine,
		config: c,
		logger: c.Logger.WithComponent(logging.Component(component)),
		dbs:    make(map[string]*sql.DB),
	}, nil
}

func (p *Persister) dsn(location string, create bool) string {
	mode := "rw"
	if create {
		mode = "rwc"
	}
	dsn := fmt.Sprintf("file:%s?mode=%s&_busy_timeout=%d&_txlock=immediate",
		location, mode, p.config.BusyTimeout.Milliseconds())
	if p.config.EnableWAL {
		dsn += "&_journal_mode=WAL"
	}
	return dsn
}

// open returns the cached handle for location. Without create a missing
// database file yields storage.ErrStoreNotFound.
func (p *Persister) open(ctx context.Context, location string, create bool) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, storage.ErrStoreClosed
	}
	if db, ok := p.dbs[location]; ok {
		return db, nil
	}

	if !create {
		if _, err := os.Stat(location); errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrStoreNotFound
		}
	} else if dir := filepath.Dir(location); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", p.dsn(location, create))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(p.config.MaxOpenConns)
	db.SetMaxIdleConns(p.config.MaxIdleConns)
	db.SetConnMaxLifetime(p.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(p.config.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrCantOpen {
			return nil, storage.ErrStoreNotFound
		}
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	p.logger.Info("Opened SQLite store",
		slog.String("location", location),
		slog.Bool("created", create),
		slog.Bool("wal_enabled", p.config.EnableWAL),
	)
	p.dbs[location] = db
	return db, nil
}

// Close closes every open database.
func (p *Persister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for location, db := range p.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", location, err))
		}
	}
	p.dbs = nil
	return errors.Join(errs...)
}

// Stats returns pool statistics for the database at location, if open.
func (p *Persister) Stats(location string) (sql.DBStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	db, ok := p.dbs[location]
	if !ok {
		return sql.DBStats{}, false
	}
	return db.Stats(), true
}

func wrap(err error, op syncErrors.Operation, docID, location string) error {
	if err == nil {
		return nil
	}
	kind := syncErrors.KindInternal
	switch {
	case errors.Is(err, storage.ErrStoreNotFound), errors.Is(err, storage.ErrDocNotFound):
		kind = syncErrors.KindNotFound
	case errors.Is(err, storage.ErrInvalidDocID):
		kind = syncErrors.KindInvalid
	case errors.Is(err, storage.ErrStoreClosed):
		kind = syncErrors.KindUnavailable
	}
	se, ok := syncErrors.E(op, syncErrors.Component(component), kind, syncErrors.ErrCodeStorageFailure, err).(*syncErrors.SyncError)
	if !ok {
		return err
	}
	se.Retryable = kind == syncErrors.KindInternal
	if docID != "" {
		se.WithMetadata("doc_id", docID)
	}
	return se.WithMetadata("location", location)
}
