// Package catalog persists streams, images, artifacts and mirror jobs
// in SQLite. All writes happen through short transactions via InTx;
// reads accept either the store's DB handle or an open transaction.
package catalog

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_id TEXT NOT NULL UNIQUE,
	path TEXT,
	datatype TEXT,
	format TEXT,
	source_index_url TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS images (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_id INTEGER NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
	product_id TEXT NOT NULL,
	name TEXT NOT NULL,
	image_type TEXT NOT NULL,
	status TEXT NOT NULL,
	origin_product_url TEXT,
	origin_index_url TEXT,
	os TEXT,
	release TEXT,
	version TEXT,
	arch TEXT,
	subarch TEXT,
	label TEXT,
	kflavor TEXT,
	krel TEXT,
	build_id TEXT,
	meta TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (stream_id, product_id)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	ftype TEXT,
	relative_path TEXT NOT NULL,
	size INTEGER,
	sha256 TEXT,
	source_url TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS mirror_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id TEXT NOT NULL,
	index_url TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	message TEXT,
	progress INTEGER NOT NULL DEFAULT 0,
	image_id INTEGER,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	started_at DATETIME,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_images_stream ON images(stream_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_image ON artifacts(image_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON mirror_jobs(status);
-- At most one live job per product, enforced even across processes.
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_product
	ON mirror_jobs(product_id) WHERE status IN ('queued', 'running');
`

// Store wraps the SQLite database holding the catalog.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the catalog database at path and
// applies the schema. Foreign keys are enforced and WAL mode keeps
// readers unblocked while the worker writes.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for read-only queries outside a transaction.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// InTx runs fn inside a transaction, committing on nil and rolling
// back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rollbackErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
