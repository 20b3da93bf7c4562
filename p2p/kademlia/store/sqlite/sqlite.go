// Package sqlite persists DHT snapshots: the routing parameters and the
// neighbor list a restarted node can bootstrap from.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/domain"
)

const (
	dbBusyTimeout = 5 * time.Second

	createMetaTable = `
CREATE TABLE IF NOT EXISTS snapshot_meta (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  k INTEGER NOT NULL,
  alpha INTEGER NOT NULL,
  node_id BLOB NOT NULL,
  saved_at_unix INTEGER NOT NULL
);`

	createNeighborsTable = `
CREATE TABLE IF NOT EXISTS snapshot_neighbors (
  position INTEGER NOT NULL,
  id BLOB PRIMARY KEY,
  ip TEXT NOT NULL,
  port INTEGER NOT NULL,
  vk BLOB
);`
)

// ErrNoSnapshot is returned by Load when nothing was saved yet.
var ErrNoSnapshot = errors.New("no snapshot saved")

// Store is a sqlite backed snapshot file
type Store struct {
	db *sqlx.DB
}

// NewStore opens (creating if needed) the snapshot database at path.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("cannot create snapshot dir: %w", err)
		}
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("cannot open snapshot sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", int64(dbBusyTimeout/time.Millisecond)),
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("cannot set sqlite database parameter: %w", err)
		}
	}

	for _, stmt := range []string{createMetaTable, createNeighborsTable} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("cannot create snapshot tables: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save replaces the stored snapshot.
func (s *Store) Save(ctx context.Context, snap domain.Snapshot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_neighbors`); err != nil {
		return fmt.Errorf("clear neighbors: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta (id, k, alpha, node_id, saved_at_unix)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   k=excluded.k,
		   alpha=excluded.alpha,
		   node_id=excluded.node_id,
		   saved_at_unix=excluded.saved_at_unix`,
		snap.K, snap.Alpha, snap.ID, snap.SavedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot_meta: %w", err)
	}

	for i, c := range snap.Neighbors {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO snapshot_neighbors (position, id, ip, port, vk) VALUES (?, ?, ?, ?, ?)`,
			i, c.ID, c.IP, c.Port, c.VK,
		)
		if err != nil {
			return fmt.Errorf("insert neighbor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load returns the stored snapshot, or ErrNoSnapshot.
func (s *Store) Load(ctx context.Context) (domain.Snapshot, error) {
	if s == nil || s.db == nil {
		return domain.Snapshot{}, fmt.Errorf("store not initialized")
	}

	var meta struct {
		K           int    `db:"k"`
		Alpha       int    `db:"alpha"`
		NodeID      []byte `db:"node_id"`
		SavedAtUnix int64  `db:"saved_at_unix"`
	}
	err := s.db.GetContext(ctx, &meta, `SELECT k, alpha, node_id, saved_at_unix FROM snapshot_meta WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("select snapshot_meta: %w", err)
	}

	var neighbors []domain.Contact
	if err := s.db.SelectContext(ctx, &neighbors, `SELECT id, ip, port, vk FROM snapshot_neighbors ORDER BY position`); err != nil {
		return domain.Snapshot{}, fmt.Errorf("select neighbors: %w", err)
	}

	return domain.Snapshot{
		K:         meta.K,
		Alpha:     meta.Alpha,
		ID:        meta.NodeID,
		Neighbors: neighbors,
		SavedAt:   time.Unix(meta.SavedAtUnix, 0).UTC(),
	}, nil
}
