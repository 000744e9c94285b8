package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/italolelis/offline_downloader/internal/download"
	"github.com/italolelis/offline_downloader/internal/persistence"
)

// Persister stores the download snapshot in a SQLite database, one row per
// item plus a single meta row for version and timestamp.
type Persister struct {
	db *sql.DB
}

// New opens (and if needed initializes) the database at dbPath.
func New(dbPath string) (*Persister, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		position INTEGER NOT NULL,
		download_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("failed to create downloads table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshot_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("failed to create snapshot_meta table: %w", err)
	}

	return &Persister{db: db}, nil
}

// SaveState replaces the stored snapshot atomically. Last write wins.
func (p *Persister) SaveState(ctx context.Context, snap *persistence.Snapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM downloads`); err != nil {
		return fmt.Errorf("failed to clear downloads: %w", err)
	}

	for i, entry := range snap.Downloads {
		payload, err := json.Marshal(entry.Item)
		if err != nil {
			return fmt.Errorf("failed to marshal download %s: %w", entry.ID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO downloads (position, download_id, payload) VALUES (?, ?, ?)`,
			i, entry.ID, string(payload),
		); err != nil {
			return fmt.Errorf("failed to insert download %s: %w", entry.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot_meta (id, version, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at
	`, snap.Version, snap.Timestamp.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to update snapshot meta: %w", err)
	}

	return tx.Commit()
}

// LoadState reads the stored snapshot. A database without a meta row yields
// an empty snapshot at the current version.
func (p *Persister) LoadState(ctx context.Context) (*persistence.Snapshot, error) {
	snap := &persistence.Snapshot{Version: persistence.CurrentVersion}

	var updatedAt string

	err := p.db.QueryRowContext(ctx, `SELECT version, updated_at FROM snapshot_meta WHERE id = 1`).
		Scan(&snap.Version, &updatedAt)
	if err == sql.ErrNoRows {
		return snap, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot meta: %w", err)
	}

	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		snap.Timestamp = ts
	}

	rows, err := p.db.QueryContext(ctx, `SELECT download_id, payload FROM downloads ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to read downloads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      string
			payload string
		)

		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan download row: %w", err)
		}

		var item download.Item
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal download %s: %w", id, err)
		}

		snap.Downloads = append(snap.Downloads, persistence.Entry{ID: id, Item: &item})
	}

	return snap, rows.Err()
}

func (p *Persister) Close() error {
	return p.db.Close()
}
