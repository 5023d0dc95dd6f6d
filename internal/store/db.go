// Package store provides SQLite-based persistence for reconciler snapshots.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JohanCodinha/lineardo/internal/reconcile"
	"github.com/JohanCodinha/lineardo/internal/statemap"
)

// DB represents a SQLite database holding per-team snapshots.
type DB struct {
	path string
	conn *sql.DB
}

// createItemsTableSQL defines the schema for snapshot items.
const createItemsTableSQL = `
CREATE TABLE IF NOT EXISTS snapshot_items (
    account TEXT NOT NULL,
    team TEXT NOT NULL,
    remote_id TEXT NOT NULL,
    uid TEXT NOT NULL,
    summary TEXT NOT NULL,
    description TEXT,
    due TEXT,
    status TEXT NOT NULL,
    unmapped INTEGER DEFAULT 0,
    UNIQUE(account, team, remote_id)
);
`

// createSyncStateTableSQL defines the schema for per-team sync bookkeeping.
const createSyncStateTableSQL = `
CREATE TABLE IF NOT EXISTS sync_state (
    account TEXT NOT NULL,
    team TEXT NOT NULL,
    last_synced_at TEXT,
    healthy INTEGER DEFAULT 1,
    last_error TEXT,
    UNIQUE(account, team)
);
`

// InitDB creates or opens a SQLite database at the given path and initializes the schema.
func InitDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer, so limit to one connection to
	// prevent "database is locked" errors when commands and polls overlap.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec(createItemsTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create snapshot_items table: %w", err)
	}
	if _, err := conn.Exec(createSyncStateTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create sync_state table: %w", err)
	}

	return &DB{path: path, conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// LoadSnapshot returns the committed snapshot for a team, or an empty one if
// the team has never synced.
func (db *DB) LoadSnapshot(account, team string) (reconcile.Snapshot, error) {
	rows, err := db.conn.Query(`
		SELECT remote_id, uid, summary, description, due, status, unmapped
		FROM snapshot_items WHERE account = ? AND team = ?`, account, team)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	snap := reconcile.Snapshot{}
	for rows.Next() {
		var item reconcile.Item
		var description, due sql.NullString
		var status string
		var unmapped int
		if err := rows.Scan(&item.RemoteID, &item.UID, &item.Summary, &description, &due, &status, &unmapped); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot item: %w", err)
		}
		item.Description = description.String
		item.Due = due.String
		item.Unmapped = unmapped != 0
		switch status {
		case statemap.StatusCompleted.String():
			item.Status = statemap.StatusCompleted
		default:
			item.Status = statemap.StatusNeedsAction
		}
		snap[item.RemoteID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot rows: %w", err)
	}
	return snap, nil
}

// SaveSnapshot replaces a team's committed snapshot atomically.
func (db *DB) SaveSnapshot(account, team string, snap reconcile.Snapshot) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM snapshot_items WHERE account = ? AND team = ?`, account, team); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO snapshot_items (account, team, remote_id, uid, summary, description, due, status, unmapped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range snap {
		unmapped := 0
		if item.Unmapped {
			unmapped = 1
		}
		_, err := stmt.Exec(account, team, item.RemoteID, item.UID, item.Summary,
			sql.NullString{String: item.Description, Valid: item.Description != ""},
			sql.NullString{String: item.Due, Valid: item.Due != ""},
			item.Status.String(), unmapped)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// SyncState records the outcome of a team's last reconciliation cycle.
type SyncState struct {
	Account      string
	Team         string
	LastSyncedAt time.Time
	Healthy      bool
	LastError    string
}

// RecordSync upserts a team's sync bookkeeping row.
func (db *DB) RecordSync(state SyncState) error {
	healthy := 0
	if state.Healthy {
		healthy = 1
	}
	_, err := db.conn.Exec(`
		INSERT OR REPLACE INTO sync_state (account, team, last_synced_at, healthy, last_error)
		VALUES (?, ?, ?, ?, ?)`,
		state.Account, state.Team,
		sql.NullString{String: state.LastSyncedAt.UTC().Format(time.RFC3339), Valid: !state.LastSyncedAt.IsZero()},
		healthy,
		sql.NullString{String: state.LastError, Valid: state.LastError != ""})
	if err != nil {
		return fmt.Errorf("failed to record sync state: %w", err)
	}
	return nil
}

// SyncStates returns all sync bookkeeping rows, ordered by account then team.
func (db *DB) SyncStates() ([]SyncState, error) {
	rows, err := db.conn.Query(`
		SELECT account, team, last_synced_at, healthy, last_error
		FROM sync_state ORDER BY account, team`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync state: %w", err)
	}
	defer rows.Close()

	var states []SyncState
	for rows.Next() {
		var s SyncState
		var syncedAt, lastErr sql.NullString
		var healthy int
		if err := rows.Scan(&s.Account, &s.Team, &syncedAt, &healthy, &lastErr); err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		if syncedAt.Valid {
			if t, err := time.Parse(time.RFC3339, syncedAt.String); err == nil {
				s.LastSyncedAt = t
			}
		}
		s.Healthy = healthy != 0
		s.LastError = lastErr.String
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sync state rows: %w", err)
	}
	return states, nil
}
