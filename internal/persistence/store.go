// Package persistence caches a still-valid IKEv1 office-mode session to
// disk, keyed by (profile, server), so a reconnect can ask for the same
// lease again and skip the login/MFA exchange; phase 1 still runs.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, no cgo
)

const (
	// DefaultPath is a fixed system-wide location for a single shared db,
	// not per-profile. cmd/nnc does not use it: the service defaults to
	// sessions.db under config.CacheDir().
	DefaultPath = "/var/cache/snx-connector/ike-sessions.db"

	schema = `
CREATE TABLE IF NOT EXISTS ike_session(
	id integer not null primary key,
	profile_uuid text not null,
	server_name text not null,
	data blob not null,
	created_at text not null,
	expires_at text not null,
	UNIQUE(profile_uuid, server_name)
)`
)

// Store persists and restores serialized IKE session blobs (the
// connector hands it opaque bytes produced by isakmp.Session.Save).
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and applies
// its schema. SQLite only supports one writer at a time, so the pool is
// capped at a single connection.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: ping %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Save replaces any previously stored session for (profileID, serverName)
// with data, valid until expiresAt.
func (s *Store) Save(ctx context.Context, profileID, serverName string, data []byte, expiresAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ike_session WHERE profile_uuid = ? AND server_name = ?`,
		profileID, serverName); err != nil {
		return fmt.Errorf("persistence: delete stale session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ike_session (profile_uuid, server_name, data, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		profileID, serverName, data, time.Now().UTC().Format(time.RFC3339), expiresAt.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("persistence: insert session: %w", err)
	}

	return tx.Commit()
}

// Load returns the most recently saved session blob for (profileID,
// serverName), or an error if none exists or it has already expired.
func (s *Store) Load(ctx context.Context, profileID, serverName string) ([]byte, error) {
	var data []byte
	var expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, expires_at FROM ike_session WHERE profile_uuid = ? AND server_name = ?`,
		profileID, serverName).Scan(&data, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("persistence: load session: %w", err)
	}

	expiry, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse expiry: %w", err)
	}
	if time.Now().UTC().After(expiry) {
		_ = s.Delete(ctx, profileID, serverName)
		return nil, fmt.Errorf("persistence: session for %s expired at %s", serverName, expiresAt)
	}

	return data, nil
}

// Delete removes any stored session for (profileID, serverName), used
// when a restore attempt is rejected by the gateway.
func (s *Store) Delete(ctx context.Context, profileID, serverName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ike_session WHERE profile_uuid = ? AND server_name = ?`,
		profileID, serverName)
	if err != nil {
		return fmt.Errorf("persistence: delete session: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
