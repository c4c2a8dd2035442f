// Package store provides the Rendezvous Server's persistent side channel:
// an audit log of channel lifecycle events and a key/value settings table,
// backed by an embedded SQLite database. The channel registry itself stays
// in-memory and is never persisted here — only the record that it happened.
//
// Migration design follows the ordered-statement convention: SQL strings
// live in [migrations], applied exactly once, tracked in
// schema_migrations. To add a migration, append a new string — never edit
// or reorder existing entries.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — channel lifecycle audit log
	`CREATE TABLE IF NOT EXISTS channel_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL,
		event      TEXT NOT NULL,
		peer_addr  TEXT NOT NULL DEFAULT '',
		port       INTEGER NOT NULL DEFAULT 0,
		reason     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — index for per-channel history lookups
	`CREATE INDEX IF NOT EXISTS idx_channel_events_channel ON channel_events(channel_id)`,
	// v4 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// ErrSettingNotFound is returned by GetSetting for an absent key.
var ErrSettingNotFound = errors.New("store: setting not found")

// Store wraps a SQLite database and exposes the audit log and settings API.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("store: WAL mode unavailable", "err", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("store: busy_timeout unavailable", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("store: applied migration", "version", v)
	}
	return nil
}

// RecordCreate appends a "created" row for channelID.
func (s *Store) RecordCreate(channelID, exposerAddr string, port int) error {
	_, err := s.db.Exec(
		`INSERT INTO channel_events(channel_id, event, peer_addr, port) VALUES(?, 'created', ?, ?)`,
		channelID, exposerAddr, port,
	)
	return err
}

// RecordJoin appends a "joined" row for channelID.
func (s *Store) RecordJoin(channelID, entranceAddr string) error {
	_, err := s.db.Exec(
		`INSERT INTO channel_events(channel_id, event, peer_addr) VALUES(?, 'joined', ?)`,
		channelID, entranceAddr,
	)
	return err
}

// RecordClose appends a "closed" row for channelID with the reason the
// registry gave (e.g. "deleted", "idle_timeout").
func (s *Store) RecordClose(channelID, reason string) error {
	_, err := s.db.Exec(
		`INSERT INTO channel_events(channel_id, event, reason) VALUES(?, 'closed', ?)`,
		channelID, reason,
	)
	return err
}

// ChannelEvent is one row of the audit log.
type ChannelEvent struct {
	ChannelID string    `json:"channel_id"`
	Event     string    `json:"event"`
	PeerAddr  string    `json:"peer_addr,omitempty"`
	Port      int       `json:"port,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecentEvents returns up to limit of the most recent audit log rows,
// newest first.
func (s *Store) RecentEvents(limit int) ([]ChannelEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT channel_id, event, peer_addr, port, reason, created_at
		 FROM channel_events ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ChannelEvent
	for rows.Next() {
		var e ChannelEvent
		var createdAt int64
		if err := rows.Scan(&e.ChannelID, &e.Event, &e.PeerAddr, &e.Port, &e.Reason, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetSetting returns the value stored under key, or ErrSettingNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetSetting upserts key -> value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}
