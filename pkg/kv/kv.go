// Package kv provides a namespaced, synchronously durable key-value store
// backed by SQLite. Reads on missing keys return the caller's fallback and
// write failures are logged and swallowed, so callers can treat
// configuration access as infallible.
package kv

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/twoyi/twoyi-server/pkg/errors"
	_ "modernc.org/sqlite"
)

// Schema defines the single settings table. Values are stored as TEXT;
// typed accessors parse on read.
const Schema = `
CREATE TABLE IF NOT EXISTS app_kv (
    ns TEXT NOT NULL,
    k  TEXT NOT NULL,
    v  TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (ns, k)
);
`

// Store is a handle to the settings database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the settings database at path.
func Open(path string) (*Store, error) {
	slog.Info("kv_open", "path", path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create kv directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open kv database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create kv schema")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Namespace returns a view of the store scoped to ns.
func (s *Store) Namespace(ns string) *Namespace {
	return &Namespace{store: s, ns: ns}
}

// Namespace is a scoped view of a Store. All methods commit before
// returning; SQLite runs in its default synchronous mode so a returned
// write is on disk.
type Namespace struct {
	store *Store
	ns    string
}

func (n *Namespace) get(key string) (string, bool) {
	var v string
	err := n.store.db.QueryRow(
		`SELECT v FROM app_kv WHERE ns = ? AND k = ?`, n.ns, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		slog.Error("kv_read_failed", "ns", n.ns, "key", key, "error", err)
		return "", false
	}
	return v, true
}

func (n *Namespace) set(key, value string) {
	_, err := n.store.db.Exec(`
		INSERT INTO app_kv (ns, k, v) VALUES (?, ?, ?)
		ON CONFLICT (ns, k) DO UPDATE SET v = excluded.v, updated_at = CURRENT_TIMESTAMP`,
		n.ns, key, value)
	if err != nil {
		slog.Error("kv_write_failed", "ns", n.ns, "key", key, "error", err)
	}
}

// GetString returns the stored value for key, or fallback if absent.
func (n *Namespace) GetString(key, fallback string) string {
	if v, ok := n.get(key); ok {
		return v
	}
	return fallback
}

// SetString stores value under key.
func (n *Namespace) SetString(key, value string) {
	n.set(key, value)
}

// GetBool returns the stored boolean for key, or fallback if absent or
// unparseable.
func (n *Namespace) GetBool(key string, fallback bool) bool {
	if v, ok := n.get(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// SetBool stores value under key.
func (n *Namespace) SetBool(key string, value bool) {
	n.set(key, strconv.FormatBool(value))
}

// GetInt returns the stored integer for key, or fallback if absent or
// unparseable.
func (n *Namespace) GetInt(key string, fallback int) int {
	if v, ok := n.get(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// SetInt stores value under key.
func (n *Namespace) SetInt(key string, value int) {
	n.set(key, strconv.Itoa(value))
}
