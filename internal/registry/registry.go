// Package registry records one row per compiled .pcbc artifact in a
// local embedded database, backing the CLI's -list subcommand.
package registry

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Artifact is one compiled bytecode blob tracked by the registry.
type Artifact struct {
	Path        string
	SourceHash  string
	Instrs      int
	Bytes       int
	CompiledAt  time.Time
}

// Registry guards a single sqlite-backed connection recording compiled
// artifacts. Safe for concurrent use.
type Registry struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the sqlite database at path and
// ensures its schema exists.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: ping: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	path        TEXT PRIMARY KEY,
	source_hash TEXT NOT NULL,
	instrs      INTEGER NOT NULL,
	bytes       INTEGER NOT NULL,
	compiled_at TIMESTAMP NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create schema: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// HashSource returns the hex SHA-256 digest of source, recorded with
// each compiled artifact so stale-vs-fresh rebuilds can be detected.
func HashSource(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// Record upserts one compiled artifact's metadata.
func (r *Registry) Record(a Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	const stmt = `
INSERT INTO artifacts (path, source_hash, instrs, bytes, compiled_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	source_hash = excluded.source_hash,
	instrs      = excluded.instrs,
	bytes       = excluded.bytes,
	compiled_at = excluded.compiled_at;`
	_, err := r.db.Exec(stmt, a.Path, a.SourceHash, a.Instrs, a.Bytes, a.CompiledAt.UTC())
	if err != nil {
		return fmt.Errorf("registry: record %s: %w", a.Path, err)
	}
	return nil
}

// List returns every tracked artifact, most recently compiled first.
func (r *Registry) List() ([]Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT path, source_hash, instrs, bytes, compiled_at FROM artifacts ORDER BY compiled_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.Path, &a.SourceHash, &a.Instrs, &a.Bytes, &a.CompiledAt); err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Forget removes one artifact's row, e.g. after its .pcbc is deleted.
func (r *Registry) Forget(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`DELETE FROM artifacts WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("registry: forget %s: %w", path, err)
	}
	return nil
}
