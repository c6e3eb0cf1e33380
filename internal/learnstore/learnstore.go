// Package learnstore provides a SQLite-backed bookkeeping index over
// what learn mode has discovered: first-seen/last-seen timestamps and
// hit counts per learned identifier, queryable independently of the
// allowlist YAML file itself.
//
// This is not an audit or decision trail — it records no requests,
// responses, or allow/deny outcomes, only "this identifier has been
// observed N times, first at T1, most recently at T2." It exists so
// `learn status` can answer "what's new since I last looked" without
// re-parsing the allowlist file and diffing by hand.
package learnstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Kind identifies which allowlist collection a learned identifier
// belongs to.
type Kind string

const (
	KindEndpoint Kind = "endpoint"
	KindEntity   Kind = "entity"
	KindDevice   Kind = "device"
	KindArea     Kind = "area"
)

// Store is a handle to the learn-store SQLite database. Safe for
// concurrent use; database/sql pools connections internally.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the learn-store database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening learn-store %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS hits (
			kind       TEXT NOT NULL,
			identifier TEXT NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen  TEXT NOT NULL,
			hit_count  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (kind, identifier)
		);
		CREATE INDEX IF NOT EXISTS idx_hits_kind ON hits(kind);
		CREATE INDEX IF NOT EXISTS idx_hits_last_seen ON hits(last_seen);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating learn-store schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordHit upserts a (kind, identifier) observation: increments its
// hit count, updates last_seen to now, and sets first_seen if this is
// the first time it's been recorded.
func (s *Store) RecordHit(kind Kind, identifier string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO hits (kind, identifier, first_seen, last_seen, hit_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(kind, identifier) DO UPDATE SET
			last_seen = excluded.last_seen,
			hit_count = hit_count + 1
	`, string(kind), identifier, now, now)
	if err != nil {
		return fmt.Errorf("recording hit for %s %q: %w", kind, identifier, err)
	}
	return nil
}

// Hit is a single bookkeeping row, as returned by Stats.
type Hit struct {
	Kind      Kind
	ID        string
	FirstSeen time.Time
	LastSeen  time.Time
	HitCount  int
}

// Stats returns every recorded identifier of the given kind, most
// recently seen first. Pass "" to return every kind.
func (s *Store) Stats(kind Kind) ([]Hit, error) {
	query := `SELECT kind, identifier, first_seen, last_seen, hit_count FROM hits`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY last_seen DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying learn-store: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var kindStr, firstSeen, lastSeen string
		if err := rows.Scan(&kindStr, &h.ID, &firstSeen, &lastSeen, &h.HitCount); err != nil {
			return nil, fmt.Errorf("scanning learn-store row: %w", err)
		}
		h.Kind = Kind(kindStr)
		h.FirstSeen, _ = time.Parse(time.RFC3339, firstSeen)
		h.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Counts returns the number of distinct identifiers recorded per kind.
func (s *Store) Counts() (map[Kind]int, error) {
	rows, err := s.db.Query(`SELECT kind, COUNT(*) FROM hits GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("querying learn-store counts: %w", err)
	}
	defer rows.Close()

	counts := map[Kind]int{}
	for rows.Next() {
		var kindStr string
		var n int
		if err := rows.Scan(&kindStr, &n); err != nil {
			return nil, fmt.Errorf("scanning learn-store count row: %w", err)
		}
		counts[Kind(kindStr)] = n
	}
	return counts, rows.Err()
}
