// Package secretsvault stores declared secret values in a dedicated,
// restrictively-permissioned SQLite file, deduplicated by (type, value).
package secretsvault

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lightspeeddms/pacemaker/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS secrets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	value TEXT NOT NULL,
	created_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
	UNIQUE(type, value)
);
CREATE INDEX IF NOT EXISTS idx_secrets_type ON secrets(type);

CREATE TABLE IF NOT EXISTS secrets_metrics (
	bucket_timestamp INTEGER PRIMARY KEY,
	secrets_masked_count INTEGER NOT NULL DEFAULT 0
);
`

const (
	TypeText = "text"
	TypeFile = "file"

	bucketWidthSeconds = 900
	retentionSeconds   = 86400
)

// Secret is one vault row.
type Secret struct {
	ID        int64
	Type      string
	Value     string
	CreatedAt time.Time
}

// Vault wraps the dedicated secrets.db connection.
type Vault struct {
	db *sql.DB
}

// Open creates the secrets file (mode 0600) if absent and
// applies the idempotent schema.
func Open(path string) (*Vault, error) {
	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("secretsvault: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("secretsvault: create schema: %w", err)
	}
	if !existed {
		if err := os.Chmod(path, 0o600); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("secretsvault: chmod %s: %w", path, err)
		}
	}
	return &Vault{db: db}, nil
}

func (v *Vault) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

// Create inserts (type, value) if it doesn't already exist, returning the
// (possibly pre-existing) row id. The UNIQUE(type, value) constraint makes
// this safe against a concurrent hook declaring the same secret: the insert
// conflict is treated as "row already there" and the existing id is read
// back.
func (v *Vault) Create(typ, value string) (int64, error) {
	var id int64
	err := store.WithRetry(func() error {
		if _, err := v.db.Exec(
			`INSERT INTO secrets (type, value) VALUES (?, ?) ON CONFLICT(type, value) DO NOTHING`,
			typ, value); err != nil {
			return err
		}
		return v.db.QueryRow(`SELECT id FROM secrets WHERE type = ? AND value = ?`, typ, value).Scan(&id)
	})
	return id, err
}

// List returns every secret record, oldest first.
func (v *Vault) List() ([]Secret, error) {
	var out []Secret
	err := store.WithRetry(func() error {
		out = nil
		rows, err := v.db.Query(`SELECT id, type, value, created_at FROM secrets ORDER BY id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s Secret
			var createdAt int64
			if err := rows.Scan(&s.ID, &s.Type, &s.Value, &createdAt); err != nil {
				return err
			}
			s.CreatedAt = time.Unix(createdAt, 0).UTC()
			out = append(out, s)
		}
		return rows.Err()
	})
	return out, err
}

// AllValues returns just the raw secret strings, for building the mask pattern.
func (v *Vault) AllValues() ([]string, error) {
	var out []string
	err := store.WithRetry(func() error {
		out = nil
		rows, err := v.db.Query(`SELECT value FROM secrets`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var value string
			if err := rows.Scan(&value); err != nil {
				return err
			}
			out = append(out, value)
		}
		return rows.Err()
	})
	return out, err
}

// Remove deletes a secret by id, reporting whether a row was actually removed.
func (v *Vault) Remove(id int64) (bool, error) {
	var n int64
	err := store.WithRetry(func() error {
		res, err := v.db.Exec(`DELETE FROM secrets WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

// ClearAll deletes every secret, returning the number removed.
func (v *Vault) ClearAll() (int64, error) {
	var n int64
	err := store.WithRetry(func() error {
		res, err := v.db.Exec(`DELETE FROM secrets`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Deduplicate removes all but the lowest-id row per (type, value) pair.
// The UNIQUE constraint keeps new files clean; this is for vault files
// created before the constraint existed.
func (v *Vault) Deduplicate() (int64, error) {
	var n int64
	err := store.WithRetry(func() error {
		res, err := v.db.Exec(`
			DELETE FROM secrets
			WHERE id NOT IN (SELECT MIN(id) FROM secrets GROUP BY type, value)
		`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func alignToBucket(unixTS int64) int64 {
	return (unixTS / bucketWidthSeconds) * bucketWidthSeconds
}

// IncrementSecretsMasked records that count secret replacements were made in
// an outbound payload during the current 15-minute bucket, then prunes buckets
// older than 24h.
func (v *Vault) IncrementSecretsMasked(count int, now time.Time) error {
	if count <= 0 {
		return nil
	}
	bucket := alignToBucket(now.Unix())
	cutoff := now.Unix() - retentionSeconds
	return store.WithRetry(func() error {
		if _, err := v.db.Exec(`
			INSERT INTO secrets_metrics (bucket_timestamp, secrets_masked_count) VALUES (?, ?)
			ON CONFLICT(bucket_timestamp) DO UPDATE SET secrets_masked_count = secrets_masked_count + excluded.secrets_masked_count
		`, bucket, count); err != nil {
			return err
		}
		_, err := v.db.Exec(`DELETE FROM secrets_metrics WHERE bucket_timestamp < ?`, cutoff)
		return err
	})
}

// Get24hSecretsMetrics sums secrets_masked_count over the trailing 24h.
func (v *Vault) Get24hSecretsMetrics(now time.Time) (int64, error) {
	cutoff := now.Unix() - retentionSeconds
	var total int64
	err := store.WithRetry(func() error {
		return v.db.QueryRow(
			`SELECT COALESCE(SUM(secrets_masked_count),0) FROM secrets_metrics WHERE bucket_timestamp >= ?`,
			cutoff).Scan(&total)
	})
	return total, err
}
