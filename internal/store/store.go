// Package store is the shared relational substrate: usage snapshots, pacing
// decisions, blockage records, and the sessions/traces/spans metrics buckets.
// Multiple hook processes open the same file concurrently; every connection
// runs in WAL mode with a busy-wait timeout, and every write goes through a
// retry-with-backoff wrapper.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	five_hour_util REAL NOT NULL,
	five_hour_resets_at TEXT,
	seven_day_util REAL NOT NULL,
	seven_day_resets_at TEXT,
	session_id TEXT NOT NULL,
	created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON usage_snapshots(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_session ON usage_snapshots(session_id);

CREATE TABLE IF NOT EXISTS pacing_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	should_throttle INTEGER NOT NULL,
	delay_seconds INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON pacing_decisions(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_decisions_session ON pacing_decisions(session_id);

CREATE TABLE IF NOT EXISTS blockages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	category TEXT NOT NULL,
	reason TEXT,
	hook_type TEXT NOT NULL,
	session_id TEXT NOT NULL,
	details TEXT,
	created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX IF NOT EXISTS idx_blockages_session ON blockages(session_id);

CREATE TABLE IF NOT EXISTS metrics_buckets (
	bucket_timestamp INTEGER PRIMARY KEY,
	sessions INTEGER NOT NULL DEFAULT 0,
	traces INTEGER NOT NULL DEFAULT 0,
	spans INTEGER NOT NULL DEFAULT 0
);
`

// ValidMetrics is the set of metric names increment accepts; anything else
// fails fast.
var ValidMetrics = map[string]bool{"sessions": true, "traces": true, "spans": true}

const bucketWidthSeconds = 900
const retentionSeconds = 86400

// Store wraps the shared *sql.DB and the path it was opened from.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the relational file at path in WAL mode
// with a 5s busy timeout, and applies the idempotent schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set journal_mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the underlying connection. Safe to call on every exit path.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AlignToBucket floors a unix timestamp to its 900s bucket.
func AlignToBucket(unixTS int64) int64 {
	return (unixTS / bucketWidthSeconds) * bucketWidthSeconds
}

// UsageSnapshot is an immutable record of the two quota windows at a point in time.
type UsageSnapshot struct {
	Timestamp        time.Time
	FiveHourUtil     float64
	FiveHourResetsAt *time.Time
	SevenDayUtil     float64
	SevenDayResetsAt *time.Time
	SessionID        string
}

// InsertUsageSnapshot is best-effort: failures are logged and swallowed by the
// caller: a failed write never blocks the host. This method
// itself still returns the error so callers can decide whether to log.
func (s *Store) InsertUsageSnapshot(snap UsageSnapshot) error {
	return WithRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO usage_snapshots
				(timestamp, five_hour_util, five_hour_resets_at, seven_day_util, seven_day_resets_at, session_id)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			snap.Timestamp.Unix(),
			snap.FiveHourUtil,
			isoOrNil(snap.FiveHourResetsAt),
			snap.SevenDayUtil,
			isoOrNil(snap.SevenDayResetsAt),
			snap.SessionID,
		)
		return err
	})
}

// RecentSnapshots returns snapshots from the last `minutes` minutes, newest first.
func (s *Store) RecentSnapshots(minutes int) ([]UsageSnapshot, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute).Unix()
	var out []UsageSnapshot
	err := WithRetry(func() error {
		out = nil
		rows, err := s.db.Query(
			`SELECT timestamp, five_hour_util, five_hour_resets_at, seven_day_util, seven_day_resets_at, session_id
			 FROM usage_snapshots WHERE timestamp >= ? ORDER BY timestamp DESC`, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				ts                      int64
				fiveResets, sevenResets sql.NullString
				fiveUtil, sevenUtil     float64
				sessionID               string
			)
			if err := rows.Scan(&ts, &fiveUtil, &fiveResets, &sevenUtil, &sevenResets, &sessionID); err != nil {
				return err
			}
			out = append(out, UsageSnapshot{
				Timestamp:        time.Unix(ts, 0).UTC(),
				FiveHourUtil:     fiveUtil,
				FiveHourResetsAt: parseISOOrNil(fiveResets),
				SevenDayUtil:     sevenUtil,
				SevenDayResetsAt: parseISOOrNil(sevenResets),
				SessionID:        sessionID,
			})
		}
		return rows.Err()
	})
	return out, err
}

// CleanupOldSnapshots deletes snapshots older than retentionDays, returning
// the number of rows removed.
func (s *Store) CleanupOldSnapshots(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Unix()
	var affected int64
	err := WithRetry(func() error {
		res, err := s.db.Exec(`DELETE FROM usage_snapshots WHERE timestamp < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// PacingDecision is an immutable record of a throttle/no-throttle decision.
type PacingDecision struct {
	Timestamp      time.Time
	ShouldThrottle bool
	DelaySeconds   int
	SessionID      string
}

func (s *Store) InsertPacingDecision(d PacingDecision) error {
	return WithRetry(func() error {
		throttle := 0
		if d.ShouldThrottle {
			throttle = 1
		}
		_, err := s.db.Exec(
			`INSERT INTO pacing_decisions (timestamp, should_throttle, delay_seconds, session_id)
			 VALUES (?, ?, ?, ?)`,
			d.Timestamp.Unix(), throttle, d.DelaySeconds, d.SessionID)
		return err
	})
}

// LastPacingDecision returns the most recent decision for sessionID, or
// (PacingDecision{}, false, nil) if none exists.
func (s *Store) LastPacingDecision(sessionID string) (PacingDecision, bool, error) {
	var (
		d     PacingDecision
		found bool
	)
	err := WithRetry(func() error {
		row := s.db.QueryRow(
			`SELECT timestamp, should_throttle, delay_seconds, session_id
			 FROM pacing_decisions WHERE session_id = ? ORDER BY timestamp DESC LIMIT 1`, sessionID)
		var ts int64
		var throttle int
		err := row.Scan(&ts, &throttle, &d.DelaySeconds, &d.SessionID)
		if err == sql.ErrNoRows {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		d.Timestamp = time.Unix(ts, 0).UTC()
		d.ShouldThrottle = throttle != 0
		found = true
		return nil
	})
	return d, found, err
}

// Blockage category enum values.
const (
	CategoryIntentValidation          = "intent_validation"
	CategoryIntentValidationTDD       = "intent_validation_tdd"
	CategoryIntentValidationCleanCode = "intent_validation_cleancode"
	CategoryPacingTempo               = "pacing_tempo"
	CategoryPacingQuota               = "pacing_quota"
	CategoryOther                     = "other"
)

// Blockage is written whenever a hook blocks or throttles the host.
type Blockage struct {
	Timestamp time.Time
	Category  string
	Reason    string
	HookType  string
	SessionID string
	Details   string
}

func (s *Store) InsertBlockage(b Blockage) error {
	return WithRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO blockages (timestamp, category, reason, hook_type, session_id, details)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			b.Timestamp.Unix(), b.Category, b.Reason, b.HookType, b.SessionID, b.Details)
		return err
	})
}

// IncrementMetric upserts the sessions/traces/spans bucket for "now", then
// prunes buckets older than 24h. An unrecognized name fails fast.
func (s *Store) IncrementMetric(name string, now time.Time) error {
	if !ValidMetrics[name] {
		return fmt.Errorf("store: invalid metric name %q", name)
	}
	bucket := AlignToBucket(now.Unix())
	err := WithRetry(func() error {
		query := fmt.Sprintf(
			`INSERT INTO metrics_buckets (bucket_timestamp, %s) VALUES (?, 1)
			 ON CONFLICT(bucket_timestamp) DO UPDATE SET %s = %s + 1`,
			name, name, name)
		_, err := s.db.Exec(query, bucket)
		return err
	})
	if err != nil {
		return err
	}
	return s.cleanupStaleMetricBuckets(now)
}

// IncrementMetricBy upserts the sessions/traces/spans bucket for "now" by a
// caller-supplied count rather than always 1, used for acknowledged-span
// accounting where the increment equals a push response's success count.
// A non-positive count is a no-op.
func (s *Store) IncrementMetricBy(name string, count int, now time.Time) error {
	if !ValidMetrics[name] {
		return fmt.Errorf("store: invalid metric name %q", name)
	}
	if count <= 0 {
		return nil
	}
	bucket := AlignToBucket(now.Unix())
	err := WithRetry(func() error {
		query := fmt.Sprintf(
			`INSERT INTO metrics_buckets (bucket_timestamp, %s) VALUES (?, ?)
			 ON CONFLICT(bucket_timestamp) DO UPDATE SET %s = %s + ?`,
			name, name, name)
		_, err := s.db.Exec(query, bucket, count, count)
		return err
	})
	if err != nil {
		return err
	}
	return s.cleanupStaleMetricBuckets(now)
}

func (s *Store) cleanupStaleMetricBuckets(now time.Time) error {
	cutoff := now.Unix() - retentionSeconds
	return WithRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM metrics_buckets WHERE bucket_timestamp < ?`, cutoff)
		return err
	})
}

// Metrics24h is the summed sessions/traces/spans/total over the trailing 24h.
type Metrics24h struct {
	Sessions int64
	Traces   int64
	Spans    int64
	Total    int64
}

func (s *Store) Get24hMetrics(now time.Time) (Metrics24h, error) {
	cutoff := now.Unix() - retentionSeconds
	var m Metrics24h
	err := WithRetry(func() error {
		row := s.db.QueryRow(
			`SELECT COALESCE(SUM(sessions),0), COALESCE(SUM(traces),0), COALESCE(SUM(spans),0)
			 FROM metrics_buckets WHERE bucket_timestamp >= ?`, cutoff)
		if err := row.Scan(&m.Sessions, &m.Traces, &m.Spans); err != nil {
			return err
		}
		m.Total = m.Sessions + m.Traces + m.Spans
		return nil
	})
	return m, err
}

func isoOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseISOOrNil(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		log.Warn().Err(err).Str("value", ns.String).Msg("store: failed to parse timestamp")
		return nil
	}
	return &t
}
