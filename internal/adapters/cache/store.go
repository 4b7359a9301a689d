// Package cache provides a SQLite-backed implementation of the feature
// cache port.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import the driver anonymously
	"github.com/rs/zerolog/log"

	"github.com/calliope-audio/backbeat/internal/core/domain"
	"github.com/calliope-audio/backbeat/internal/core/ports"
)

// Store implements the feature cache port on SQLite. Records are keyed
// by (track_id, schema_version); a version bump produces a new row, it
// never rewrites an old one.
type Store struct {
	db          *sql.DB
	positiveTTL time.Duration
	negativeTTL time.Duration

	now func() time.Time // injectable for tests
}

var _ ports.FeatureCache = (*Store)(nil)

// NewStore opens the database, runs the schema migration, and returns a
// ready store. negativeTTL should be well below positiveTTL; providers
// gain data over time more often than they lose it.
func NewStore(storagePath string, positiveTTL, negativeTTL time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", storagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	store := &Store{
		db:          db,
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
		now:         time.Now,
	}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return store, nil
}

// Close ensures the DB connection is closed gracefully.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get loads the record for trackID at the current schema version. An
// expired row or an unreadable payload behaves as a miss; corrupt rows
// are dropped so the next resolution overwrites them.
func (s *Store) Get(ctx context.Context, trackID string) (domain.FeatureRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT payload, expires_at FROM feature_records WHERE track_id = ? AND schema_version = ?",
		trackID, domain.SchemaVersion)

	var payload []byte
	var expiresAt int64
	if err := row.Scan(&payload, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FeatureRecord{}, false, nil
		}
		return domain.FeatureRecord{}, false, fmt.Errorf("failed to load feature record: %w", err)
	}

	if s.now().After(time.Unix(expiresAt, 0)) {
		log.Debug().Str("track_id", trackID).Msg("cache entry expired")
		return domain.FeatureRecord{}, false, nil
	}

	var record domain.FeatureRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		log.Warn().Str("track_id", trackID).Err(err).Msg("dropping corrupt cache entry")
		_ = s.drop(ctx, trackID)
		return domain.FeatureRecord{}, false, nil
	}
	if record.SchemaVersion != domain.SchemaVersion {
		return domain.FeatureRecord{}, false, nil
	}

	return record, true, nil
}

// Put stores the record with the TTL selected by its content: a record
// with no resolved fields is negative and gets the short TTL.
func (s *Store) Put(ctx context.Context, record domain.FeatureRecord) error {
	ttl := s.positiveTTL
	if record.IsEmpty() {
		record.Negative = true
		ttl = s.negativeTTL
	}
	if record.ResolvedAt.IsZero() {
		record.ResolvedAt = s.now()
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = s.now().Add(ttl)
	}
	if record.SchemaVersion == "" {
		record.SchemaVersion = domain.SchemaVersion
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode feature record: %w", err)
	}

	query := `
		INSERT INTO feature_records (track_id, schema_version, negative, payload, resolved_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(track_id, schema_version) DO UPDATE SET
			negative=excluded.negative,
			payload=excluded.payload,
			resolved_at=excluded.resolved_at,
			expires_at=excluded.expires_at;
	`
	if _, err := s.db.ExecContext(ctx, query,
		record.TrackID,
		record.SchemaVersion,
		record.Negative,
		payload,
		record.ResolvedAt.Unix(),
		record.ExpiresAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to save feature record: %w", err)
	}

	return nil
}

// Clear removes all cached versions of a single track.
func (s *Store) Clear(ctx context.Context, trackID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM feature_records WHERE track_id = ?", trackID); err != nil {
		return fmt.Errorf("failed to clear feature record: %w", err)
	}
	return nil
}

// ClearAll empties the cache.
func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM feature_records"); err != nil {
		return fmt.Errorf("failed to clear feature cache: %w", err)
	}
	return nil
}

func (s *Store) drop(ctx context.Context, trackID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM feature_records WHERE track_id = ? AND schema_version = ?",
		trackID, domain.SchemaVersion)
	return err
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS feature_records (
		track_id TEXT NOT NULL,
		schema_version TEXT NOT NULL,
		negative INTEGER NOT NULL DEFAULT 0,
		payload BLOB NOT NULL,
		resolved_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (track_id, schema_version)
	);

	CREATE INDEX IF NOT EXISTS idx_feature_records_expiry ON feature_records (expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return err
	}
	return nil
}
