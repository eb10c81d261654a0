package identityfile

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/weft-project/weft/errors"
)

// ProcessedStatus is the recorded outcome of processing one identity file.
type ProcessedStatus string

const (
	StatusProcessed ProcessedStatus = "processed"
	StatusFailed    ProcessedStatus = "failed"
)

// ProcessedRecord is one row of the processed-file log.
type ProcessedRecord struct {
	ID          int64
	SourceURI   string
	Checksum    string
	Status      ProcessedStatus
	Error       string
	DurationMs  int
	ProcessedAt time.Time
}

// ProcessedStats summarize the processed-file log.
type ProcessedStats struct {
	Processed     int
	Failed        int
	AvgDurationMs float64
}

// Store persists the processed-file log in the weft database.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by db. The identity_files table must
// already exist (see the db package migrations).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordProcessed appends a record to the processed-file log.
func (s *Store) RecordProcessed(rec *ProcessedRecord) error {
	query := `
		INSERT INTO identity_files (
			source_uri, checksum, status, error, duration_ms, processed_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now()
	}

	result, err := s.db.Exec(query,
		rec.SourceURI,
		rec.Checksum,
		rec.Status,
		rec.Error,
		rec.DurationMs,
		rec.ProcessedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record processed identity file")
	}

	rec.ID, err = result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get record id")
	}
	return nil
}

// ListRecent returns the most recent records, newest first.
func (s *Store) ListRecent(limit int) ([]*ProcessedRecord, error) {
	query := `
		SELECT id, source_uri, checksum, status, error, duration_ms, processed_at
		FROM identity_files
		ORDER BY processed_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list processed identity files")
	}
	defer rows.Close()

	var records []*ProcessedRecord
	for rows.Next() {
		var rec ProcessedRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.SourceURI,
			&rec.Checksum,
			&rec.Status,
			&rec.Error,
			&rec.DurationMs,
			&rec.ProcessedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan record")
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating records")
	}
	return records, nil
}

// LastProcessed returns the newest record for a source URI, or nil if the
// URI was never processed.
func (s *Store) LastProcessed(sourceURI string) (*ProcessedRecord, error) {
	query := `
		SELECT id, source_uri, checksum, status, error, duration_ms, processed_at
		FROM identity_files
		WHERE source_uri = ?
		ORDER BY processed_at DESC, id DESC
		LIMIT 1
	`

	var rec ProcessedRecord
	err := s.db.QueryRow(query, sourceURI).Scan(
		&rec.ID,
		&rec.SourceURI,
		&rec.Checksum,
		&rec.Status,
		&rec.Error,
		&rec.DurationMs,
		&rec.ProcessedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find last processed record")
	}
	return &rec, nil
}

// Stats summarizes the processed-file log.
func (s *Store) Stats() (*ProcessedStats, error) {
	query := `
		SELECT
			COUNT(CASE WHEN status = 'processed' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			COALESCE(AVG(duration_ms), 0)
		FROM identity_files
	`

	var stats ProcessedStats
	err := s.db.QueryRow(query).Scan(&stats.Processed, &stats.Failed, &stats.AvgDurationMs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute processed stats")
	}
	return &stats, nil
}

// ChecksumString formats a checksum the way the log stores it.
func ChecksumString(sum uint32) string {
	return fmt.Sprintf("%08x", sum)
}
