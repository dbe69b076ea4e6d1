package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codebuildervaibhav/scribber/internal/types"
)

// MetadataDB is the artifact store gateway backed by SQLite.
type MetadataDB struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	source_location TEXT NOT NULL DEFAULT '',
	source_filename TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	stage TEXT NOT NULL,
	transcription_text TEXT NOT NULL DEFAULT '',
	summary_text TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	failed_stage TEXT NOT NULL DEFAULT '',
	active_job_id TEXT,
	version INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_owner ON entities(owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_entities_active ON entities(active_job_id);

CREATE TABLE IF NOT EXISTS usage_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	input_size_bytes INTEGER NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	estimated_cost REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_owner ON usage_logs(owner_id, created_at);
`

const entityColumns = `id, owner_id, title, source_location, source_filename, size_bytes, stage,
	transcription_text, summary_text, failure_reason, failed_stage, active_job_id, version,
	created_at, updated_at`

// NewMetadataDB opens (or creates) the SQLite database at dbPath.
func NewMetadataDB(dbPath string) (*MetadataDB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &MetadataDB{db: db}, nil
}

// Create inserts a new entity at version 1.
func (mdb *MetadataDB) Create(ctx context.Context, e *types.Entity) error {
	now := time.Now().UTC()
	e.Version = 1
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := mdb.db.ExecContext(ctx, `INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerID, e.Title, e.SourceLocation, e.SourceFilename, e.SizeBytes, string(e.Stage),
		e.Transcription, e.Summary, e.FailureReason, string(e.FailedStage), nullString(e.ActiveJobID),
		e.Version, now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create entity: %w", err)
	}
	return nil
}

// Get loads an entity by id.
func (mdb *MetadataDB) Get(ctx context.Context, id string) (*types.Entity, error) {
	row := mdb.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return e, nil
}

// Save writes e if the stored version still equals expectedVersion. On
// success e.Version becomes expectedVersion+1 and e.UpdatedAt is refreshed.
// It returns ErrVersionConflict if another writer got there first.
func (mdb *MetadataDB) Save(ctx context.Context, e *types.Entity, expectedVersion int64) error {
	now := time.Now().UTC()
	if !now.After(e.UpdatedAt) {
		now = e.UpdatedAt.Add(time.Nanosecond)
	}

	res, err := mdb.db.ExecContext(ctx, `UPDATE entities SET
		title = ?, source_location = ?, source_filename = ?, size_bytes = ?, stage = ?,
		transcription_text = ?, summary_text = ?, failure_reason = ?, failed_stage = ?,
		active_job_id = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		e.Title, e.SourceLocation, e.SourceFilename, e.SizeBytes, string(e.Stage),
		e.Transcription, e.Summary, e.FailureReason, string(e.FailedStage),
		nullString(e.ActiveJobID), expectedVersion+1, now.UnixNano(),
		e.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	if n == 0 {
		var exists int
		err := mdb.db.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE id = ?`, e.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: entity %s", types.ErrNotFound, e.ID)
		}
		return fmt.Errorf("%w: entity %s is no longer at version %d", types.ErrVersionConflict, e.ID, expectedVersion)
	}

	e.Version = expectedVersion + 1
	e.UpdatedAt = now
	return nil
}

// Delete removes an entity. Deleting a missing entity is not an error.
func (mdb *MetadataDB) Delete(ctx context.Context, id string) error {
	if _, err := mdb.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	return nil
}

// ListByOwner returns an owner's entities, newest first.
func (mdb *MetadataDB) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*types.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := mdb.db.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities
		WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	return collectEntities(rows)
}

// ListActive returns every entity that records an active job or sits in a
// stage that only a running job leaves.
func (mdb *MetadataDB) ListActive(ctx context.Context) ([]*types.Entity, error) {
	rows, err := mdb.db.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities
		WHERE active_job_id IS NOT NULL OR stage IN (?, ?, ?)`,
		string(types.StageUploading), string(types.StageTranscribing), string(types.StageSummarizing))
	if err != nil {
		return nil, fmt.Errorf("failed to list active entities: %w", err)
	}
	return collectEntities(rows)
}

// RecordUsage appends a usage log row.
func (mdb *MetadataDB) RecordUsage(ctx context.Context, u *types.UsageLog) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := mdb.db.ExecContext(ctx, `INSERT INTO usage_logs
		(owner_id, entity_id, provider_id, operation, input_size_bytes, duration_seconds, tokens_used, estimated_cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.OwnerID, u.EntityID, u.ProviderID, string(u.Operation), u.InputSizeBytes,
		u.DurationSeconds, u.TokensUsed, u.EstimatedCost, u.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// ListUsage returns an owner's usage rows, newest first.
func (mdb *MetadataDB) ListUsage(ctx context.Context, ownerID string, limit int) ([]types.UsageLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := mdb.db.QueryContext(ctx, `SELECT owner_id, entity_id, provider_id, operation,
		input_size_bytes, duration_seconds, tokens_used, estimated_cost, created_at
		FROM usage_logs WHERE owner_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var out []types.UsageLog
	for rows.Next() {
		var (
			u         types.UsageLog
			operation string
			createdAt int64
		)
		if err := rows.Scan(&u.OwnerID, &u.EntityID, &u.ProviderID, &operation,
			&u.InputSizeBytes, &u.DurationSeconds, &u.TokensUsed, &u.EstimatedCost, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		u.Operation = types.StageKind(operation)
		u.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

// Close closes the database connection
func (mdb *MetadataDB) Close() error {
	return mdb.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*types.Entity, error) {
	var (
		e                    types.Entity
		stage, failedStage   string
		activeJob            sql.NullString
		createdAt, updatedAt int64
	)
	err := s.Scan(&e.ID, &e.OwnerID, &e.Title, &e.SourceLocation, &e.SourceFilename, &e.SizeBytes,
		&stage, &e.Transcription, &e.Summary, &e.FailureReason, &failedStage, &activeJob,
		&e.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Stage = types.Stage(stage)
	e.FailedStage = types.StageKind(failedStage)
	e.ActiveJobID = activeJob.String
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &e, nil
}

func collectEntities(rows *sql.Rows) ([]*types.Entity, error) {
	defer rows.Close()
	var out []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
