/**
 * PostgreSQL Client for the Handprint Worker
 *
 * Persists runs, per-document reports, per-service outcomes and ground-truth
 * comparison rows in the handprint schema.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// RunUpdate represents a run status update
type RunUpdate struct {
	RunID            string
	Status           string
	Services         []string
	Source           string
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// DocumentRecord is one row of handprint.documents.
type DocumentRecord struct {
	ID          string
	RunID       string
	Source      string
	Name        string
	Status      string
	Digest      string
	Width       int
	Height      int
	ImageBytes  int
	ByteLimit   int64
	SourcePages int
	DurationMs  int64
}

// OutcomeRecord is one row of handprint.outcomes.
type OutcomeRecord struct {
	DocumentID   string
	Service      string
	Succeeded    bool
	Text         string
	Items        []byte // JSON array of text items
	Truncated    bool
	Cached       bool
	DurationMs   int64
	ErrorKind    string
	ErrorMessage string
	StatusCode   int
}

// ComparisonRecord is one row of handprint.comparison_rows.
type ComparisonRecord struct {
	DocumentID string
	Service    string
	RowIndex   int
	Kind       string
	Errors     int
	CER        float64
	Expected   string
	Received   string
}

// sanitizeCER rounds a character error rate to 2 decimal places so it fits
// NUMERIC(10,2). CER has no upper bound but is never negative.
func sanitizeCER(cer float64) float64 {
	if cer < 0 || math.IsNaN(cer) {
		return 0
	}
	if cer > 99999999 || math.IsInf(cer, 1) {
		return 99999999
	}
	return math.Round(cer*100) / 100
}

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS handprint;

CREATE TABLE IF NOT EXISTS handprint.runs (
	id                 UUID PRIMARY KEY,
	status             TEXT NOT NULL,
	services           TEXT[] NOT NULL DEFAULT '{}',
	source             TEXT,
	processing_time_ms BIGINT,
	error_code         TEXT,
	error_message      TEXT,
	metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS handprint.documents (
	id           UUID PRIMARY KEY,
	run_id       UUID NOT NULL REFERENCES handprint.runs(id) ON DELETE CASCADE,
	source       TEXT NOT NULL,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL,
	image_digest TEXT,
	width        INTEGER,
	height       INTEGER,
	image_bytes  INTEGER,
	byte_limit   BIGINT,
	source_pages INTEGER,
	duration_ms  BIGINT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS handprint.outcomes (
	document_id   UUID NOT NULL REFERENCES handprint.documents(id) ON DELETE CASCADE,
	service       TEXT NOT NULL,
	succeeded     BOOLEAN NOT NULL,
	text          TEXT,
	items         JSONB,
	truncated     BOOLEAN NOT NULL DEFAULT FALSE,
	cached        BOOLEAN NOT NULL DEFAULT FALSE,
	duration_ms   BIGINT,
	error_kind    TEXT,
	error_message TEXT,
	status_code   INTEGER,
	PRIMARY KEY (document_id, service)
);

CREATE TABLE IF NOT EXISTS handprint.comparison_rows (
	document_id UUID NOT NULL REFERENCES handprint.documents(id) ON DELETE CASCADE,
	service     TEXT NOT NULL,
	row_index   INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	errors      INTEGER NOT NULL,
	cer         NUMERIC(10,2) NOT NULL,
	expected    TEXT NOT NULL,
	received    TEXT NOT NULL,
	PRIMARY KEY (document_id, service, row_index)
);
`

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the handprint schema and tables if they are missing.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// UpdateRunStatus creates the run on first use and updates it afterwards.
func (p *PostgresClient) UpdateRunStatus(ctx context.Context, update *RunUpdate) error {
	if update.RunID == "" {
		return fmt.Errorf("run ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// UPSERT so the worker can create the run if the submitter did not
	query := `
		INSERT INTO handprint.runs (
			id, status, services, source, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1::uuid, $2, $3, NULLIF($4, ''), NULLIF($5, 0),
			NULLIF($6, ''), NULLIF($7, ''),
			COALESCE(NULLIF($8, 'null')::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			services = CASE
				WHEN cardinality(EXCLUDED.services) > 0 THEN EXCLUDED.services
				ELSE handprint.runs.services
			END,
			source = COALESCE(EXCLUDED.source, handprint.runs.source),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, handprint.runs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = handprint.runs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	services := update.Services
	if services == nil {
		services = []string{}
	}

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.RunID,            // $1
		update.Status,           // $2
		pq.Array(services),      // $3
		update.Source,           // $4
		update.ProcessingTimeMs, // $5
		update.ErrorCode,        // $6
		update.ErrorMessage,     // $7
		string(metadataJSON),    // $8
	).Scan(&returnedID)
	if err != nil {
		return fmt.Errorf("failed to update run status (run=%s, status=%s): %w",
			update.RunID, update.Status, err)
	}
	return nil
}

// SaveDocument writes a document with its outcomes and comparison rows in
// one transaction. Saving the same document again replaces its rows.
func (p *PostgresClient) SaveDocument(ctx context.Context, doc *DocumentRecord, outcomes []OutcomeRecord, rows []ComparisonRecord) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO handprint.documents (
			id, run_id, source, name, status, image_digest, width, height,
			image_bytes, byte_limit, source_pages, duration_ms, created_at
		) VALUES ($1::uuid, $2::uuid, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			image_digest = EXCLUDED.image_digest,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			image_bytes = EXCLUDED.image_bytes,
			byte_limit = EXCLUDED.byte_limit,
			source_pages = EXCLUDED.source_pages,
			duration_ms = EXCLUDED.duration_ms
	`,
		doc.ID, doc.RunID, doc.Source, doc.Name, doc.Status, doc.Digest,
		doc.Width, doc.Height, doc.ImageBytes, doc.ByteLimit, doc.SourcePages, doc.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to store document %s: %w", doc.ID, err)
	}

	outcomeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO handprint.outcomes (
			document_id, service, succeeded, text, items, truncated, cached,
			duration_ms, error_kind, error_message, status_code
		) VALUES ($1::uuid, $2, $3, NULLIF($4, ''), $5::jsonb, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, 0))
		ON CONFLICT (document_id, service) DO UPDATE SET
			succeeded = EXCLUDED.succeeded,
			text = EXCLUDED.text,
			items = EXCLUDED.items,
			truncated = EXCLUDED.truncated,
			cached = EXCLUDED.cached,
			duration_ms = EXCLUDED.duration_ms,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			status_code = EXCLUDED.status_code
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare outcome insert: %w", err)
	}
	defer outcomeStmt.Close()

	for _, o := range outcomes {
		items := o.Items
		if len(items) == 0 {
			items = []byte("[]")
		}
		if _, err := outcomeStmt.ExecContext(ctx,
			o.DocumentID, o.Service, o.Succeeded, o.Text, string(items), o.Truncated, o.Cached,
			o.DurationMs, o.ErrorKind, o.ErrorMessage, o.StatusCode,
		); err != nil {
			return fmt.Errorf("failed to store outcome %s/%s: %w", o.DocumentID, o.Service, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM handprint.comparison_rows WHERE document_id = $1::uuid`, doc.ID); err != nil {
		return fmt.Errorf("failed to clear comparison rows: %w", err)
	}

	rowStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO handprint.comparison_rows (
			document_id, service, row_index, kind, errors, cer, expected, received
		) VALUES ($1::uuid, $2, $3, $4, $5, $6::NUMERIC(10,2), $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare comparison insert: %w", err)
	}
	defer rowStmt.Close()

	for _, r := range rows {
		if _, err := rowStmt.ExecContext(ctx,
			r.DocumentID, r.Service, r.RowIndex, r.Kind, r.Errors, sanitizeCER(r.CER), r.Expected, r.Received,
		); err != nil {
			return fmt.Errorf("failed to store comparison row %d for %s: %w", r.RowIndex, r.Service, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document %s: %w", doc.ID, err)
	}
	return nil
}

// GetRunByID retrieves a run by ID
func (p *PostgresClient) GetRunByID(ctx context.Context, runID string) (map[string]interface{}, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	query := `
		SELECT
			r.id, r.status, r.services, r.source, r.processing_time_ms,
			r.error_code, r.error_message, r.metadata, r.created_at, r.updated_at,
			(SELECT COUNT(*) FROM handprint.documents d WHERE d.run_id = r.id)
		FROM handprint.runs r
		WHERE r.id = $1::uuid
	`

	var (
		id, status              string
		services                pq.StringArray
		source                  sql.NullString
		processingTimeMs        sql.NullInt64
		errorCode, errorMessage sql.NullString
		metadataJSON            []byte
		createdAt, updatedAt    time.Time
		documentCount           int64
	)

	err := p.db.QueryRowContext(ctx, query, runID).Scan(
		&id, &status, &services, &source, &processingTimeMs,
		&errorCode, &errorMessage, &metadataJSON, &createdAt, &updatedAt,
		&documentCount,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":            id,
		"status":        status,
		"services":      []string(services),
		"documentCount": documentCount,
		"createdAt":     createdAt,
		"updatedAt":     updatedAt,
		"metadata":      metadata,
	}
	if source.Valid {
		result["source"] = source.String
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}
	return result, nil
}

// ServiceCER returns the aggregate CER of each service over a run's documents.
func (p *PostgresClient) ServiceCER(ctx context.Context, runID string) (map[string]float64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.service, SUM(c.errors)::float8, SUM(char_length(c.expected))::float8
		FROM handprint.comparison_rows c
		JOIN handprint.documents d ON d.id = c.document_id
		WHERE d.run_id = $1::uuid AND c.kind <> 'total' AND c.kind <> 'extra'
		GROUP BY c.service
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query service CER: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var service string
		var errs, length float64
		if err := rows.Scan(&service, &errs, &length); err != nil {
			return nil, fmt.Errorf("failed to scan service CER: %w", err)
		}
		if length > 0 {
			out[service] = sanitizeCER(100 * errs / length)
		} else {
			out[service] = 0
		}
	}
	return out, rows.Err()
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
