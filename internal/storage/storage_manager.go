/**
 * Storage Manager for the Handprint Worker
 *
 * Converts document reports into rows and hands them to PostgreSQL.
 * Document IDs are generated here when the caller did not assign one.
 */

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// runStore is the subset of PostgresClient the manager needs.
type runStore interface {
	UpdateRunStatus(ctx context.Context, update *RunUpdate) error
	SaveDocument(ctx context.Context, doc *DocumentRecord, outcomes []OutcomeRecord, rows []ComparisonRecord) error
	GetRunByID(ctx context.Context, runID string) (map[string]interface{}, error)
	Close() error
}

// StorageManager persists runs and document reports
type StorageManager struct {
	store    runStore
	postgres *PostgresClient // nil when store is not PostgreSQL
}

// NewStorageManager connects to PostgreSQL and makes sure the schema exists.
func NewStorageManager(ctx context.Context, postgresURL string) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close() // Cleanup on failure
		return nil, err
	}

	return &StorageManager{store: postgres, postgres: postgres}, nil
}

func newStorageManager(store runStore) *StorageManager {
	return &StorageManager{store: store}
}

// UpdateRunStatus records the status of a run.
func (sm *StorageManager) UpdateRunStatus(ctx context.Context, update *RunUpdate) error {
	if update == nil {
		return fmt.Errorf("update is required")
	}
	if _, err := uuid.Parse(update.RunID); err != nil {
		return fmt.Errorf("invalid run ID %q: %w", update.RunID, err)
	}
	return sm.store.UpdateRunStatus(ctx, update)
}

// SaveReport stores a document report. A missing DocumentID is generated and
// written back to the report.
func (sm *StorageManager) SaveReport(ctx context.Context, report *model.DocumentReport) error {
	if report == nil {
		return fmt.Errorf("report is required")
	}
	if _, err := uuid.Parse(report.RunID); err != nil {
		return fmt.Errorf("invalid run ID %q: %w", report.RunID, err)
	}
	if report.DocumentID == "" {
		report.DocumentID = uuid.New().String()
	}

	doc, outcomes, rows, err := toRecords(report)
	if err != nil {
		return err
	}
	return sm.store.SaveDocument(ctx, doc, outcomes, rows)
}

// GetRunByID retrieves a run by ID
func (sm *StorageManager) GetRunByID(ctx context.Context, runID string) (map[string]interface{}, error) {
	return sm.store.GetRunByID(ctx, runID)
}

// ServiceCER returns the per-service aggregate CER of a run.
func (sm *StorageManager) ServiceCER(ctx context.Context, runID string) (map[string]float64, error) {
	if sm.postgres == nil {
		return nil, fmt.Errorf("service CER requires PostgreSQL")
	}
	return sm.postgres.ServiceCER(ctx, runID)
}

// Ping checks the database connection.
func (sm *StorageManager) Ping(ctx context.Context) error {
	if sm.postgres == nil {
		return nil
	}
	return sm.postgres.Ping(ctx)
}

// GetStats returns connection pool statistics
func (sm *StorageManager) GetStats() map[string]interface{} {
	if sm.postgres == nil {
		return map[string]interface{}{}
	}
	pgStats := sm.postgres.GetStats()
	return map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	if sm.store == nil {
		return nil
	}
	if err := sm.store.Close(); err != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", err)
	}
	return nil
}

// toRecords flattens a report into table rows. Services are emitted in name
// order so repeated saves produce identical statements.
func toRecords(report *model.DocumentReport) (*DocumentRecord, []OutcomeRecord, []ComparisonRecord, error) {
	doc := &DocumentRecord{
		ID:          report.DocumentID,
		RunID:       report.RunID,
		Source:      report.Source,
		Name:        report.Name,
		Status:      string(report.Status()),
		Digest:      report.Image.Digest,
		Width:       report.Image.Width,
		Height:      report.Image.Height,
		ImageBytes:  report.Image.Bytes,
		ByteLimit:   report.Image.Limit,
		SourcePages: report.Image.SourcePages,
		DurationMs:  report.Duration.Milliseconds(),
	}

	names := make([]string, 0, len(report.Outcomes))
	for name := range report.Outcomes {
		names = append(names, name)
	}
	sort.Strings(names)

	outcomes := make([]OutcomeRecord, 0, len(names))
	for _, name := range names {
		out := report.Outcomes[name]
		rec := OutcomeRecord{DocumentID: doc.ID, Service: name, Succeeded: out.OK()}
		if out.OK() {
			items, err := json.Marshal(out.Result.Items)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("failed to marshal items for %s: %w", name, err)
			}
			rec.Text = sanitizeText(out.Result.Text)
			rec.Items = sanitizeJSONForPostgres(items)
			rec.Truncated = out.Result.Truncated
			rec.Cached = out.Result.Cached
			rec.DurationMs = out.Result.Duration.Milliseconds()
		} else if out.Err != nil {
			rec.ErrorKind = string(out.Err.Kind)
			rec.ErrorMessage = sanitizeText(out.Err.Error())
			rec.StatusCode = out.Err.StatusCode
		}
		outcomes = append(outcomes, rec)
	}

	var rows []ComparisonRecord
	compared := make([]string, 0, len(report.Comparisons))
	for name := range report.Comparisons {
		compared = append(compared, name)
	}
	sort.Strings(compared)
	for _, name := range compared {
		for i, row := range report.Comparisons[name] {
			rows = append(rows, ComparisonRecord{
				DocumentID: doc.ID,
				Service:    name,
				RowIndex:   i,
				Kind:       string(row.Kind),
				Errors:     row.Errors,
				CER:        row.CER,
				Expected:   sanitizeText(row.Expected),
				Received:   sanitizeText(row.Received),
			})
		}
	}
	return doc, outcomes, rows, nil
}

// sanitizeText drops NUL characters, which PostgreSQL TEXT columns reject.
func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

var (
	nullEscape     = regexp.MustCompile(`\\u0000`)
	controlPattern = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escapes PostgreSQL JSONB rejects. \u0000 is
// dropped; other control character escapes become a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlPattern.ReplaceAll(result, []byte(" "))
}
