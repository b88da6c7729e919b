// Package feedback persists clinician feedback on outcome predictions for the
// reference backend. Two stores are provided: SQLite for local runs and
// PostgreSQL for shared deployments.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ci-outcome-console/internal/domain"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the interface for feedback storage.
type Store interface {
	// Create stores a new feedback entry built from a submission and
	// returns the stored record with its id and creation time.
	Create(ctx context.Context, submission domain.FeedbackSubmission) (*domain.FeedbackRecord, error)

	// Save stores a complete record, keeping its id. Used by imports.
	Save(ctx context.Context, record *domain.FeedbackRecord) error

	// Get retrieves one entry. Returns domain.ErrNotFound when absent.
	Get(ctx context.Context, id string) (*domain.FeedbackRecord, error)

	// List returns entries newest first with pagination.
	List(ctx context.Context, limit, offset int) ([]*domain.FeedbackRecord, error)

	// Count returns the total number of feedback entries.
	Count(ctx context.Context) (int64, error)

	// Delete removes a feedback entry by id.
	Delete(ctx context.Context, id string) error

	// ExportJSON writes all feedback to a JSON writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON reads feedback from a JSON reader, skipping ids already stored.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close closes the store and releases resources.
	Close() error
}

// Export is the JSON export format.
type Export struct {
	Version    string                   `json:"version"`
	ExportedAt time.Time                `json:"exported_at"`
	Count      int                      `json:"count"`
	Feedback   []*domain.FeedbackRecord `json:"feedback"`
}

// exportVersion is written into every export.
const exportVersion = "1.0"

// maxExportLimit is the maximum number of entries to export at once.
const maxExportLimit = 1000000

// ParseID validates a feedback id. Malformed ids are reported as not found,
// matching what a lookup of an unknown id returns.
func ParseID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("feedback %q: %w", id, domain.ErrNotFound)
	}
	return parsed.String(), nil
}

// newRecord builds the record stored for a submission.
func newRecord(submission domain.FeedbackSubmission, now time.Time) *domain.FeedbackRecord {
	inputs := submission.InputFeatures
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &domain.FeedbackRecord{
		ID:            uuid.NewString(),
		InputFeatures: inputs,
		Prediction:    submission.Prediction,
		Explanation:   submission.Explanation,
		Accepted:      submission.Accepted,
		Comment:       submission.Comment,
		CreatedAt:     now.UTC(),
	}
}

// encodeJSONColumns serialises the map columns of a record. A missing
// explanation is stored as NULL.
func encodeJSONColumns(record *domain.FeedbackRecord) (inputs string, explanation any, err error) {
	in, err := json.Marshal(record.InputFeatures)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode input features: %w", err)
	}
	if record.Explanation == nil {
		return string(in), nil, nil
	}
	ex, err := json.Marshal(record.Explanation)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode explanation: %w", err)
	}
	return string(in), string(ex), nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord scans a row into a FeedbackRecord.
func scanRecord(s scanner) (*domain.FeedbackRecord, error) {
	rec := &domain.FeedbackRecord{}
	var inputs, explanation []byte
	var comment *string

	if err := s.Scan(&rec.ID, &inputs, &rec.Prediction, &explanation, &rec.Accepted, &comment, &rec.CreatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(inputs, &rec.InputFeatures); err != nil {
		return nil, fmt.Errorf("failed to decode input features: %w", err)
	}
	if rec.InputFeatures == nil {
		rec.InputFeatures = map[string]any{}
	}
	if len(explanation) > 0 {
		if err := json.Unmarshal(explanation, &rec.Explanation); err != nil {
			return nil, fmt.Errorf("failed to decode explanation: %w", err)
		}
	}
	if comment != nil {
		rec.Comment = *comment
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

// exportAll writes every stored record as an Export document.
func exportAll(ctx context.Context, store Store, writer io.Writer) error {
	all, err := store.List(ctx, maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list feedback: %w", err)
	}
	if all == nil {
		all = []*domain.FeedbackRecord{}
	}

	export := &Export{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Count:      len(all),
		Feedback:   all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// importAll saves every record of an Export document not already stored.
func importAll(ctx context.Context, store Store, reader io.Reader) (imported int, skipped int, err error) {
	var export Export
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	for _, rec := range export.Feedback {
		if rec == nil {
			continue
		}
		if _, err := ParseID(rec.ID); err != nil {
			rec.ID = uuid.NewString()
		} else if _, err := store.Get(ctx, rec.ID); err == nil {
			skipped++
			continue
		} else if !isNotFound(err) {
			return imported, skipped, fmt.Errorf("failed to check existing: %w", err)
		}

		if err := store.Save(ctx, rec); err != nil {
			return imported, skipped, fmt.Errorf("failed to save: %w", err)
		}
		imported++
	}

	return imported, skipped, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg domain.FeedbackConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return NewPostgresStoreFromURL(ctx, cfg.DatabaseURL, logger)
	default:
		return nil, fmt.Errorf("unknown feedback driver: %s", cfg.Driver)
	}
}
