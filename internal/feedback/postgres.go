package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ci-outcome-console/internal/database"
	"github.com/ci-outcome-console/internal/domain"
	"github.com/sirupsen/logrus"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL feedback store on an open connection.
// The feedback schema is expected to be migrated already.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL migrates the schema at databaseURL, opens a
// connection pool and returns the store.
func NewPostgresStoreFromURL(ctx context.Context, databaseURL string, logger *logrus.Logger) (*PostgresStore, error) {
	if err := database.Migrate(ctx, databaseURL, logger); err != nil {
		return nil, fmt.Errorf("failed to migrate feedback schema: %w", err)
	}

	conn, err := database.NewConnection(ctx, database.DefaultConfig(databaseURL), logger)
	if err != nil {
		return nil, err
	}

	store, err := NewPostgresStore(conn.SQL)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return store, nil
}

// Create stores a new feedback entry for a submission.
func (s *PostgresStore) Create(ctx context.Context, submission domain.FeedbackSubmission) (*domain.FeedbackRecord, error) {
	rec := newRecord(submission, time.Now())
	if err := s.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Save stores a record, overwriting an entry with the same id.
func (s *PostgresStore) Save(ctx context.Context, record *domain.FeedbackRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.InputFeatures == nil {
		record.InputFeatures = map[string]any{}
	}
	inputs, explanation, err := encodeJSONColumns(record)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO feedback (
			id, input_features, prediction, explanation, accepted, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			input_features = EXCLUDED.input_features,
			prediction = EXCLUDED.prediction,
			explanation = EXCLUDED.explanation,
			accepted = EXCLUDED.accepted,
			comment = EXCLUDED.comment
	`

	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		inputs,
		record.Prediction,
		explanation,
		record.Accepted,
		record.Comment,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}

// Get retrieves one feedback entry by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.FeedbackRecord, error) {
	key, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, input_features, prediction, explanation, accepted, comment, created_at
		FROM feedback
		WHERE id = $1
	`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feedback %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	return rec, nil
}

// List returns feedback entries newest first with pagination.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*domain.FeedbackRecord, error) {
	query := `
		SELECT id, input_features, prediction, explanation, accepted, comment, created_at
		FROM feedback
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var result []*domain.FeedbackRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, rec)
	}

	return result, rows.Err()
}

// Count returns the total number of feedback entries.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM feedback").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count feedback: %w", err)
	}
	return count, nil
}

// Delete removes a feedback entry by id.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	key, err := ParseID(id)
	if err != nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM feedback WHERE id = $1", key); err != nil {
		return fmt.Errorf("failed to delete feedback: %w", err)
	}
	return nil
}

// ExportJSON exports all feedback to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return exportAll(ctx, s, writer)
}

// ImportJSON imports feedback from a JSON reader.
func (s *PostgresStore) ImportJSON(ctx context.Context, reader io.Reader) (int, int, error) {
	return importAll(ctx, s, reader)
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
