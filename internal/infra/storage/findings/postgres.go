package findings

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftsec/commitwatch/internal/domain/scanning"
	"github.com/driftsec/commitwatch/internal/infra/storage"
	"github.com/driftsec/commitwatch/pkg/common/logger"
)

const createFindingsTable = `
CREATE TABLE IF NOT EXISTS findings (
	id UUID PRIMARY KEY,
	repository TEXT NOT NULL,
	commit_sha TEXT NOT NULL,
	detector TEXT NOT NULL,
	secret_type TEXT,
	file_path TEXT,
	line_number INT,
	raw_match TEXT,
	verified BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const insertFinding = `
INSERT INTO findings (id, repository, commit_sha, detector, secret_type, file_path, line_number, raw_match, verified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// PostgresStore persists findings in Postgres for querying across runs.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
	tracer trace.Tracer
}

// NewPostgresStore connects to the database and ensures the findings table
// exists.
func NewPostgresStore(ctx context.Context, dsn string, log *logger.Logger, tracer trace.Tracer) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createFindingsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure findings table: %w", err)
	}
	return &PostgresStore{pool: pool, logger: log, tracer: tracer}, nil
}

// Append inserts one finding row.
func (s *PostgresStore) Append(ctx context.Context, finding scanning.Finding) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.insert_finding",
		[]attribute.KeyValue{
			attribute.String("repository", finding.Repository()),
			attribute.String("detector", finding.Detector()),
		},
		func(ctx context.Context) error {
			_, err := s.pool.Exec(ctx, insertFinding,
				uuid.New(),
				finding.Repository(),
				finding.CommitSHA(),
				finding.Detector(),
				finding.SecretType(),
				finding.File(),
				finding.Line(),
				finding.Raw(),
				finding.Verified(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert finding: %w", err)
			}
			return nil
		})
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
