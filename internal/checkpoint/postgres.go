package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keelhq/keel/internal/schema"
)

// PostgresStore keeps checkpoints in a table keyed by (venue, symbol,
// data_type) with a version column (wall-clock ms of the write). The upsert
// only applies when the incoming version is not older than the stored row, so
// reads always see the newest write, the relational stand-in for a
// version-collapsing merge engine.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore wraps an existing pool. The ingestion_checkpoints table is
// created by db/migrations.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

const (
	checkpointUpsertSQL = `
INSERT INTO ingestion_checkpoints (
    venue,
    symbol,
    data_type,
    last_timestamp,
    updated_at,
    status,
    downloaded_count,
    error_message,
    version
)
VALUES (
    @venue,
    @symbol,
    @data_type,
    @last_timestamp,
    @updated_at,
    @status,
    @downloaded_count,
    @error_message,
    @version
)
ON CONFLICT (venue, symbol, data_type) DO UPDATE SET
    last_timestamp = EXCLUDED.last_timestamp,
    updated_at = EXCLUDED.updated_at,
    status = EXCLUDED.status,
    downloaded_count = EXCLUDED.downloaded_count,
    error_message = EXCLUDED.error_message,
    version = EXCLUDED.version
WHERE ingestion_checkpoints.version <= EXCLUDED.version;
`

	checkpointSelectBase = `
SELECT
    venue,
    symbol,
    data_type,
    last_timestamp,
    updated_at,
    status,
    downloaded_count,
    COALESCE(error_message, '')
FROM ingestion_checkpoints
`

	checkpointDeleteSQL = `
DELETE FROM ingestion_checkpoints
WHERE venue = @venue AND symbol = @symbol AND data_type = @data_type;
`
)

func (s *PostgresStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("checkpoint pg store: nil pool")
	}
	return s.pool, nil
}

// Get reads the checkpoint row for the key.
func (s *PostgresStore) Get(ctx context.Context, venue, symbol string, dataType schema.DataType) (schema.Checkpoint, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Checkpoint{}, false, err
	}
	row := pool.QueryRow(ctx,
		checkpointSelectBase+"WHERE venue = $1 AND symbol = $2 AND data_type = $3",
		venue, symbol, string(dataType))
	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.Checkpoint{}, false, nil
	}
	if err != nil {
		return schema.Checkpoint{}, false, fmt.Errorf("checkpoint pg store: get: %w", err)
	}
	return cp, true, nil
}

// Save upserts the checkpoint with version = wall ms; a concurrent newer write
// wins.
func (s *PostgresStore) Save(ctx context.Context, cp schema.Checkpoint) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if cp.UpdatedAt == 0 {
		cp.UpdatedAt = s.now().UnixMilli()
	}
	if err := schema.ValidateCheckpoint(cp); err != nil {
		return fmt.Errorf("checkpoint pg store: %w", err)
	}
	if existing, ok, err := s.Get(ctx, cp.Venue, cp.Symbol, cp.DataType); err != nil {
		return err
	} else if ok {
		if err := guardMonotonic(existing, cp); err != nil {
			return fmt.Errorf("checkpoint pg store: %w", err)
		}
	}
	args := pgx.NamedArgs{
		"venue":            cp.Venue,
		"symbol":           cp.Symbol,
		"data_type":        string(cp.DataType),
		"last_timestamp":   cp.LastTimestamp,
		"updated_at":       cp.UpdatedAt,
		"status":           string(cp.Status),
		"downloaded_count": cp.DownloadedCount,
		"error_message":    nullableString(cp.ErrorMessage),
		"version":          s.now().UnixMilli(),
	}
	if _, err := pool.Exec(ctx, checkpointUpsertSQL, args); err != nil {
		return fmt.Errorf("checkpoint pg store: upsert: %w", err)
	}
	return nil
}

// GetAll lists every checkpoint ordered by key.
func (s *PostgresStore) GetAll(ctx context.Context) ([]schema.Checkpoint, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, checkpointSelectBase+"ORDER BY venue, symbol, data_type")
	if err != nil {
		return nil, fmt.Errorf("checkpoint pg store: list: %w", err)
	}
	defer rows.Close()

	var out []schema.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("checkpoint pg store: scan: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint pg store: iterate: %w", err)
	}
	return out, nil
}

// Delete removes the checkpoint row. Deleting an absent key is a no-op.
func (s *PostgresStore) Delete(ctx context.Context, venue, symbol string, dataType schema.DataType) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"venue":     venue,
		"symbol":    symbol,
		"data_type": string(dataType),
	}
	if _, err := pool.Exec(ctx, checkpointDeleteSQL, args); err != nil {
		return fmt.Errorf("checkpoint pg store: delete: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (schema.Checkpoint, error) {
	var (
		cp       schema.Checkpoint
		dataType string
		status   string
	)
	if err := row.Scan(
		&cp.Venue,
		&cp.Symbol,
		&dataType,
		&cp.LastTimestamp,
		&cp.UpdatedAt,
		&status,
		&cp.DownloadedCount,
		&cp.ErrorMessage,
	); err != nil {
		return schema.Checkpoint{}, err
	}
	cp.DataType = schema.DataType(dataType)
	cp.Status = schema.CheckpointStatus(status)
	return cp, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

var _ Store = (*PostgresStore)(nil)
