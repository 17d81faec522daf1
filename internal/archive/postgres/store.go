package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"registryScope/internal/archive"
)

// Store persists applied registry events to Postgres. Rows are keyed by
// (block_number, tx_hash, log_index) so reapplied ranges upsert instead of
// duplicating.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// PutEvents batch-upserts applied events in application order.
func (s *Store) PutEvents(ctx context.Context, events []archive.AppliedEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO applied_events (
				kind, service_id, block_number, tx_hash, log_index, observed_at
			) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (block_number, tx_hash, log_index)
			DO UPDATE SET
				kind = EXCLUDED.kind,
				service_id = EXCLUDED.service_id,
				observed_at = EXCLUDED.observed_at
		`,
			ev.Kind,
			ev.ServiceID,
			int64(ev.BlockNumber),
			ev.TxHash,
			int64(ev.LogIndex),
			ev.ObservedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
