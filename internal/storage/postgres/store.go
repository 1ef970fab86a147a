package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"priceScope/internal/model"
)

// Store provides Postgres persistence for price snapshots.
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

// UpsertSnapshots inserts or updates resolved prices, one row per asset per
// resolution timestamp.
func (s *Store) UpsertSnapshots(ctx context.Context, snapshots []model.PriceSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		batch.Queue(`
			INSERT INTO price_snapshots (
				chain_id, asset, symbol, price, decimals, strategy,
				sources_ok, sources_total, block_number, ts, resolved_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
			ON CONFLICT (chain_id, asset, ts)
			DO UPDATE SET
				symbol = EXCLUDED.symbol,
				price = EXCLUDED.price,
				decimals = EXCLUDED.decimals,
				strategy = EXCLUDED.strategy,
				sources_ok = EXCLUDED.sources_ok,
				sources_total = EXCLUDED.sources_total,
				block_number = EXCLUDED.block_number,
				resolved_at = EXCLUDED.resolved_at,
				updated_at = now()
		`,
			int64(snap.ChainID),
			snap.Asset,
			snap.Symbol,
			snap.Price,
			int16(snap.Decimals),
			snap.Strategy,
			snap.SourcesOK,
			snap.SourcesTotal,
			int64(snap.BlockNumber),
			int64(snap.Timestamp),
			snap.ResolvedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range snapshots {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// PutSnapshotBatch adapts the store to the storage.Storage sink interface.
func (s *Store) PutSnapshotBatch(snapshots []model.PriceSnapshot) error {
	return s.UpsertSnapshots(context.Background(), snapshots)
}

// LoadState returns last_run_ts for a name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var ts uint64
	row := s.pool.QueryRow(ctx, `SELECT last_run_ts FROM oracle_state WHERE name=$1`, name)
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return ts, true, nil
}

// SaveState upserts last_run_ts for a name.
func (s *Store) SaveState(ctx context.Context, name string, ts uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oracle_state (name, last_run_ts, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_run_ts = EXCLUDED.last_run_ts, updated_at = now()
	`, name, ts)
	return err
}
