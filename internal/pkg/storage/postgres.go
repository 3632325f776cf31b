package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/fliqwatch/fliqwatch/internal/pkg/config"
	"github.com/fliqwatch/fliqwatch/internal/pkg/models"
)

// PostgresStore persists seen records in PostgreSQL. The market payload is
// stored as JSONB next to the indexed columns so /status and /links can be
// served without refetching the API.
type PostgresStore struct {
	db *sql.DB
}

var _ SeenStore = (*PostgresStore)(nil)

func NewPostgresStore(cfg *config.PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	slog.Info("PostgreSQL seen store initialized")
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS seen_markets (
		market_key VARCHAR(500) PRIMARY KEY,
		version VARCHAR(64) NOT NULL,
		first_detected_at TIMESTAMPTZ NOT NULL,
		dispatched_at TIMESTAMPTZ NOT NULL,
		skipped BOOLEAN NOT NULL DEFAULT FALSE,
		market JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_seen_markets_first_detected_at ON seen_markets(first_detected_at DESC);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) IsSeen(ctx context.Context, key, version string) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM seen_markets WHERE market_key = $1`, key).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query seen record: %w", err)
	}
	return stored == version, nil
}

func (s *PostgresStore) MarkSeen(ctx context.Context, rec SeenRecord) error {
	payload, err := json.Marshal(rec.Market)
	if err != nil {
		return fmt.Errorf("failed to marshal market: %w", err)
	}

	query := `
	INSERT INTO seen_markets (market_key, version, first_detected_at, dispatched_at, skipped, market, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, NOW())
	ON CONFLICT (market_key) DO UPDATE SET
		version = EXCLUDED.version,
		dispatched_at = EXCLUDED.dispatched_at,
		skipped = EXCLUDED.skipped,
		market = EXCLUDED.market,
		updated_at = NOW()
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.Key(), rec.Version, rec.FirstDetectedAt, rec.DispatchedAt, rec.Skipped, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert seen record: %w", err)
	}
	return nil
}

func (s *PostgresStore) All(ctx context.Context) (map[string]SeenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT market_key, version, first_detected_at, dispatched_at, skipped, market FROM seen_markets`)
	if err != nil {
		return nil, fmt.Errorf("failed to query seen records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SeenRecord)
	for rows.Next() {
		var (
			key     string
			rec     SeenRecord
			payload []byte
		)
		if err := rows.Scan(&key, &rec.Version, &rec.FirstDetectedAt, &rec.DispatchedAt, &rec.Skipped, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan seen record: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Market); err != nil {
			slog.Warn("skipping seen record with invalid market payload", "key", key, "error", err)
			continue
		}
		if rec.Market.MatchHeader == "" {
			rec.Market = models.Market{MatchHeader: key}
		}
		out[key] = rec
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM seen_markets WHERE market_key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete seen record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
