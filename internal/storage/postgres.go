package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/mdmguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, placeholder: func(n int) string { return "$" + strconv.Itoa(n) }}}, nil
}

// Timestamps are stored as RFC 3339 text in both backends so ListRuns scans
// them the same way.
func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			model TEXT NOT NULL,
			params TEXT NOT NULL,
			status TEXT NOT NULL,
			rows_in INTEGER NOT NULL,
			windows INTEGER NOT NULL,
			anomalies INTEGER NOT NULL,
			alerts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_ts ON runs(ts)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			window_start TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			reasons_json JSONB NOT NULL,
			features_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_device ON alerts(device_id, window_start)`,
	})
}
