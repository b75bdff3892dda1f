package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:mdmguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db, placeholder: func(int) string { return "?" }}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
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
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			window_start TEXT NOT NULL,
			score REAL NOT NULL,
			reasons_json TEXT NOT NULL,
			features_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_device ON alerts(device_id, window_start)`,
	})
}
