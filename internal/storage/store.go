// Package storage mirrors run records and alerts into a SQL database so
// dashboards can query history beyond the in-memory window.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"mdmguard/internal/config"
	"mdmguard/internal/model"
)

// timeLayout is fixed-width so text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveRun(ctx context.Context, run model.RunRecord) error
	SaveAlerts(ctx context.Context, runID string, alerts []model.Alert) error
	ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) params(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = b.placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

func (b *baseStore) SaveRun(ctx context.Context, run model.RunRecord) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO runs (id, ts, input, output, model, params, status, rows_in, windows, anomalies, alerts)
		VALUES (`+b.params(11)+`)`,
		run.ID,
		run.Timestamp.UTC().Format(timeLayout),
		run.Input,
		run.Output,
		run.Model,
		run.Params,
		string(run.Status),
		run.Rows,
		run.Windows,
		run.Anomalies,
		run.Alerts,
	)
	return err
}

func (b *baseStore) SaveAlerts(ctx context.Context, runID string, alerts []model.Alert) error {
	if b.db == nil || len(alerts) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO alerts (run_id, device_id, window_start, score, reasons_json, features_json)
		VALUES (`+b.params(6)+`)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, a := range alerts {
		if _, err := stmt.ExecContext(ctx,
			runID,
			a.DeviceID,
			a.WindowStart.UTC().Format(timeLayout),
			a.Score,
			encodeJSON(a.Reasons),
			encodeJSON(a.FeatureWindow),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (b *baseStore) ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, ts, input, output, model, params, status, rows_in, windows, anomalies, alerts
		FROM runs ORDER BY ts DESC LIMIT `+b.placeholder(1), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RunRecord
	for rows.Next() {
		var r model.RunRecord
		var ts, status string
		if err := rows.Scan(&r.ID, &ts, &r.Input, &r.Output, &r.Model, &r.Params, &status,
			&r.Rows, &r.Windows, &r.Anomalies, &r.Alerts); err != nil {
			return nil, err
		}
		r.Timestamp, _ = time.Parse(timeLayout, ts)
		r.Status = model.RunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}
