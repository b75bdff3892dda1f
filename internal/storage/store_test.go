package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdmguard/internal/config"
	"mdmguard/internal/model"
)

func TestNewStoreDisabled(t *testing.T) {
	s, err := NewStore(config.StorageConfig{})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewStore(config.StorageConfig{Enabled: true, Driver: "mysql"})
	assert.Error(t, err)
}

func TestSQLiteRunsAndAlerts(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	s, err := NewStore(config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Init(ctx))

	base := time.Date(2025, 9, 17, 21, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2"} {
		require.NoError(t, s.SaveRun(ctx, model.RunRecord{
			ID:        id,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Input:     "in.csv",
			Output:    "alerts.csv",
			Model:     "ensemble-isolation",
			Status:    model.RunSucceeded,
			Rows:      10,
			Windows:   4,
			Anomalies: 2,
			Alerts:    1,
		}))
	}
	alert := model.Alert{
		ScoredRecord: model.ScoredRecord{
			FeatureWindow: model.FeatureWindow{DeviceID: "D1", WindowStart: base, Events: 3},
			Score:         -0.3,
			Label:         model.LabelAnomalous,
		},
		Reasons: []string{"severity"},
	}
	require.NoError(t, s.SaveAlerts(ctx, "r2", []model.Alert{alert}))
	require.NoError(t, s.SaveAlerts(ctx, "r2", nil))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	assert.Equal(t, base.Add(time.Hour), runs[0].Timestamp)
	assert.Equal(t, model.RunSucceeded, runs[0].Status)
	assert.Equal(t, 4, runs[0].Windows)

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLiteListRunsOrdersSubsecondTimestamps(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "order.db")
	s, err := NewStore(config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))

	base := time.Date(2025, 9, 17, 21, 0, 0, 0, time.UTC)
	for id, ts := range map[string]time.Time{
		"whole":  base,
		"tenth":  base.Add(100 * time.Millisecond),
		"nanos":  base.Add(123456789),
		"second": base.Add(time.Second),
	} {
		require.NoError(t, s.SaveRun(ctx, model.RunRecord{ID: id, Timestamp: ts, Status: model.RunSucceeded}))
	}

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"second", "nanos", "tenth", "whole"}, ids)
	assert.Equal(t, base.Add(123456789), runs[1].Timestamp)
}
