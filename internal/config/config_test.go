package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdmguard/internal/scoring"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 100, cfg.Reconcile.Cap)
	assert.Equal(t, 200, cfg.Policy.TopK)
	assert.Equal(t, []int{1, 2, 3}, cfg.Policy.MaintenanceHours)
	assert.InDelta(t, -0.05, cfg.Policy.SeverityThreshold, 1e-12)
}

func TestLoadYAMLFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdmguard.yaml")
	content := `
scoring:
  model: dbscan
  eps: 0.8
features:
  window: 15min
schedule:
  interval: 10m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dbscan", cfg.Scoring.Model)
	assert.InDelta(t, 0.8, cfg.Scoring.Eps, 1e-12)
	assert.Equal(t, 5, cfg.Scoring.MinSamples)
	assert.Equal(t, 10*time.Minute, cfg.Schedule.Interval)
	assert.Equal(t, "data/data_raw", cfg.Paths.Inbox)

	w, err := ParseWindow(cfg.Features.Window)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, w)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdmguard.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scoring":{"model":"oneclass","nu":0.1},"policy":{"top_k":50}}`), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "oneclass", cfg.Scoring.Model)
	assert.Equal(t, 50, cfg.Policy.TopK)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown model":    "scoring:\n  model: random-forest\n",
		"contamination":    "scoring:\n  contamination: 1.5\n",
		"bad hour":         "policy:\n  maintenance_hours: [25]\n",
		"negative cap":     "reconcile:\n  cap: -1\n",
		"bad window":       "features:\n  window: fortnight\n",
		"bad order":        "selection:\n  order: random\n",
		"kafka no brokers": "kafka:\n  enabled: true\n",
		"storage driver":   "storage:\n  enabled: true\n  driver: mysql\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}

	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestUnknownModelIsTyped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scoring.Model = "random-forest"
	assert.ErrorIs(t, Validate(cfg), scoring.ErrUnknownModel)
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"c.yaml", "c.json"} {
		path := filepath.Join(t.TempDir(), name)
		cfg := DefaultConfig()
		cfg.Scoring.Model = "density-clustering"
		cfg.Email.MinInterval = 30 * time.Minute
		require.NoError(t, Save(path, cfg))
		got, err := Load(path)
		require.NoError(t, err, name)
		assert.Equal(t, "density-clustering", got.Scoring.Model)
		assert.Equal(t, 30*time.Minute, got.Email.MinInterval)
		assert.Equal(t, cfg.Schedule.Interval, got.Schedule.Interval)
	}
}

func TestPasswordFromEnv(t *testing.T) {
	t.Setenv("MDM_SMTP_PASS", "hunter2")
	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Email.Password)
}

func TestParseWindow(t *testing.T) {
	cases := map[string]time.Duration{
		"1h":    time.Hour,
		"90m":   90 * time.Minute,
		"1H":    time.Hour,
		"15min": 15 * time.Minute,
		"30T":   30 * time.Minute,
		"1D":    24 * time.Hour,
		"H":     time.Hour,
	}
	for in, want := range cases {
		got, err := ParseWindow(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "0h", "-1h", "3w", "0min"} {
		_, err := ParseWindow(in)
		assert.Error(t, err, in)
	}
}

func TestCapabilities(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scoring.Autoencoder.Enabled = false
	assert.False(t, cfg.Capabilities().Reconstruction)
	cfg.Scoring.Autoencoder.Enabled = true
	assert.Equal(t, scoring.ReconstructionCompiledIn, cfg.Capabilities().Reconstruction)
}

func TestManagerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdmguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scoring:\n  model: isoforest\n"), 0o644))
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "isoforest", m.Get().Scoring.Model)

	require.NoError(t, os.WriteFile(path, []byte("scoring:\n  model: dbscan\n"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.True(t, needs)

	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "dbscan", cfg.Scoring.Model)
	assert.Equal(t, "dbscan", m.Get().Scoring.Model)

	needs, err = m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestStaticManagerWatchReturns(t *testing.T) {
	m := NewStaticManager(DefaultConfig())
	done := make(chan struct{})
	go func() {
		m.Watch(time.Millisecond, nil, nil, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch on a static manager should return")
	}
}
