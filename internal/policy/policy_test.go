package policy

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdmguard/internal/config"
	"mdmguard/internal/model"
)

func defaultPolicy() Policy {
	return FromConfig(config.DefaultConfig().Policy)
}

func rec(device string, hour int, score float64) model.ScoredRecord {
	return model.ScoredRecord{
		FeatureWindow: model.FeatureWindow{
			DeviceID:    device,
			WindowStart: time.Date(2025, 9, 17, hour, 0, 0, 0, time.UTC),
			Events:      1,
		},
		Score: score,
		Label: model.LabelAnomalous,
	}
}

func TestFailedLoginSurvives(t *testing.T) {
	r := rec("D1", 10, -0.2)
	r.Events = 5
	r.FailedLogin = 5
	r.FailRatio = 1.0
	got := Filter([]model.ScoredRecord{r}, defaultPolicy())
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Reasons, ReasonFailedLogin)
}

func TestMaintenanceHourExcluded(t *testing.T) {
	r := rec("D1", 2, -10)
	r.Jailbreak = 1
	assert.Empty(t, Filter([]model.ScoredRecord{r}, defaultPolicy()))
}

func TestNormalRowsNeverAlert(t *testing.T) {
	r := rec("D1", 10, -5)
	r.Label = model.LabelNormal
	r.FailedLogin = 3
	assert.Empty(t, Filter([]model.ScoredRecord{r}, defaultPolicy()))
}

func TestSeverityOnly(t *testing.T) {
	got := Filter([]model.ScoredRecord{rec("D1", 10, -0.06), rec("D2", 10, -0.01)}, defaultPolicy())
	require.Len(t, got, 1)
	assert.Equal(t, "D1", got[0].DeviceID)
	assert.Equal(t, []string{ReasonSeverity}, got[0].Reasons)
}

func TestExcludedDevices(t *testing.T) {
	cfg := config.DefaultConfig().Policy
	cfg.ExcludedDevices = []string{" lab-ipad-01 ", ""}
	p := FromConfig(cfg)
	got := Filter([]model.ScoredRecord{rec("LAB-IPAD-01", 10, -1), rec("D2", 10, -1)}, p)
	require.Len(t, got, 1)
	assert.Equal(t, "D2", got[0].DeviceID)
}

func TestOrderedAndTruncated(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	var rs []model.ScoredRecord
	for i := 0; i < 500; i++ {
		rs = append(rs, rec(fmt.Sprintf("D%d", i), 4+rng.Intn(20), -rng.Float64()-0.1))
	}
	got := Filter(rs, defaultPolicy())
	require.Len(t, got, 200)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestFilterSound(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	p := defaultPolicy()
	var rs []model.ScoredRecord
	for i := 0; i < 1000; i++ {
		r := rec("D", rng.Intn(24), rng.NormFloat64()*0.1)
		if rng.Intn(2) == 0 {
			r.Label = model.LabelNormal
		}
		r.IsError = rng.Intn(2)
		r.BlockedApp = rng.Intn(2)
		rs = append(rs, r)
	}
	p.TopK = 0
	for _, a := range Filter(rs, p) {
		assert.True(t, a.Anomalous())
		assert.False(t, p.InMaintenance(a.ScoredRecord))
		assert.NotEmpty(t, a.Reasons)
		assert.True(t, a.IsError+a.BlockedApp > 0 || a.Score < p.SeverityThreshold)
	}
}
