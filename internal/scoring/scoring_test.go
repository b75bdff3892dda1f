package scoring

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdmguard/internal/model"
)

func blob(rng *rand.Rand, n, d int, spread float64) [][]float64 {
	X := make([][]float64, n)
	for i := range X {
		X[i] = make([]float64, d)
		for j := range X[i] {
			X[i][j] = rng.NormFloat64() * spread
		}
	}
	return X
}

func anomalies(res []Result) int {
	n := 0
	for _, r := range res {
		if r.Label == model.LabelAnomalous {
			n++
		}
	}
	return n
}

func TestParseModelAliases(t *testing.T) {
	cases := map[string]Model{
		"isoforest":          ModelIsolation,
		"Ensemble-Isolation": ModelIsolation,
		"oneclass":           ModelBoundary,
		"dbscan":             ModelDensity,
		" autoencoder ":      ModelReconstruction,
	}
	for in, want := range cases {
		got, err := ParseModel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseModel("not-a-model")
	assert.True(t, errors.Is(err, ErrUnknownModel))
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))

	cfg.Model = "not-a-model"
	assert.True(t, errors.Is(Validate(cfg), ErrUnknownModel))

	cfg = DefaultConfig()
	cfg.Contamination = 0
	assert.True(t, errors.Is(Validate(cfg), ErrInvalidConfig))

	cfg = DefaultConfig()
	cfg.Model = ModelBoundary
	cfg.Nu = 1.5
	assert.True(t, errors.Is(Validate(cfg), ErrInvalidConfig))

	cfg = DefaultConfig()
	cfg.Model = ModelDensity
	cfg.MinSamples = 0
	assert.True(t, errors.Is(Validate(cfg), ErrInvalidConfig))
}

func TestNewUnknownModelFailsBeforeScoring(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model = "not-a-model"
	s, err := New(cfg, Capabilities{Reconstruction: true})
	assert.Nil(t, s)
	assert.True(t, errors.Is(err, ErrUnknownModel))
}

func TestReconstructionUnavailableWithoutCapability(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model = "autoencoder"
	_, err := New(cfg, Capabilities{})
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
}

func TestStandardize(t *testing.T) {
	X := [][]float64{{1, 5, math.NaN()}, {3, 5, 2}, {5, 5, 4}}
	Z := Standardize(X)
	require.Len(t, Z, 3)
	for i := range Z {
		assert.Zero(t, Z[i][1], "constant column")
	}
	assert.InDelta(t, -math.Sqrt(1.5), Z[0][0], 1e-9)
	assert.InDelta(t, 0, Z[1][0], 1e-9)
	assert.InDelta(t, math.Sqrt(1.5), Z[2][0], 1e-9)
	// NaN is read as 0 before scaling
	assert.False(t, math.IsNaN(Z[0][2]))
	assert.Nil(t, Standardize(nil))
}

// 3 devices x 48 hourly windows, error_rate always 0.
func TestIsolationContaminationBound(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	var windows []model.FeatureWindow
	for dev := 0; dev < 3; dev++ {
		for h := 0; h < 48; h++ {
			events := 1 + rng.Intn(6)
			windows = append(windows, model.FeatureWindow{Events: events})
		}
	}
	X := make([][]float64, len(windows))
	for i, w := range windows {
		X[i] = []float64{float64(w.Events), 0, 0, 0, 0, 0, w.ErrorRate, w.FailRatio}
	}
	s, err := New(DefaultConfig(), Capabilities{})
	require.NoError(t, err)
	res, err := s.Score(context.Background(), Standardize(X))
	require.NoError(t, err)
	require.Len(t, res, 144)
	assert.LessOrEqual(t, anomalies(res), 8)
}

func TestIsolationFlagsOutlier(t *testing.T) {
	X := blob(rand.New(rand.NewSource(1)), 200, 3, 0.5)
	X = append(X, []float64{10, 10, 10})
	s, err := New(DefaultConfig(), Capabilities{})
	require.NoError(t, err)
	res, err := s.Score(context.Background(), X)
	require.NoError(t, err)

	last := res[len(res)-1]
	assert.Equal(t, model.LabelAnomalous, last.Label)
	for _, r := range res[:len(res)-1] {
		assert.Less(t, last.Score, r.Score)
	}
	assert.LessOrEqual(t, anomalies(res), int(0.05*float64(len(X))))
}

func TestIsolationDeterministic(t *testing.T) {
	X := blob(rand.New(rand.NewSource(9)), 150, 4, 1)
	s, err := New(DefaultConfig(), Capabilities{})
	require.NoError(t, err)
	a, err := s.Score(context.Background(), X)
	require.NoError(t, err)
	b, err := s.Score(context.Background(), X)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestIsolationCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := New(DefaultConfig(), Capabilities{})
	require.NoError(t, err)
	_, err = s.Score(ctx, blob(rand.New(rand.NewSource(1)), 50, 2, 1))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBoundaryFlagsOutlier(t *testing.T) {
	X := blob(rand.New(rand.NewSource(2)), 100, 2, 0.3)
	X = append(X, []float64{8, 8})
	cfg := DefaultConfig()
	cfg.Model = "oneclass"
	s, err := New(cfg, Capabilities{})
	require.NoError(t, err)
	assert.True(t, s.MeaningfulScore())
	res, err := s.Score(context.Background(), X)
	require.NoError(t, err)
	last := res[len(res)-1]
	assert.Equal(t, model.LabelAnomalous, last.Label)
	assert.Less(t, last.Score, 0.0)
	for _, r := range res {
		assert.Equal(t, r.Score < 0, r.Label == model.LabelAnomalous)
	}
}

func TestBoundaryFlaggedFractionBoundedByNu(t *testing.T) {
	X := blob(rand.New(rand.NewSource(11)), 200, 2, 1)
	for _, nu := range []float64{0.05, 0.1, 0.2} {
		cfg := DefaultConfig()
		cfg.Model = ModelBoundary
		cfg.Nu = nu
		s, err := New(cfg, Capabilities{})
		require.NoError(t, err)
		res, err := s.Score(context.Background(), X)
		require.NoError(t, err)
		frac := float64(anomalies(res)) / float64(len(X))
		assert.LessOrEqual(t, frac, nu+0.05, "nu=%v", nu)
	}
}

func TestDensityNoiseIsAnomalous(t *testing.T) {
	X := blob(rand.New(rand.NewSource(4)), 50, 2, 0.05)
	X = append(X, []float64{5, 5})
	cfg := DefaultConfig()
	cfg.Model = ModelDensity
	s, err := New(cfg, Capabilities{})
	require.NoError(t, err)
	assert.False(t, s.MeaningfulScore())
	res, err := s.Score(context.Background(), X)
	require.NoError(t, err)
	assert.Equal(t, 1, anomalies(res))
	assert.Equal(t, model.LabelAnomalous, res[len(res)-1].Label)
	for _, r := range res {
		assert.Zero(t, r.Score)
	}
}

func TestDensityMinSamplesCountsSelf(t *testing.T) {
	// four points at one spot form a core with min_samples 4, not with 5
	X := [][]float64{{0, 0}, {0, 0}, {0, 0}, {0, 0}}
	d := &dbscan{cfg: Config{Eps: 0.5, MinSamples: 4}}
	res, err := d.Score(context.Background(), X)
	require.NoError(t, err)
	assert.Zero(t, anomalies(res))

	d.cfg.MinSamples = 5
	res, err = d.Score(context.Background(), X)
	require.NoError(t, err)
	assert.Equal(t, 4, anomalies(res))
}

func TestLowerQuantile(t *testing.T) {
	v := []float64{5, 1, 4, 2, 3}
	assert.Equal(t, 1.0, lowerQuantile(v, 0))
	assert.Equal(t, 2.0, lowerQuantile(v, 0.2))
	assert.Equal(t, 5.0, lowerQuantile(v, 1))
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, v)
}

func TestConfigSummary(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "cont=0.05 trees=200 sample=256 seed=42", cfg.Summary())
	cfg.Model = ModelDensity
	assert.Equal(t, "eps=0.5 min_samples=5", cfg.Summary())
}
