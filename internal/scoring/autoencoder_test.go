//go:build !mdm_minimal

package scoring

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdmguard/internal/model"
)

func correlated(n int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	for i := range X {
		v := rng.Float64()
		X[i] = []float64{v, v, v, v}
	}
	return X
}

func TestReconstructionFlagsOutlier(t *testing.T) {
	X := append(correlated(200, 5), []float64{8, -8, 8, -8})
	cfg := DefaultConfig()
	cfg.Model = ModelReconstruction
	s, err := New(cfg, Capabilities{Reconstruction: true})
	require.NoError(t, err)
	res, err := s.Score(context.Background(), X)
	require.NoError(t, err)

	last := res[len(res)-1]
	assert.Equal(t, model.LabelAnomalous, last.Label)
	for _, r := range res[:len(res)-1] {
		assert.LessOrEqual(t, r.Score, 0.0)
		assert.Less(t, last.Score, r.Score)
	}
}

func TestReconstructionDeterministic(t *testing.T) {
	X := correlated(64, 8)
	cfg := DefaultConfig()
	cfg.Model = ModelReconstruction
	cfg.Epochs = 3
	s, err := New(cfg, Capabilities{Reconstruction: true})
	require.NoError(t, err)
	a, err := s.Score(context.Background(), X)
	require.NoError(t, err)
	b, err := s.Score(context.Background(), X)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestReconstructionTrainBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model = ModelReconstruction
	cfg.MaxTrainTime = time.Nanosecond
	cfg.Epochs = 1000
	s, err := New(cfg, Capabilities{Reconstruction: true})
	require.NoError(t, err)
	_, err = s.Score(context.Background(), correlated(500, 1))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
