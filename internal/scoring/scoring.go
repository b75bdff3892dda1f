// Package scoring fits an anomaly model to one batch of feature vectors and
// labels every row. Models keep no state between calls; the same batch,
// parameters and seed always produce the same output.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"mdmguard/internal/model"
)

var (
	ErrUnknownModel       = errors.New("unknown model")
	ErrInvalidConfig      = errors.New("invalid scoring config")
	ErrBackendUnavailable = errors.New("scoring backend unavailable")
)

type Model string

const (
	ModelIsolation      Model = "ensemble-isolation"   // isolation forest
	ModelBoundary       Model = "boundary-estimator"   // one-class SVM, RBF kernel
	ModelDensity        Model = "density-clustering"   // DBSCAN, noise points are anomalous
	ModelReconstruction Model = "reconstruction-error" // autoencoder, optional backend
)

var aliases = map[string]Model{
	"ensemble-isolation":   ModelIsolation,
	"isoforest":            ModelIsolation,
	"isolation-forest":     ModelIsolation,
	"boundary-estimator":   ModelBoundary,
	"oneclass":             ModelBoundary,
	"one-class-svm":        ModelBoundary,
	"density-clustering":   ModelDensity,
	"dbscan":               ModelDensity,
	"reconstruction-error": ModelReconstruction,
	"autoencoder":          ModelReconstruction,
}

// Models lists the canonical model names.
func Models() []Model {
	return []Model{ModelIsolation, ModelBoundary, ModelDensity, ModelReconstruction}
}

func ParseModel(name string) (Model, error) {
	m, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return m, nil
}

type Config struct {
	Model         Model
	Contamination float64
	Nu            float64
	Trees         int
	SampleSize    int
	Eps           float64
	MinSamples    int
	Seed          int64
	Epochs        int
	BatchSize     int
	LearningRate  float64
	MaxTrainTime  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Model:         ModelIsolation,
		Contamination: 0.05,
		Nu:            0.05,
		Trees:         200,
		SampleSize:    256,
		Eps:           0.5,
		MinSamples:    5,
		Seed:          42,
		Epochs:        20,
		BatchSize:     32,
		LearningRate:  0.001,
		MaxTrainTime:  2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Trees <= 0 {
		c.Trees = def.Trees
	}
	if c.SampleSize <= 0 {
		c.SampleSize = def.SampleSize
	}
	if c.Epochs <= 0 {
		c.Epochs = def.Epochs
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.LearningRate <= 0 {
		c.LearningRate = def.LearningRate
	}
	return c
}

// Summary is the free-text parameter string recorded in the run history.
func (c Config) Summary() string {
	switch c.Model {
	case ModelIsolation:
		return fmt.Sprintf("cont=%g trees=%d sample=%d seed=%d", c.Contamination, c.Trees, c.SampleSize, c.Seed)
	case ModelBoundary:
		return fmt.Sprintf("nu=%g", c.Nu)
	case ModelDensity:
		return fmt.Sprintf("eps=%g min_samples=%d", c.Eps, c.MinSamples)
	case ModelReconstruction:
		return fmt.Sprintf("epochs=%d batch=%d lr=%g seed=%d", c.Epochs, c.BatchSize, c.LearningRate, c.Seed)
	}
	return ""
}

// Capabilities records which optional backends were found at startup.
type Capabilities struct {
	Reconstruction bool
}

// Validate checks the model name and the parameters that model uses. It does
// no I/O and no computation.
func Validate(cfg Config) error {
	m, err := ParseModel(string(cfg.Model))
	if err != nil {
		return err
	}
	switch m {
	case ModelIsolation:
		if !(cfg.Contamination > 0 && cfg.Contamination < 1) {
			return fmt.Errorf("%w: contamination must be in (0,1), got %g", ErrInvalidConfig, cfg.Contamination)
		}
	case ModelBoundary:
		if !(cfg.Nu > 0 && cfg.Nu < 1) {
			return fmt.Errorf("%w: nu must be in (0,1), got %g", ErrInvalidConfig, cfg.Nu)
		}
	case ModelDensity:
		if cfg.Eps <= 0 {
			return fmt.Errorf("%w: eps must be > 0, got %g", ErrInvalidConfig, cfg.Eps)
		}
		if cfg.MinSamples < 1 {
			return fmt.Errorf("%w: min_samples must be >= 1, got %d", ErrInvalidConfig, cfg.MinSamples)
		}
	}
	return nil
}

type Result struct {
	Label model.Label
	Score float64
}

type Scorer interface {
	Model() Model
	// MeaningfulScore is false when Score carries no ranking information.
	MeaningfulScore() bool
	Score(ctx context.Context, X [][]float64) ([]Result, error)
}

// New validates cfg and returns the scorer it selects.
func New(cfg Config, caps Capabilities) (Scorer, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	cfg.Model, _ = ParseModel(string(cfg.Model))
	cfg = cfg.withDefaults()
	switch cfg.Model {
	case ModelIsolation:
		return &isolationForest{cfg: cfg}, nil
	case ModelBoundary:
		return &oneClassSVM{cfg: cfg}, nil
	case ModelDensity:
		return &dbscan{cfg: cfg}, nil
	case ModelReconstruction:
		if !caps.Reconstruction || !ReconstructionCompiledIn {
			return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, cfg.Model)
		}
		return newReconstruction(cfg), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownModel, cfg.Model)
}

// Standardize returns a column-wise z-scored copy of X. Non-finite values
// are treated as 0 and constant columns become 0.
func Standardize(X [][]float64) [][]float64 {
	n := len(X)
	if n == 0 {
		return nil
	}
	d := len(X[0])
	out := make([][]float64, n)
	for i := range X {
		out[i] = make([]float64, d)
		for j := 0; j < d && j < len(X[i]); j++ {
			v := X[i][j]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = 0
			}
			out[i][j] = v
		}
	}
	for j := 0; j < d; j++ {
		var mean float64
		for i := 0; i < n; i++ {
			mean += out[i][j]
		}
		mean /= float64(n)
		var ss float64
		for i := 0; i < n; i++ {
			diff := out[i][j] - mean
			ss += diff * diff
		}
		std := math.Sqrt(ss / float64(n))
		for i := 0; i < n; i++ {
			if std < 1e-12 {
				out[i][j] = 0
				continue
			}
			out[i][j] = (out[i][j] - mean) / std
		}
	}
	return out
}

// lowerQuantile returns the value at position floor(q*n) of the ascending
// order of values. Fewer than floor(q*n)+1 values are strictly below it.
func lowerQuantile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	k := int(math.Floor(q * float64(len(sorted))))
	if k >= len(sorted) {
		k = len(sorted) - 1
	}
	if k < 0 {
		k = 0
	}
	return sorted[k]
}

func labelOf(anomalous bool) model.Label {
	if anomalous {
		return model.LabelAnomalous
	}
	return model.LabelNormal
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}
