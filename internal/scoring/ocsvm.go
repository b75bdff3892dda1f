package scoring

import (
	"context"
	"math"
)

const (
	smoTolerance = 1e-3
	smoTau       = 1e-12
)

type oneClassSVM struct {
	cfg Config
}

func (s *oneClassSVM) Model() Model          { return ModelBoundary }
func (s *oneClassSVM) MeaningfulScore() bool { return true }

// Score solves the one-class SVM dual with SMO
//
//	min 1/2 a'Ka  s.t.  0 <= a_i <= 1, sum(a) = nu*n
//
// and returns the decision value sum_i a_i K(x_i, x) - rho, scaled by
// 1/(nu*n). Rows outside the boundary have a negative score.
func (s *oneClassSVM) Score(ctx context.Context, X [][]float64) ([]Result, error) {
	n := len(X)
	if n == 0 {
		return nil, nil
	}
	gamma := rbfGamma(X)
	kernel := func(i, j int) float64 {
		if i == j {
			return 1
		}
		return math.Exp(-gamma * sqDist(X[i], X[j]))
	}
	column := func(i int, dst []float64) {
		for t := range dst {
			dst[t] = kernel(i, t)
		}
	}

	nuL := s.cfg.Nu * float64(n)
	alpha := make([]float64, n)
	full := int(nuL)
	for i := 0; i < full && i < n; i++ {
		alpha[i] = 1
	}
	if full < n {
		alpha[full] = nuL - float64(full)
	}

	grad := make([]float64, n)
	col := make([]float64, n)
	for i := 0; i < n; i++ {
		if alpha[i] == 0 {
			continue
		}
		column(i, col)
		for t := range grad {
			grad[t] += alpha[i] * col[t]
		}
	}

	colI := make([]float64, n)
	colJ := make([]float64, n)
	maxIter := 100*n + 1000
	for iter := 0; iter < maxIter; iter++ {
		if iter%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		i, j := -1, -1
		gmax, gmin := math.Inf(-1), math.Inf(1)
		for t := 0; t < n; t++ {
			if alpha[t] < 1 && -grad[t] > gmax {
				gmax = -grad[t]
				i = t
			}
			if alpha[t] > 0 && -grad[t] < gmin {
				gmin = -grad[t]
				j = t
			}
		}
		if i < 0 || j < 0 || gmax-gmin < smoTolerance {
			break
		}
		column(i, colI)
		column(j, colJ)
		quad := colI[i] + colJ[j] - 2*colI[j]
		if quad <= 0 {
			quad = smoTau
		}
		delta := (grad[j] - grad[i]) / quad
		delta = math.Min(delta, math.Min(1-alpha[i], alpha[j]))
		if delta <= 0 {
			break
		}
		alpha[i] += delta
		alpha[j] -= delta
		for t := 0; t < n; t++ {
			grad[t] += delta * (colI[t] - colJ[t])
		}
	}

	rho := computeRho(alpha, grad)
	out := make([]Result, n)
	for t := 0; t < n; t++ {
		v := (grad[t] - rho) / nuL
		out[t] = Result{Score: v, Label: labelOf(v < 0)}
	}
	return out, nil
}

func computeRho(alpha, grad []float64) float64 {
	ub, lb := math.Inf(1), math.Inf(-1)
	var sumFree float64
	var nFree int
	for t := range alpha {
		switch {
		case alpha[t] >= 1:
			lb = math.Max(lb, grad[t])
		case alpha[t] <= 0:
			ub = math.Min(ub, grad[t])
		default:
			nFree++
			sumFree += grad[t]
		}
	}
	if nFree > 0 {
		return sumFree / float64(nFree)
	}
	if math.IsInf(ub, 1) {
		return lb
	}
	if math.IsInf(lb, -1) {
		return ub
	}
	return (ub + lb) / 2
}

// rbfGamma is 1/(d * var(X)) over all entries, or 1 for constant input.
func rbfGamma(X [][]float64) float64 {
	d := len(X[0])
	if d == 0 {
		return 1
	}
	var sum, sq float64
	count := 0
	for _, row := range X {
		for _, v := range row {
			sum += v
			sq += v * v
			count++
		}
	}
	mean := sum / float64(count)
	v := sq/float64(count) - mean*mean
	if v <= 1e-12 {
		return 1
	}
	return 1 / (float64(d) * v)
}
