package scoring

import (
	"context"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const eulerGamma = 0.5772156649015329

type isolationForest struct {
	cfg Config
}

func (f *isolationForest) Model() Model          { return ModelIsolation }
func (f *isolationForest) MeaningfulScore() bool { return true }

type iNode struct {
	feature int
	split   float64
	left    *iNode
	right   *iNode
	size    int
}

// Score fits the forest on X and returns decision values: negative means the
// row isolates faster than the contamination quantile and is anomalous.
func (f *isolationForest) Score(ctx context.Context, X [][]float64) ([]Result, error) {
	n := len(X)
	if n == 0 {
		return nil, nil
	}
	psi := f.cfg.SampleSize
	if psi > n {
		psi = n
	}
	maxDepth := 0
	if psi > 1 {
		maxDepth = int(math.Ceil(math.Log2(float64(psi))))
	}

	trees := make([]*iNode, f.cfg.Trees)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range trees {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(f.cfg.Seed + int64(i)*7919))
			idx := rng.Perm(n)[:psi]
			trees[i] = buildITree(X, idx, 0, maxDepth, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	norm := avgPathLength(psi)
	if norm <= 0 {
		norm = 1
	}
	raw := make([]float64, n)
	for j, x := range X {
		var sum float64
		for _, t := range trees {
			sum += pathLength(t, x, 0)
		}
		mean := sum / float64(len(trees))
		raw[j] = -math.Pow(2, -mean/norm)
	}
	offset := lowerQuantile(raw, f.cfg.Contamination)
	out := make([]Result, n)
	for j := range raw {
		s := raw[j] - offset
		out[j] = Result{Score: s, Label: labelOf(s < 0)}
	}
	return out, nil
}

func buildITree(X [][]float64, idx []int, depth, maxDepth int, rng *rand.Rand) *iNode {
	if depth >= maxDepth || len(idx) <= 1 {
		return &iNode{feature: -1, size: len(idx)}
	}
	d := len(X[idx[0]])
	type span struct {
		feature int
		lo, hi  float64
	}
	var spans []span
	for j := 0; j < d; j++ {
		lo, hi := X[idx[0]][j], X[idx[0]][j]
		for _, i := range idx[1:] {
			v := X[i][j]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi > lo {
			spans = append(spans, span{feature: j, lo: lo, hi: hi})
		}
	}
	if len(spans) == 0 {
		return &iNode{feature: -1, size: len(idx)}
	}
	sp := spans[rng.Intn(len(spans))]
	split := sp.lo + rng.Float64()*(sp.hi-sp.lo)
	if split <= sp.lo {
		split = (sp.lo + sp.hi) / 2
	}
	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if X[i][sp.feature] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &iNode{
		feature: sp.feature,
		split:   split,
		size:    len(idx),
		left:    buildITree(X, left, depth+1, maxDepth, rng),
		right:   buildITree(X, right, depth+1, maxDepth, rng),
	}
}

func pathLength(node *iNode, x []float64, depth int) float64 {
	for node.feature >= 0 {
		if x[node.feature] < node.split {
			node = node.left
		} else {
			node = node.right
		}
		depth++
	}
	return float64(depth) + avgPathLength(node.size)
}

// avgPathLength is c(n), the mean unsuccessful-search path length of a
// binary search tree over n points.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
