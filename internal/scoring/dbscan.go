package scoring

import "context"

const (
	dbUnvisited = -2
	dbNoise     = -1
)

type dbscan struct {
	cfg Config
}

func (d *dbscan) Model() Model { return ModelDensity }

// MeaningfulScore is false: cluster membership is binary, every score is 0.
func (d *dbscan) MeaningfulScore() bool { return false }

func (d *dbscan) Score(ctx context.Context, X [][]float64) ([]Result, error) {
	labels, err := d.cluster(ctx, X)
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(X))
	for i, l := range labels {
		out[i] = Result{Label: labelOf(l == dbNoise)}
	}
	return out, nil
}

// cluster returns a cluster id per row, or dbNoise. A core point has at least
// MinSamples neighbours within Eps, itself included.
func (d *dbscan) cluster(ctx context.Context, X [][]float64) ([]int, error) {
	n := len(X)
	eps2 := d.cfg.Eps * d.cfg.Eps
	labels := make([]int, n)
	for i := range labels {
		labels[i] = dbUnvisited
	}
	region := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if sqDist(X[i], X[j]) <= eps2 {
				out = append(out, j)
			}
		}
		return out
	}
	cluster := 0
	for i := 0; i < n; i++ {
		if labels[i] != dbUnvisited {
			continue
		}
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		neighbors := region(i)
		if len(neighbors) < d.cfg.MinSamples {
			labels[i] = dbNoise
			continue
		}
		labels[i] = cluster
		queue := append([]int(nil), neighbors...)
		for k := 0; k < len(queue); k++ {
			q := queue[k]
			if labels[q] == dbNoise {
				labels[q] = cluster
			}
			if labels[q] != dbUnvisited {
				continue
			}
			labels[q] = cluster
			qn := region(q)
			if len(qn) >= d.cfg.MinSamples {
				queue = append(queue, qn...)
			}
		}
		cluster++
	}
	return labels, nil
}
