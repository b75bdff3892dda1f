//go:build !mdm_minimal

package scoring

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ReconstructionCompiledIn reports whether the autoencoder backend is part of
// this build. Build with -tags mdm_minimal to leave it out.
const ReconstructionCompiledIn = true

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-7
)

type autoencoder struct {
	cfg Config
}

func newReconstruction(cfg Config) Scorer { return &autoencoder{cfg: cfg} }

func (a *autoencoder) Model() Model          { return ModelReconstruction }
func (a *autoencoder) MeaningfulScore() bool { return true }

// Score trains a fresh dense autoencoder on X and scores every row by its
// reconstruction error. Rows whose error exceeds mean+3*std are anomalous.
func (a *autoencoder) Score(ctx context.Context, X [][]float64) ([]Result, error) {
	n := len(X)
	if n == 0 {
		return nil, nil
	}
	if a.cfg.MaxTrainTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.MaxTrainTime)
		defer cancel()
	}

	d := len(X[0])
	rng := rand.New(rand.NewSource(a.cfg.Seed))
	net := newMLP([]int{d, max(4, d/2), max(2, d/4), max(4, d/2), d}, rng)
	opt := newAdam(net, a.cfg.LearningRate)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	batch := a.cfg.BatchSize
	start := time.Now()
	for epoch := 0; epoch < a.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("autoencoder training stopped at epoch %d after %s: %w", epoch, time.Since(start).Round(time.Millisecond), err)
		}
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		for lo := 0; lo < n; lo += batch {
			hi := min(lo+batch, n)
			grads := net.zeroGrads()
			for _, idx := range order[lo:hi] {
				net.backprop(X[idx], grads)
			}
			opt.step(net, grads, float64(hi-lo))
		}
	}

	mse := make([]float64, n)
	var mean float64
	for i, x := range X {
		out := net.forward(x)
		var s float64
		for j := range x {
			diff := out[len(out)-1][j] - x[j]
			s += diff * diff
		}
		mse[i] = s / float64(d)
		mean += mse[i]
	}
	mean /= float64(n)
	var ss float64
	for _, v := range mse {
		ss += (v - mean) * (v - mean)
	}
	threshold := mean + 3*math.Sqrt(ss/float64(n))

	res := make([]Result, n)
	for i, v := range mse {
		res[i] = Result{Score: -v, Label: labelOf(v > threshold)}
	}
	return res, nil
}

type layer struct {
	in, out int
	w       []float64 // out x in, row major
	b       []float64
}

type mlp struct {
	layers []layer
}

func newMLP(sizes []int, rng *rand.Rand) *mlp {
	m := &mlp{}
	for i := 0; i+1 < len(sizes); i++ {
		in, out := sizes[i], sizes[i+1]
		limit := math.Sqrt(6 / float64(in+out))
		l := layer{in: in, out: out, w: make([]float64, in*out), b: make([]float64, out)}
		for k := range l.w {
			l.w[k] = (rng.Float64()*2 - 1) * limit
		}
		m.layers = append(m.layers, l)
	}
	return m
}

// forward returns the activations of every layer, input first.
func (m *mlp) forward(x []float64) [][]float64 {
	acts := make([][]float64, 0, len(m.layers)+1)
	acts = append(acts, x)
	cur := x
	for li, l := range m.layers {
		next := make([]float64, l.out)
		for o := 0; o < l.out; o++ {
			s := l.b[o]
			row := l.w[o*l.in : (o+1)*l.in]
			for i, v := range cur {
				s += row[i] * v
			}
			if li < len(m.layers)-1 && s < 0 {
				s = 0
			}
			next[o] = s
		}
		acts = append(acts, next)
		cur = next
	}
	return acts
}

type grads struct {
	w [][]float64
	b [][]float64
}

func (m *mlp) zeroGrads() *grads {
	g := &grads{}
	for _, l := range m.layers {
		g.w = append(g.w, make([]float64, len(l.w)))
		g.b = append(g.b, make([]float64, len(l.b)))
	}
	return g
}

// backprop accumulates the MSE gradient for one sample into g.
func (m *mlp) backprop(x []float64, g *grads) {
	acts := m.forward(x)
	out := acts[len(acts)-1]
	delta := make([]float64, len(out))
	for j := range out {
		delta[j] = 2 * (out[j] - x[j]) / float64(len(out))
	}
	for li := len(m.layers) - 1; li >= 0; li-- {
		l := m.layers[li]
		in := acts[li]
		for o := 0; o < l.out; o++ {
			g.b[li][o] += delta[o]
			row := g.w[li][o*l.in : (o+1)*l.in]
			for i, v := range in {
				row[i] += delta[o] * v
			}
		}
		if li == 0 {
			break
		}
		prev := make([]float64, l.in)
		for i := 0; i < l.in; i++ {
			if in[i] <= 0 {
				continue
			}
			var s float64
			for o := 0; o < l.out; o++ {
				s += l.w[o*l.in+i] * delta[o]
			}
			prev[i] = s
		}
		delta = prev
	}
}

type adam struct {
	lr     float64
	t      int
	mw, vw [][]float64
	mb, vb [][]float64
}

func newAdam(m *mlp, lr float64) *adam {
	a := &adam{lr: lr}
	for _, l := range m.layers {
		a.mw = append(a.mw, make([]float64, len(l.w)))
		a.vw = append(a.vw, make([]float64, len(l.w)))
		a.mb = append(a.mb, make([]float64, len(l.b)))
		a.vb = append(a.vb, make([]float64, len(l.b)))
	}
	return a
}

func (a *adam) step(m *mlp, g *grads, batch float64) {
	a.t++
	c1 := 1 - math.Pow(adamBeta1, float64(a.t))
	c2 := 1 - math.Pow(adamBeta2, float64(a.t))
	update := func(p, grad, mom, vel []float64) {
		for k := range p {
			gk := grad[k] / batch
			mom[k] = adamBeta1*mom[k] + (1-adamBeta1)*gk
			vel[k] = adamBeta2*vel[k] + (1-adamBeta2)*gk*gk
			p[k] -= a.lr * (mom[k] / c1) / (math.Sqrt(vel[k]/c2) + adamEps)
		}
	}
	for li := range m.layers {
		update(m.layers[li].w, g.w[li], a.mw[li], a.vw[li])
		update(m.layers[li].b, g.b[li], a.mb[li], a.vb[li])
	}
}
