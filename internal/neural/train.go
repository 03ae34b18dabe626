package neural

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/dshills/autoperf/internal/fault"
)

// TrainConfig controls one training session.
type TrainConfig struct {
	Epochs       int
	BatchSize    int
	Optimizer    string
	LearningRate float64
	Loss         Loss
	// Noise is the standard deviation of the Gaussian noise added to every
	// input; the target stays the clean vector.
	Noise float64
	// EarlyStop ends training once validation loss drops below it.
	EarlyStop float64
	// Validation is the fraction of whole batches held out, taken from the
	// end of the data. With a single batch the training batch is reused.
	Validation float64
	Seed       uint64
}

// History records what training did.
type History struct {
	Epochs          int
	BatchesPerEpoch int
	TrainLoss       []float64
	ValLoss         []float64
	Stopped         bool
	Used            int
}

// FinalLoss is the last validation loss, or NaN if no epoch ran.
func (h *History) FinalLoss() float64 {
	if len(h.ValLoss) == 0 {
		return math.NaN()
	}
	return h.ValLoss[len(h.ValLoss)-1]
}

func (c TrainConfig) validate() error {
	switch {
	case c.Epochs < 1:
		return fmt.Errorf("%w: epochs must be >= 1, got %d", fault.ErrInvalidConfig, c.Epochs)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be >= 1, got %d", fault.ErrInvalidConfig, c.BatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning rate must be > 0, got %g", fault.ErrInvalidConfig, c.LearningRate)
	case c.Noise < 0:
		return fmt.Errorf("%w: noise must be >= 0, got %g", fault.ErrInvalidConfig, c.Noise)
	case c.Validation < 0 || c.Validation >= 1:
		return fmt.Errorf("%w: validation split must be in [0, 1), got %g", fault.ErrInvalidConfig, c.Validation)
	}
	if _, err := newOptimizer(c.Optimizer, c.LearningRate); err != nil {
		return err
	}
	if _, err := ParseLoss(string(c.Loss)); err != nil {
		return err
	}
	return nil
}

// Train fits the network to reconstruct data from noisy copies of itself.
// The data is truncated to a whole number of batches; fewer vectors than one
// batch is ErrInsufficientData.
func (n *Network) Train(ctx context.Context, data [][]float64, cfg TrainConfig) (*History, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(data) < cfg.BatchSize {
		return nil, fmt.Errorf("%w: %d vectors, batch size %d", fault.ErrInsufficientData, len(data), cfg.BatchSize)
	}
	for i, x := range data {
		if len(x) != n.shape.Input {
			return nil, fmt.Errorf("%w: vector %d has %d values, want %d", fault.ErrInvalidConfig, i, len(x), n.shape.Input)
		}
	}

	batches := len(data) / cfg.BatchSize
	data = data[:batches*cfg.BatchSize]
	valBatches := int(math.Floor(float64(batches) * cfg.Validation))
	if valBatches >= batches {
		valBatches = batches - 1
	}
	split := (batches - valBatches) * cfg.BatchSize
	train, val := data[:split], data[split:]
	if len(val) == 0 {
		val = train
	}

	opt, _ := newOptimizer(cfg.Optimizer, cfg.LearningRate)
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0xda3e39cb94b95bdb))
	grads := n.zeroGrads()
	params := n.params()

	h := &History{BatchesPerEpoch: len(train) / cfg.BatchSize, Used: len(data)}
	noisy := make([]float64, n.shape.Input)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return h, err
		}

		perm := rng.Perm(len(train))
		var epochLoss float64
		for b := 0; b < h.BatchesPerEpoch; b++ {
			for _, g := range grads {
				clear(g)
			}
			for _, idx := range perm[b*cfg.BatchSize : (b+1)*cfg.BatchSize] {
				x := train[idx]
				for i := range x {
					noisy[i] = x[i] + rng.NormFloat64()*cfg.Noise
				}
				epochLoss += n.backprop(noisy, x, cfg.Loss, grads)
			}
			scale := 1 / float64(cfg.BatchSize)
			for _, g := range grads {
				for i := range g {
					g[i] *= scale
				}
			}
			opt.step(params, grads)
		}

		h.Epochs++
		h.TrainLoss = append(h.TrainLoss, epochLoss/float64(len(train)))
		vl := n.meanLoss(val, cfg.Loss)
		h.ValLoss = append(h.ValLoss, vl)
		if vl < cfg.EarlyStop {
			h.Stopped = true
			break
		}
	}
	return h, nil
}

func (n *Network) meanLoss(data [][]float64, loss Loss) float64 {
	var sum float64
	for _, x := range data {
		sum += n.Error(x, loss)
	}
	return sum / float64(len(data))
}

// params returns the raw parameter slices in a fixed order: for each layer,
// weights then bias.
func (n *Network) params() [][]float64 {
	out := make([][]float64, 0, 2*len(n.layers))
	for _, l := range n.layers {
		out = append(out, l.w.RawMatrix().Data, l.b.RawVector().Data)
	}
	return out
}

func (n *Network) zeroGrads() [][]float64 {
	ps := n.params()
	out := make([][]float64, len(ps))
	for i, p := range ps {
		out[i] = make([]float64, len(p))
	}
	return out
}

// backprop runs input through the network, accumulates the gradient of
// loss(output, target) into grads, and returns the loss.
func (n *Network) backprop(input, target []float64, loss Loss, grads [][]float64) float64 {
	acts := make([]*mat.VecDense, len(n.layers)+1)
	zs := make([]*mat.VecDense, len(n.layers))
	acts[0] = mat.NewVecDense(len(input), append([]float64(nil), input...))
	for i, l := range n.layers {
		rows, _ := l.w.Dims()
		zs[i] = mat.NewVecDense(rows, nil)
		acts[i+1] = l.forward(acts[i], zs[i])
	}

	out := acts[len(acts)-1].RawVector().Data
	value := loss.Value(out, target)

	delta := mat.NewVecDense(len(out), nil)
	loss.gradient(out, target, delta.RawVector().Data)

	for i := len(n.layers) - 1; i >= 0; i-- {
		l := n.layers[i]
		for j := 0; j < delta.Len(); j++ {
			delta.SetVec(j, delta.AtVec(j)*l.act.derivative(zs[i].AtVec(j), acts[i+1].AtVec(j)))
		}

		rows, cols := l.w.Dims()
		gw := mat.NewDense(rows, cols, grads[2*i])
		gw.RankOne(gw, 1, delta, acts[i])
		gb := mat.NewVecDense(rows, grads[2*i+1])
		gb.AddVec(gb, delta)

		if i > 0 {
			prev := mat.NewVecDense(cols, nil)
			prev.MulVec(l.w.T(), delta)
			delta = prev
		}
	}
	return value
}

type optimizer interface {
	step(params, grads [][]float64)
}

func newOptimizer(name string, lr float64) (optimizer, error) {
	switch strings.ToLower(name) {
	case "adam":
		return &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-7}, nil
	case "sgd":
		return &sgd{lr: lr}, nil
	default:
		return nil, fmt.Errorf("%w: unknown optimizer %q: use adam or sgd", fault.ErrInvalidConfig, name)
	}
}

type sgd struct{ lr float64 }

func (o *sgd) step(params, grads [][]float64) {
	for i, p := range params {
		for j := range p {
			p[j] -= o.lr * grads[i][j]
		}
	}
}

type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	m, v                  [][]float64
}

func (o *adam) step(params, grads [][]float64) {
	if o.m == nil {
		o.m = make([][]float64, len(params))
		o.v = make([][]float64, len(params))
		for i, p := range params {
			o.m[i] = make([]float64, len(p))
			o.v[i] = make([]float64, len(p))
		}
	}
	o.t++
	c1 := 1 - math.Pow(o.beta1, float64(o.t))
	c2 := 1 - math.Pow(o.beta2, float64(o.t))
	for i, p := range params {
		m, v, g := o.m[i], o.v[i], grads[i]
		for j := range p {
			m[j] = o.beta1*m[j] + (1-o.beta1)*g[j]
			v[j] = o.beta2*v[j] + (1-o.beta2)*g[j]*g[j]
			p[j] -= o.lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + o.eps)
		}
	}
}
