// Package neural implements the dense denoising autoencoder used to model
// nominal counter signatures.
package neural

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/dshills/autoperf/internal/fault"
)

// Shape describes an autoencoder: Input → Hidden... → Latent →
// reverse(Hidden)... → Input. Hidden and latent layers use Activation; the
// output layer is sigmoid, so inputs are expected in [0, 1].
type Shape struct {
	Input      int
	Hidden     []int
	Latent     int
	Activation Activation
}

// Dims lists every layer width from input to output.
func (s Shape) Dims() []int {
	dims := []int{s.Input}
	dims = append(dims, s.Hidden...)
	dims = append(dims, s.Latent)
	for i := len(s.Hidden) - 1; i >= 0; i-- {
		dims = append(dims, s.Hidden[i])
	}
	return append(dims, s.Input)
}

func (s Shape) validate() error {
	if s.Input < 1 {
		return fmt.Errorf("%w: input width must be >= 1, got %d", fault.ErrInvalidConfig, s.Input)
	}
	if s.Latent < 1 {
		return fmt.Errorf("%w: latent width must be >= 1, got %d", fault.ErrInvalidConfig, s.Latent)
	}
	for _, h := range s.Hidden {
		if h < 1 {
			return fmt.Errorf("%w: hidden widths must be >= 1, got %v", fault.ErrInvalidConfig, s.Hidden)
		}
	}
	if _, err := ParseActivation(string(s.Activation)); err != nil {
		return err
	}
	return nil
}

type layer struct {
	w   *mat.Dense // out × in
	b   *mat.VecDense
	act Activation
}

// Network is a trained or freshly initialized autoencoder.
type Network struct {
	shape  Shape
	layers []*layer
}

// New builds a network with Xavier-uniform weights drawn from a PCG source
// seeded with seed, and zero biases.
func New(shape Shape, seed uint64) (*Network, error) {
	if err := shape.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	dims := shape.Dims()
	n := &Network{shape: shape}
	for i := 1; i < len(dims); i++ {
		in, out := dims[i-1], dims[i]
		limit := math.Sqrt(6 / float64(in+out))
		data := make([]float64, out*in)
		for j := range data {
			data[j] = (rng.Float64()*2 - 1) * limit
		}
		act := shape.Activation
		if i == len(dims)-1 {
			act = Sigmoid
		}
		n.layers = append(n.layers, &layer{
			w:   mat.NewDense(out, in, data),
			b:   mat.NewVecDense(out, nil),
			act: act,
		})
	}
	return n, nil
}

// Shape returns the network's layer description.
func (n *Network) Shape() Shape { return n.shape }

// Forward reconstructs x.
func (n *Network) Forward(x []float64) []float64 {
	if len(x) != n.shape.Input {
		panic(fmt.Sprintf("neural: input has %d values, network expects %d", len(x), n.shape.Input))
	}
	a := mat.NewVecDense(len(x), append([]float64(nil), x...))
	for _, l := range n.layers {
		a = l.forward(a, nil)
	}
	return a.RawVector().Data
}

// Error is the reconstruction loss of x.
func (n *Network) Error(x []float64, loss Loss) float64 {
	return loss.Value(n.Forward(x), x)
}

// forward computes act(W·a + b). If z is non-nil it receives W·a + b.
func (l *layer) forward(a *mat.VecDense, z *mat.VecDense) *mat.VecDense {
	rows, _ := l.w.Dims()
	pre := mat.NewVecDense(rows, nil)
	pre.MulVec(l.w, a)
	pre.AddVec(pre, l.b)
	if z != nil {
		z.CopyVec(pre)
	}
	out := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		out.SetVec(i, l.act.apply(pre.AtVec(i)))
	}
	return out
}

// LayerState is the serializable form of one layer.
type LayerState struct {
	Rows       int        `cbor:"rows"`
	Cols       int        `cbor:"cols"`
	Weights    []float64  `cbor:"weights"`
	Bias       []float64  `cbor:"bias"`
	Activation Activation `cbor:"activation"`
}

// State is the serializable form of a network.
type State struct {
	Input      int          `cbor:"input"`
	Hidden     []int        `cbor:"hidden"`
	Latent     int          `cbor:"latent"`
	Activation Activation   `cbor:"activation"`
	Layers     []LayerState `cbor:"layers"`
}

// Export captures the network's weights.
func (n *Network) Export() State {
	st := State{
		Input:      n.shape.Input,
		Hidden:     append([]int(nil), n.shape.Hidden...),
		Latent:     n.shape.Latent,
		Activation: n.shape.Activation,
	}
	for _, l := range n.layers {
		r, c := l.w.Dims()
		st.Layers = append(st.Layers, LayerState{
			Rows:       r,
			Cols:       c,
			Weights:    append([]float64(nil), l.w.RawMatrix().Data...),
			Bias:       append([]float64(nil), l.b.RawVector().Data...),
			Activation: l.act,
		})
	}
	return st
}

// Import rebuilds a network from Export output.
func Import(st State) (*Network, error) {
	shape := Shape{Input: st.Input, Hidden: st.Hidden, Latent: st.Latent, Activation: st.Activation}
	if err := shape.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrReadFailed, err)
	}
	dims := shape.Dims()
	if len(st.Layers) != len(dims)-1 {
		return nil, fmt.Errorf("%w: %d layers for shape %v", fault.ErrReadFailed, len(st.Layers), dims)
	}
	n := &Network{shape: shape}
	for i, ls := range st.Layers {
		if ls.Rows != dims[i+1] || ls.Cols != dims[i] || len(ls.Weights) != ls.Rows*ls.Cols || len(ls.Bias) != ls.Rows {
			return nil, fmt.Errorf("%w: layer %d has inconsistent dimensions", fault.ErrReadFailed, i)
		}
		if _, err := ParseActivation(string(ls.Activation)); err != nil {
			return nil, fmt.Errorf("%w: layer %d: %w", fault.ErrReadFailed, i, err)
		}
		n.layers = append(n.layers, &layer{
			w:   mat.NewDense(ls.Rows, ls.Cols, append([]float64(nil), ls.Weights...)),
			b:   mat.NewVecDense(ls.Rows, append([]float64(nil), ls.Bias...)),
			act: ls.Activation,
		})
	}
	return n, nil
}
