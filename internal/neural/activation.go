package neural

import (
	"fmt"
	"math"

	"github.com/dshills/autoperf/internal/fault"
)

// Activation names a nonlinearity applied elementwise after each layer.
type Activation string

const (
	Tanh    Activation = "tanh"
	Sigmoid Activation = "sigmoid"
	ReLU    Activation = "relu"
	Swish   Activation = "swish"
)

// ParseActivation validates a configured activation name.
func ParseActivation(s string) (Activation, error) {
	switch a := Activation(s); a {
	case Tanh, Sigmoid, ReLU, Swish:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown activation %q", fault.ErrInvalidConfig, s)
	}
}

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

func (a Activation) apply(z float64) float64 {
	switch a {
	case Tanh:
		return math.Tanh(z)
	case Sigmoid:
		return sigmoid(z)
	case ReLU:
		return math.Max(0, z)
	case Swish:
		return z * sigmoid(z)
	}
	panic("neural: unknown activation " + string(a))
}

// derivative returns d(out)/dz given the pre-activation z and out = apply(z).
func (a Activation) derivative(z, out float64) float64 {
	switch a {
	case Tanh:
		return 1 - out*out
	case Sigmoid:
		return out * (1 - out)
	case ReLU:
		if z > 0 {
			return 1
		}
		return 0
	case Swish:
		return out + sigmoid(z)*(1-out)
	}
	panic("neural: unknown activation " + string(a))
}
