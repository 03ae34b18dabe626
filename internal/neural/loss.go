package neural

import (
	"fmt"
	"math"

	"github.com/dshills/autoperf/internal/fault"
)

// Loss measures reconstruction error.
type Loss string

const (
	MeanSquaredError  Loss = "mean_squared_error"
	MeanAbsoluteError Loss = "mean_absolute_error"
)

// ParseLoss accepts the long names and the mse/mae abbreviations.
func ParseLoss(s string) (Loss, error) {
	switch s {
	case "mean_squared_error", "mse":
		return MeanSquaredError, nil
	case "mean_absolute_error", "mae":
		return MeanAbsoluteError, nil
	default:
		return "", fmt.Errorf("%w: unknown loss %q", fault.ErrInvalidConfig, s)
	}
}

// Value is the loss of output y against target t.
func (l Loss) Value(y, t []float64) float64 {
	var sum float64
	for i := range y {
		d := y[i] - t[i]
		switch l {
		case MeanAbsoluteError:
			sum += math.Abs(d)
		default:
			sum += d * d
		}
	}
	return sum / float64(len(y))
}

// gradient writes dLoss/dy into out.
func (l Loss) gradient(y, t, out []float64) {
	n := float64(len(y))
	for i := range y {
		d := y[i] - t[i]
		switch l {
		case MeanAbsoluteError:
			switch {
			case d > 0:
				out[i] = 1 / n
			case d < 0:
				out[i] = -1 / n
			default:
				out[i] = 0
			}
		default:
			out[i] = 2 * d / n
		}
	}
}
