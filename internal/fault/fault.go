// Package fault defines the error kinds shared by every autoperf component.
// Callers wrap them with fmt.Errorf("...: %w", ...) and classify with errors.Is.
package fault

import "errors"

var (
	// ErrInvalidConfig reports a configuration value that cannot be used.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrInsufficientData reports too few samples or vectors to proceed.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrReadFailed reports a missing, truncated, or malformed file.
	ErrReadFailed = errors.New("read failed")
	// ErrTampered reports a checkpoint whose digest does not authenticate.
	ErrTampered = errors.New("checkpoint tampered")
	// ErrChildFailed reports a child process that failed every attempt.
	ErrChildFailed = errors.New("child process failed")
	// ErrModeTransition reports a transition with no matching table row.
	ErrModeTransition = errors.New("mode transition violated")
)

// Kind returns the name of the first error kind err wraps, or "unknown".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrReadFailed):
		return "read_failed"
	case errors.Is(err, ErrTampered):
		return "tampered"
	case errors.Is(err, ErrChildFailed):
		return "child_failed"
	case errors.Is(err, ErrModeTransition):
		return "mode_transition"
	default:
		return "unknown"
	}
}
