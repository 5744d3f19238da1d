package loop

import (
	"errors"
	"fmt"
)

// ErrEstimatorPanic is wrapped by an [EstimatorFault] produced from a
// recovered panic.
var ErrEstimatorPanic = errors.New("estimator panicked")

// EstimatorFault reports that an estimator failed on a frame. The tick that
// produced it publishes nothing; the loop keeps running.
type EstimatorFault struct {
	// Estimator is the name of the failing estimator ("vitals", "bands",
	// "affect" or "quality").
	Estimator string

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (f *EstimatorFault) Error() string {
	return fmt.Sprintf("loop: estimator %s: %v", f.Estimator, f.Err)
}

// Unwrap returns the underlying cause.
func (f *EstimatorFault) Unwrap() error { return f.Err }
