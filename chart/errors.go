package chart

import (
	"errors"
	"fmt"
	"time"
)

// ErrChartNotFound is returned by lookups of a chart that does not exist
// or is not owned by this instance.
var ErrChartNotFound = errors.New("chart not found")

// ErrMachineNotFound is returned when a machine id has no registered
// evaluator.
var ErrMachineNotFound = errors.New("machine not found")

// ErrRegistrationClosed is returned by machine registration attempted
// after the engine has started.
var ErrRegistrationClosed = errors.New("machine registration is closed after engine start")

// MutexTimeoutError reports a timed mutex that could not be acquired.
// The engine treats it as a local liveness failure and shuts down.
type MutexTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *MutexTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s acquiring %s mutex", e.Timeout, e.Name)
}

// IsMutexTimeout reports whether err is or wraps a MutexTimeoutError.
func IsMutexTimeout(err error) bool {
	var t *MutexTimeoutError
	return errors.As(err, &t)
}
