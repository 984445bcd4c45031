package discovery

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors for the discovery package.
var (
	// ErrAdapterNotReady is returned by StartScanning when the adapter is
	// not powered on. Callers should wait with OnReadyToScan first.
	ErrAdapterNotReady = errors.New("discovery: scanning only possible if the adapter is ready")

	// ErrTimeout is returned by OnReadyToScan when the adapter does not
	// power on within the requested window.
	ErrTimeout = errors.New("discovery: timed out waiting for adapter")

	// ErrClosed is returned by operations on a closed Controller.
	ErrClosed = errors.New("discovery: controller closed")
)

// TimeoutError reports how long OnReadyToScan waited before giving up.
// It matches ErrTimeout with errors.Is.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("discovery: adapter still not ready after %s", e.Elapsed.Round(time.Millisecond))
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
