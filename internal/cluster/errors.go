package cluster

import (
	"errors"
	"fmt"
)

// ErrManagerRunning StartManager was called while a manager loop is alive
var ErrManagerRunning = errors.New("cluster manager is already running")

// OwnershipError another manager instance owns the cluster. The manager stops and leaves
// its state at broken-lost-ownership.
type OwnershipError struct {
	Cluster  string
	Expected string
	Actual   string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("expected ownership tag of cluster %s to be %q but was %q", e.Cluster, e.Expected, e.Actual)
}

// FatalError a failure that stopped the manager loop. The manager does not restart itself.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("cluster manager stopped: %v", e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}
