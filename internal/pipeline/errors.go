package pipeline

import "errors"

var (
	// ErrNotRunning is returned by Start if the pipeline is not Idle.
	ErrNotRunning = errors.New("pipeline: already running or stopped")

	// ErrStopped is not returned by this package; once the pipeline has
	// stopped, Start and Stop report ErrNotRunning.
	ErrStopped = errors.New("pipeline: stopped")
)
