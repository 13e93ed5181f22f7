package engine

import "errors"

var (
	ErrStopped      = errors.New("task engine stopped")
	ErrDraining     = errors.New("task engine draining")
	ErrQueueFull    = errors.New("task engine queue full")
	ErrOverlapSkip  = errors.New("task skipped: already queued or running")
	ErrDrainTimeout = errors.New("task engine drain grace exceeded")
)
