package core

import "errors"

var (
	// ErrQueueFull is the backpressure signal returned to submitters when
	// a configured queue capacity is reached.
	ErrQueueFull = errors.New("task queue full")

	// ErrDeviceNotIdle indicates an acquire on a device that is busy or
	// unavailable. With a single dispatch loop this is a scheduler bug.
	ErrDeviceNotIdle = errors.New("device not idle")

	ErrDeviceBusy     = errors.New("device busy")
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceExists   = errors.New("device already registered")

	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskNotPending  = errors.New("task is not pending")
	ErrJobExists       = errors.New("job already registered")
	ErrJobNotFound     = errors.New("job not found")
)
