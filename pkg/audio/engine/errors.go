package engine

import "errors"

var (
	// ErrDuplicateSource is returned when a capture start is requested for a
	// (kind, id) that already has an active or in-flight source. It is a
	// caller error: the engine state is unchanged.
	ErrDuplicateSource = errors.New("engine: source already active")

	// ErrAcquisitionFailed wraps the underlying cause when a device or
	// stream request is denied or unavailable. The failed source is never
	// registered; there is nothing to roll back and nothing to retry here.
	ErrAcquisitionFailed = errors.New("engine: capture acquisition failed")

	// ErrClosed is returned by lifecycle operations after [Engine.Close].
	ErrClosed = errors.New("engine: closed")
)
