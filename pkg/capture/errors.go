package capture

import "errors"

var (
	// ErrContextNotActive is returned when appending to a context that has
	// no open buffer.
	ErrContextNotActive = errors.New("context not active")

	// ErrFlushFailed marks a buffer whose flush exhausted its retries.
	ErrFlushFailed = errors.New("flush failed")

	// ErrBufferExists is returned by Open for a context that already has
	// a buffer.
	ErrBufferExists = errors.New("buffer already open")
)
