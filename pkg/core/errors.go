package core

import (
	"errors"
	"fmt"

	"github.com/oceanbase/memctx/pkg/capture"
	"github.com/oceanbase/memctx/pkg/policy"
	"github.com/oceanbase/memctx/pkg/quota"
	"github.com/oceanbase/memctx/pkg/recall"
	"github.com/oceanbase/memctx/pkg/registry"
)

// Errors returned by Client operations. They are the sentinels of the
// owning packages, re-exported so callers need only import core.
var (
	ErrContextNotFound      = registry.ErrContextNotFound
	ErrDuplicateContextName = registry.ErrDuplicateContextName
	ErrContextNotActive     = registry.ErrContextNotActive
	ErrNoActiveContext      = registry.ErrNoActiveContext
	ErrPermissionDenied     = policy.ErrPermissionDenied
	ErrSharingCycle         = policy.ErrSharingCycle
	ErrFlushFailed          = capture.ErrFlushFailed
	ErrPartialRecall        = recall.ErrPartialRecall

	// ErrQuotaExceeded is what the default quota returns. Quota errors are
	// never wrapped, whatever checker produced them.
	ErrQuotaExceeded = quota.ErrQuotaExceeded

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// MemoryError wraps errors with operation context.
//
// Example:
//
//	err := &MemoryError{
//	    Op:  "Stop",
//	    Err: ErrFlushFailed,
//	}
//	// Error() returns: "memctx: Stop: flush failed"
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "memctx: <Op>: <Err>"
func (e *MemoryError) Error() string {
	return fmt.Sprintf("memctx: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewMemoryError("Append", err)
//	}
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{
		Op:  op,
		Err: err,
	}
}

// quotaError marks an error produced by the quota checker so that wrap can
// hand it back untouched.
type quotaError struct {
	err error
}

func (e *quotaError) Error() string { return e.err.Error() }
func (e *quotaError) Unwrap() error { return e.err }

// wrap is NewMemoryError except for quota errors, which are returned
// exactly as the checker produced them.
func wrap(op string, err error) error {
	var qe *quotaError
	if errors.As(err, &qe) {
		return qe.err
	}
	return NewMemoryError(op, err)
}
