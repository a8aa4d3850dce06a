package zmsmq

import "errors"

// ErrMismatchedFlags is thrown if the flags for one module type are
// passed to an incompatible module type.
var ErrMismatchedFlags = errors.New("mismatched flag/module")

// ErrInvalidArguments is thrown if the command-line arguments invalid.
var ErrInvalidArguments = errors.New("invalid arguments")

// ErrTotalTimeout is returned when the per-target deadline elapses before the
// scan finishes.
var ErrTotalTimeout = errors.New("timeout")

// ErrReadLimitExceeded is returned from Read if the per-connection read limit
// is exceeded and the connection is configured to error.
var ErrReadLimitExceeded = errors.New("read limit exceeded")
