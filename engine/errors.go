package engine

import "fmt"

// Errno is an engine error code.
type Errno int32

const (
	Success Errno = iota
	ErrInvalidArgument
	ErrMismatch
	ErrTruncated
	ErrUnsupportedType
	ErrClosed
	ErrInternal
)

var errnoNames = map[Errno]string{
	Success:            "success",
	ErrInvalidArgument: "invalid argument",
	ErrMismatch:        "collective mismatch across ranks",
	ErrTruncated:       "message truncated",
	ErrUnsupportedType: "unsupported datatype",
	ErrClosed:          "communicator closed",
	ErrInternal:        "internal error",
}

// Error returns the human-readable message for the code.
func (e Errno) Error() string {
	return e.String()
}

func (e Errno) String() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return fmt.Sprintf("errno %d", int32(e))
}

// WithOp adds operation context to the Errno.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// OperationError describes a failed collective as observed by one rank.
type OperationError struct {
	Op     string
	Rank   int
	Errno  Errno
	Detail string
}

func (e OperationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("engine %s failed on rank %d: %s", e.Op, e.Rank, e.Errno)
	}
	return fmt.Sprintf("engine %s failed on rank %d: %s (%s)", e.Op, e.Rank, e.Errno, e.Detail)
}

// Unwrap allows errors.Is / errors.As to match against the underlying Errno.
func (e OperationError) Unwrap() error {
	return e.Errno
}
