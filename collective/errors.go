package collective

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrValidation matches every argument validation failure.
	ErrValidation = stderrors.New("collective: invalid argument")
	// ErrUnsupported matches operations this backend does not provide.
	ErrUnsupported = stderrors.New("collective: unsupported operation")
	// ErrEngine matches failures reported by the communication engine.
	ErrEngine = stderrors.New("collective: engine failure")
	// ErrClosed indicates the group or runtime has already been closed.
	ErrClosed = stderrors.New("collective: closed")
)

// ValidationError describes a rejected argument. No engine call was made.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Op == "" {
		return "collective: " + e.Reason
	}
	return fmt.Sprintf("collective %s: %s", e.Op, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// withOp fills in the operation name of a validation error.
func withOp(op string, err error) error {
	var verr *ValidationError
	if stderrors.As(err, &verr) && verr.Op == "" {
		verr.Op = op
	}
	return err
}

// UnsupportedOperationError is returned by operations the backend lacks.
type UnsupportedOperationError struct {
	Op string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("collective: %s is not supported by the %s backend", e.Op, BackendName)
}

func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrUnsupported
}

// EngineError carries an engine failure together with the call site that
// observed it.
type EngineError struct {
	Op   string
	Site string
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("collective %s: engine failure at %s: %v", e.Op, e.Site, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) Is(target error) bool {
	return target == ErrEngine
}

// wrapEngine records the stack at the point the engine error surfaced.
func wrapEngine(op, site string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, Site: site, Err: errors.WithStack(err)}
}

// MisuseError reports API misuse of a Work handle.
type MisuseError struct {
	Label  string
	Reason string
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("collective work %q: %s", e.Label, e.Reason)
}
