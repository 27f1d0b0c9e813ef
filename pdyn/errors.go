package pdyn

import "github.com/pkg/errors"

// Executor-internal failure kinds. These never reach the caller: the
// wrapper treats them as guard failures and retraces. Errors raised by user
// targets propagate unchanged.
var (
	errMissingBinding = errors.New("missing binding")
	errUnsupportedOp  = errors.New("unsupported opcode in executor")
	errNotEvaluated   = errors.New("node not evaluated")
)

// execError marks a failure internal to graph replay.
type execError struct {
	err error
}

func (e *execError) Error() string { return e.err.Error() }
func (e *execError) Unwrap() error { return e.err }

func internalf(base error, format string, args ...any) error {
	return &execError{err: errors.Wrapf(base, format, args...)}
}

// isExecError distinguishes replay-internal failures from user errors.
func isExecError(err error) bool {
	var e *execError
	return errors.As(err, &e)
}
