// internal/sandbox/fault.go
package sandbox

import (
	"fmt"

	errors "github.com/go-errors/errors"
	"go.starlark.net/starlark"
)

// RuleExecutionFault reports a rule body that could not be evaluated:
// a syntax error, a runtime error, a timeout or a panic in the interpreter.
type RuleExecutionFault struct {
	Key string
	// Output is whatever the rule printed before it failed.
	Output string

	err *errors.Error
}

func newFault(key, output string, cause interface{}) *RuleExecutionFault {
	return &RuleExecutionFault{
		Key:    key,
		Output: output,
		err:    errors.Wrap(cause, 1),
	}
}

func (f *RuleExecutionFault) Error() string {
	return fmt.Sprintf("check %s: %v", f.Key, f.err.Err)
}

func (f *RuleExecutionFault) Unwrap() error {
	return f.err.Err
}

// ErrorStack prefers the Starlark backtrace over the Go stack when the
// failure happened inside the rule body.
func (f *RuleExecutionFault) ErrorStack() string {
	var evalErr *starlark.EvalError
	if errors.As(f.err.Err, &evalErr) {
		return evalErr.Backtrace()
	}
	return f.err.ErrorStack()
}
