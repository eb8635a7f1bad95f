package runtime

import "fmt"

// SignatureMismatchError reports an argument buffer that does not satisfy
// the kernel signature. Dispatches failing this check never reach the
// backend.
type SignatureMismatchError struct {
	Kernel   string
	Argument string
	Expected any
	Actual   any
	Reason   string
}

// Error implements the error interface.
func (e *SignatureMismatchError) Error() string {
	msg := fmt.Sprintf("kernel %q", e.Kernel)
	if e.Argument != "" {
		msg += fmt.Sprintf(", argument %q", e.Argument)
	}
	msg += ": " + e.Reason
	if e.Expected != nil || e.Actual != nil {
		msg += fmt.Sprintf(" (expected %v, got %v)", e.Expected, e.Actual)
	}
	return msg
}
