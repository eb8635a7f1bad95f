package backends

import "fmt"

// BackendFailure wraps an error from a backend's compilation or execution
// path, naming the backend and the failing stage.
type BackendFailure struct {
	Backend string
	Stage   string
	Err     error
}

// Error implements the error interface.
func (e *BackendFailure) Error() string {
	return fmt.Sprintf("backend %q failed during %s: %v", e.Backend, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendFailure) Unwrap() error { return e.Err }

// Failuref builds a BackendFailure from a formatted message.
func Failuref(backend, stage, format string, args ...any) *BackendFailure {
	return &BackendFailure{Backend: backend, Stage: stage, Err: fmt.Errorf(format, args...)}
}
