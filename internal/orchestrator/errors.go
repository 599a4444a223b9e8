package orchestrator

import (
	"errors"
	"fmt"
)

// ErrTraceNotStarted is returned when the trace session did not become ready,
// in which case the app is never started.
var ErrTraceNotStarted = errors.New("trace session failed to start")

// ExitError carries the exit code of the monitored process as reported by the
// kernel process provider.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("process exited with code %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("process exited with code %d", e.Code)
}
