package job

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Request-time errors. The HTTP layer maps each of these onto a status code.
var (
	ErrTooManyJobs    = errors.New("too many concurrent jobs")
	ErrUnknownJobType = errors.New("unrecognized job type")
	ErrJobNotFound    = errors.New("job not found")
	ErrInvalidBody    = errors.New("cannot deserialize JSON")
	ErrRunnerClosed   = errors.New("job runner is shut down")
)

// ValidationError carries the per-field rule failures of a rejected spec.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// RegistrationError reports a malformed handler registration. It is only
// produced at startup.
type RegistrationError struct {
	Type   string
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register job type %q: %s", e.Type, e.Reason)
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job handler panicked: %v", e.Value)
}
