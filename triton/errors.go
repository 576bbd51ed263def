package triton

import "fmt"

// The dispatcher's failure taxonomy. Driver failures surface as *cuda.Error
// (the status is passed through verbatim); everything else maps to one of
// the types below. All of them are matched with errors.As, including through
// pkg/errors wrapping.

// CompilationError reports a failure of the external assembler.
type CompilationError struct {
	Err error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compiling GPU assembly: %v", e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// ParseError reports a malformed or undecodable opaque payload.
type ParseError struct {
	Msg string
	Err error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// InvalidArgumentError reports a launch argument that violates the call's
// declared requirements, e.g. an unaligned buffer pointer.
type InvalidArgumentError struct {
	Msg string
}

func (e *InvalidArgumentError) Error() string { return e.Msg }

// ResourceExceededError reports a kernel requirement beyond what the device
// offers.
type ResourceExceededError struct {
	Msg string
}

func (e *ResourceExceededError) Error() string { return e.Msg }
