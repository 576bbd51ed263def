package triton

import (
	"fmt"

	"github.com/gomlx/gotriton/cuda"
)

// CallStatus is the host runtime's failure-reporting slot for a custom
// call: the entry point never returns an error or panics across the
// boundary, it records the failure message here.
type CallStatus struct {
	failed  bool
	message string
}

// SetFailure records a failure message. The first failure wins.
func (s *CallStatus) SetFailure(message string) {
	if s.failed {
		return
	}
	s.failed = true
	s.message = message
}

// Failed reports whether a failure was recorded.
func (s *CallStatus) Failed() bool { return s.failed }

// Message returns the recorded failure message, empty on success.
func (s *CallStatus) Message() string { return s.message }

// Execute is the custom-call boundary function: it resolves the opaque
// payload through the decode cache and launches the resulting call with the
// caller's buffers. All failures, including panics from below, surface
// through status.
func (d *Dispatcher) Execute(stream cuda.Stream, buffers []cuda.DevicePtr, opaque []byte, status *CallStatus) {
	defer func() {
		if exception := recover(); exception != nil {
			status.SetFailure(fmt.Sprintf("panic during kernel call: %v", exception))
		}
	}()
	call, err := d.KernelCallFromOpaque(opaque)
	if err == nil {
		err = call.Launch(stream, buffers)
	}
	if err != nil {
		status.SetFailure(err.Error())
	}
}

// Execute dispatches through the Default dispatcher.
func Execute(stream cuda.Stream, buffers []cuda.DevicePtr, opaque []byte, status *CallStatus) {
	Default().Execute(stream, buffers, opaque, status)
}
