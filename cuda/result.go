package cuda

import "fmt"

// Result is a CUresult status code returned by the driver.
type Result int32

// Success is the driver's CUDA_SUCCESS.
const Success Result = 0

// Driver status codes the dispatcher is likely to see. Anything else is
// reported numerically.
var resultNames = map[Result]string{
	1:   "INVALID_VALUE",
	2:   "OUT_OF_MEMORY",
	3:   "NOT_INITIALIZED",
	100: "NO_DEVICE",
	200: "INVALID_IMAGE",
	201: "INVALID_CONTEXT",
	218: "INVALID_PTX",
	400: "INVALID_HANDLE",
	500: "NOT_FOUND",
	600: "NOT_READY",
	700: "ILLEGAL_ADDRESS",
	701: "LAUNCH_OUT_OF_RESOURCES",
	719: "LAUNCH_FAILED",
}

// String returns the driver's name for the status code.
func (r Result) String() string {
	if r == Success {
		return "CUDA_SUCCESS"
	}
	if name, ok := resultNames[r]; ok {
		return fmt.Sprintf("CUDA_ERROR_%s (%d)", name, int32(r))
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

// Error is a failed driver call: the entry point that failed and the status
// it returned. The status is passed through verbatim in the message.
type Error struct {
	Op     string
	Result Result
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Result)
}

// check converts a driver status into an error, nil on success.
func check(op string, r Result) error {
	if r == Success {
		return nil
	}
	return &Error{Op: op, Result: r}
}
