package triton

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/exceptions"

	"github.com/gomlx/gotriton/cuda"
)

// Call is a decoded, launchable call object: either a *KernelCall or an
// *AutotunedKernelCall.
type Call interface {
	// Launch binds the call's parameters to buffers and issues the kernel
	// on stream. Array parameters consume buffers entries in declared
	// order; the caller must supply one entry per array parameter.
	Launch(stream cuda.Stream, buffers []cuda.DevicePtr) error
}

// ParameterKind discriminates the Parameter sum type.
type ParameterKind int

const (
	ParamArray ParameterKind = iota
	ParamBool
	ParamInt32
	ParamUint32
	ParamInt64
	ParamUint64
)

// ArrayParameter describes a device-buffer parameter: how many leading
// bytes to zero-fill before the launch, and the power-of-two alignment the
// buffer address must satisfy. Zero means no requirement.
type ArrayParameter struct {
	BytesToZero     uint64
	PtrDivisibility uint64
}

// Parameter is one kernel argument: either an array descriptor bound to a
// caller buffer at launch time, or a scalar stored by value. The closed set
// of kinds is matched exhaustively at the marshaling and serialization
// boundaries.
type Parameter struct {
	kind  ParameterKind
	array ArrayParameter

	// Scalar bits, little-endian in an 8-byte slot. The launch convention
	// passes the address of this field, so Parameters must stay reachable
	// for the duration of the launch (they live on the KernelCall). The
	// sub-8-byte variants read the low-order bytes of the slot, so this
	// works on little-endian hosts only.
	scalar uint64
}

// NewArrayParameter declares a device-buffer parameter.
func NewArrayParameter(bytesToZero, ptrDivisibility uint64) Parameter {
	return Parameter{kind: ParamArray, array: ArrayParameter{BytesToZero: bytesToZero, PtrDivisibility: ptrDivisibility}}
}

// NewBoolParameter declares a boolean scalar parameter.
func NewBoolParameter(value bool) Parameter {
	var bits uint64
	if value {
		bits = 1
	}
	return Parameter{kind: ParamBool, scalar: bits}
}

// NewInt32Parameter declares a signed 32-bit scalar parameter.
func NewInt32Parameter(value int32) Parameter {
	return Parameter{kind: ParamInt32, scalar: uint64(uint32(value))}
}

// NewUint32Parameter declares an unsigned 32-bit scalar parameter.
func NewUint32Parameter(value uint32) Parameter {
	return Parameter{kind: ParamUint32, scalar: uint64(value)}
}

// NewInt64Parameter declares a signed 64-bit scalar parameter.
func NewInt64Parameter(value int64) Parameter {
	return Parameter{kind: ParamInt64, scalar: uint64(value)}
}

// NewUint64Parameter declares an unsigned 64-bit scalar parameter.
func NewUint64Parameter(value uint64) Parameter {
	return Parameter{kind: ParamUint64, scalar: value}
}

// Kind returns the parameter's discriminant.
func (p *Parameter) Kind() ParameterKind { return p.kind }

// Array returns the array descriptor; only meaningful for ParamArray.
func (p *Parameter) Array() ArrayParameter { return p.array }

// KernelCall binds a Kernel to a fixed grid and an ordered parameter list.
// Immutable after construction, so one instance may be launched from many
// goroutines concurrently.
type KernelCall struct {
	d          *Dispatcher
	kernel     Kernel
	grid       [3]uint32
	parameters []Parameter
}

// NewKernelCall creates a launchable call. Array parameters will consume
// buffer-list entries strictly in declared order at launch time.
func NewKernelCall(d *Dispatcher, kernel Kernel, grid0, grid1, grid2 uint32, parameters []Parameter) *KernelCall {
	return &KernelCall{
		d:          d,
		kernel:     kernel,
		grid:       [3]uint32{grid0, grid1, grid2},
		parameters: parameters,
	}
}

// Kernel returns the call's launch descriptor.
func (c *KernelCall) Kernel() *Kernel { return &c.kernel }

// Grid returns the call's grid dimensions.
func (c *KernelCall) Grid() [3]uint32 { return c.grid }

// Parameters returns the call's ordered parameter list.
func (c *KernelCall) Parameters() []Parameter { return c.parameters }

// pendingMemset is a zero-fill deferred until all parameters validate.
type pendingMemset struct {
	ptr cuda.DevicePtr
	n   uint64
}

// Launch marshals the parameters and issues the kernel. Validation runs
// before any device-affecting work: if any buffer fails its alignment
// requirement, no memset or launch is issued.
func (c *KernelCall) Launch(stream cuda.Stream, buffers []cuda.DevicePtr) error {
	params := make([]unsafe.Pointer, 0, len(c.parameters))
	// Array argument slots must hold the address of the buffer-pointer
	// variable, so the pointers are parked in a slice that outlives the
	// launch call. Preallocated: append must never relocate it.
	arrayPtrs := make([]cuda.DevicePtr, 0, len(c.parameters))
	var memsets []pendingMemset

	next := 0
	for i := range c.parameters {
		param := &c.parameters[i]
		switch param.kind {
		case ParamArray:
			ptr := buffers[next]
			next++
			if div := param.array.PtrDivisibility; div != 0 && uint64(ptr)%div != 0 {
				return &InvalidArgumentError{
					Msg: fmt.Sprintf("parameter %d (%#x) is not divisible by %d", i, uintptr(ptr), div),
				}
			}
			if param.array.BytesToZero > 0 {
				memsets = append(memsets, pendingMemset{ptr: ptr, n: param.array.BytesToZero})
			}
			arrayPtrs = append(arrayPtrs, ptr)
			params = append(params, unsafe.Pointer(&arrayPtrs[len(arrayPtrs)-1]))
		case ParamBool, ParamInt32, ParamUint32, ParamInt64, ParamUint64:
			params = append(params, unsafe.Pointer(&param.scalar))
		default:
			exceptions.Panicf("unknown parameter kind %d", param.kind)
		}
	}

	if len(memsets) > 0 {
		drv, err := c.d.Driver()
		if err != nil {
			return err
		}
		// The caller must ensure no prior write to these buffers races the
		// zero-fill on this stream.
		for _, ms := range memsets {
			if err := drv.MemsetD8Async(ms.ptr, 0, ms.n, stream); err != nil {
				return err
			}
		}
	}
	return c.kernel.launch(c.d, stream, c.grid, params)
}
