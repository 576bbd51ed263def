// Package cuda defines the boundary to the CUDA driver API used by gotriton.
//
// The core never calls the driver directly: it goes through the Driver
// interface, which covers only the entry points kernel dispatch needs
// (module/function management, context push/pop, events, async memset/memcpy
// and kernel launch). LoadLibrary returns the real implementation, bound to
// libcuda at runtime via purego -- no cgo involved.
package cuda

import "unsafe"

// Handle types mirror the driver's opaque handles. They are plain uintptr
// values so they can cross the purego boundary unchanged.
type (
	// Stream is a CUstream handle.
	Stream uintptr

	// Context is a CUcontext handle.
	Context uintptr

	// Device is a CUdevice ordinal.
	Device int32

	// Module is a loaded CUmodule handle.
	Module uintptr

	// Function is a resolved CUfunction handle.
	Function uintptr

	// Event is a CUevent handle.
	Event uintptr

	// DevicePtr is a device memory address (CUdeviceptr).
	DevicePtr uintptr
)

// DeviceAttribute selects a device property for Driver.DeviceGetAttribute.
type DeviceAttribute int32

// Device attributes used by the function loader. Values match the driver's
// CUdevice_attribute enum.
const (
	DevAttrMaxSharedMemoryPerBlock          DeviceAttribute = 8
	DevAttrWarpSize                         DeviceAttribute = 10
	DevAttrComputeCapabilityMajor           DeviceAttribute = 75
	DevAttrComputeCapabilityMinor           DeviceAttribute = 76
	DevAttrMaxSharedMemoryPerMultiprocessor DeviceAttribute = 81
	DevAttrMaxSharedMemoryPerBlockOptin     DeviceAttribute = 97
)

// FuncAttribute selects a function property for FuncGetAttribute /
// FuncSetAttribute. Values match the driver's CUfunction_attribute enum.
type FuncAttribute int32

const (
	FuncAttrSharedSizeBytes           FuncAttribute = 1
	FuncAttrMaxDynamicSharedSizeBytes FuncAttribute = 8
)

// FuncCacheConfig selects the L1/shared-memory split preference for a
// function. Values match the driver's CUfunc_cache enum.
type FuncCacheConfig int32

const (
	FuncCachePreferNone   FuncCacheConfig = 0
	FuncCachePreferShared FuncCacheConfig = 1
	FuncCachePreferL1     FuncCacheConfig = 2
)

// Driver is the capability the dispatch core requires from the device
// driver. The real implementation (LoadLibrary) forwards each method to the
// corresponding libcuda entry point; tests substitute fakes.
//
// Every method returns nil on success or a *Error carrying the driver
// status verbatim.
type Driver interface {
	// StreamGetCtx returns the context that owns the stream.
	StreamGetCtx(stream Stream) (Context, error)

	// CtxPushCurrent makes ctx the calling thread's current context.
	CtxPushCurrent(ctx Context) error

	// CtxPopCurrent pops the current context, returning it.
	CtxPopCurrent() (Context, error)

	// CtxGetDevice returns the device of the current context.
	CtxGetDevice() (Device, error)

	// DeviceGetAttribute queries an integer device property.
	DeviceGetAttribute(attr DeviceAttribute, dev Device) (int, error)

	// ModuleLoadData loads a compiled module image into the current context.
	ModuleLoadData(image []byte) (Module, error)

	// ModuleUnload unloads a module previously loaded with ModuleLoadData.
	ModuleUnload(module Module) error

	// ModuleGetFunction resolves a kernel entry point within a module.
	ModuleGetFunction(module Module, name string) (Function, error)

	// FuncGetAttribute queries an integer function property.
	FuncGetAttribute(attr FuncAttribute, fn Function) (int, error)

	// FuncSetAttribute sets an integer function property.
	FuncSetAttribute(fn Function, attr FuncAttribute, value int) error

	// FuncSetCacheConfig sets the cache split preference for a function.
	FuncSetCacheConfig(fn Function, config FuncCacheConfig) error

	// LaunchKernel launches fn on stream with the given grid and block
	// geometry. params holds one pointer per kernel parameter, each pointing
	// at the argument value ("pointer to the argument" convention).
	LaunchKernel(fn Function, gridX, gridY, gridZ, blockX, blockY, blockZ uint32,
		sharedMemBytes uint32, stream Stream, params []unsafe.Pointer) error

	// MemsetD8Async sets n bytes at dst to value, ordered on stream.
	MemsetD8Async(dst DevicePtr, value byte, n uint64, stream Stream) error

	// MemcpyDtoHAsync copies len(dst) bytes from device to host, ordered on
	// stream. dst must stay alive until the stream is synchronized.
	MemcpyDtoHAsync(dst []byte, src DevicePtr, stream Stream) error

	// MemcpyHtoDAsync copies len(src) bytes from host to device, ordered on
	// stream. src must stay alive until the stream is synchronized.
	MemcpyHtoDAsync(dst DevicePtr, src []byte, stream Stream) error

	// EventCreate creates a timing event.
	EventCreate() (Event, error)

	// EventRecord records the event on the stream.
	EventRecord(event Event, stream Stream) error

	// EventSynchronize blocks until the event has occurred.
	EventSynchronize(event Event) error

	// EventElapsedTime returns milliseconds elapsed between two events.
	EventElapsedTime(start, stop Event) (float32, error)

	// EventDestroy releases an event.
	EventDestroy(event Event) error

	// StreamSynchronize blocks until all work queued on stream completes.
	StreamSynchronize(stream Stream) error
}
