//go:build darwin || freebsd || linux

package cuda

import (
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// libcuda binds the driver entry points at runtime with purego, so the
// package builds and tests run on machines without the CUDA toolkit
// installed. The handle is process-wide: the driver itself is a singleton.
type libcuda struct {
	init               func(flags uint32) Result
	streamGetCtx       func(stream uintptr, pctx *uintptr) Result
	ctxPushCurrent     func(ctx uintptr) Result
	ctxPopCurrent      func(pctx *uintptr) Result
	ctxGetDevice       func(dev *int32) Result
	deviceGetAttribute func(pi *int32, attrib int32, dev int32) Result
	moduleLoadData     func(module *uintptr, image unsafe.Pointer) Result
	moduleUnload       func(module uintptr) Result
	moduleGetFunction  func(fn *uintptr, module uintptr, name *byte) Result
	funcGetAttribute   func(pi *int32, attrib int32, fn uintptr) Result
	funcSetAttribute   func(fn uintptr, attrib int32, value int32) Result
	funcSetCacheConfig func(fn uintptr, config int32) Result
	launchKernel       func(fn uintptr, gridX, gridY, gridZ, blockX, blockY, blockZ uint32,
		sharedMemBytes uint32, stream uintptr, params unsafe.Pointer, extra unsafe.Pointer) Result
	memsetD8Async    func(dst uintptr, value byte, n uint64, stream uintptr) Result
	memcpyDtoHAsync  func(dst unsafe.Pointer, src uintptr, n uint64, stream uintptr) Result
	memcpyHtoDAsync  func(dst uintptr, src unsafe.Pointer, n uint64, stream uintptr) Result
	eventCreate      func(event *uintptr, flags uint32) Result
	eventRecord      func(event uintptr, stream uintptr) Result
	eventSynchronize func(event uintptr) Result
	eventElapsedTime func(ms *float32, start, stop uintptr) Result
	eventDestroy     func(event uintptr) Result
	streamSync       func(stream uintptr) Result
}

var (
	loadOnce   sync.Once
	loadedLib  *libcuda
	loadFailed error
)

// LoadLibrary dlopens the CUDA driver library, binds the entry points the
// dispatcher uses and initializes the driver. The result is memoized: every
// call returns the same Driver (or the same failure).
func LoadLibrary() (Driver, error) {
	loadOnce.Do(func() {
		lib, err := purego.Dlopen("libcuda.so.1", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if err != nil {
			lib, err = purego.Dlopen("libcuda.so", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		}
		if err != nil {
			loadFailed = errors.Wrap(err, "cannot load CUDA driver library (is the NVIDIA driver installed?)")
			return
		}

		l := &libcuda{}
		purego.RegisterLibFunc(&l.init, lib, "cuInit")
		purego.RegisterLibFunc(&l.streamGetCtx, lib, "cuStreamGetCtx")
		purego.RegisterLibFunc(&l.ctxPushCurrent, lib, "cuCtxPushCurrent_v2")
		purego.RegisterLibFunc(&l.ctxPopCurrent, lib, "cuCtxPopCurrent_v2")
		purego.RegisterLibFunc(&l.ctxGetDevice, lib, "cuCtxGetDevice")
		purego.RegisterLibFunc(&l.deviceGetAttribute, lib, "cuDeviceGetAttribute")
		purego.RegisterLibFunc(&l.moduleLoadData, lib, "cuModuleLoadData")
		purego.RegisterLibFunc(&l.moduleUnload, lib, "cuModuleUnload")
		purego.RegisterLibFunc(&l.moduleGetFunction, lib, "cuModuleGetFunction")
		purego.RegisterLibFunc(&l.funcGetAttribute, lib, "cuFuncGetAttribute")
		purego.RegisterLibFunc(&l.funcSetAttribute, lib, "cuFuncSetAttribute")
		purego.RegisterLibFunc(&l.funcSetCacheConfig, lib, "cuFuncSetCacheConfig")
		purego.RegisterLibFunc(&l.launchKernel, lib, "cuLaunchKernel")
		purego.RegisterLibFunc(&l.memsetD8Async, lib, "cuMemsetD8Async")
		purego.RegisterLibFunc(&l.memcpyDtoHAsync, lib, "cuMemcpyDtoHAsync_v2")
		purego.RegisterLibFunc(&l.memcpyHtoDAsync, lib, "cuMemcpyHtoDAsync_v2")
		purego.RegisterLibFunc(&l.eventCreate, lib, "cuEventCreate")
		purego.RegisterLibFunc(&l.eventRecord, lib, "cuEventRecord")
		purego.RegisterLibFunc(&l.eventSynchronize, lib, "cuEventSynchronize")
		purego.RegisterLibFunc(&l.eventElapsedTime, lib, "cuEventElapsedTime")
		purego.RegisterLibFunc(&l.eventDestroy, lib, "cuEventDestroy_v2")
		purego.RegisterLibFunc(&l.streamSync, lib, "cuStreamSynchronize")

		if err := check("cuInit", l.init(0)); err != nil {
			loadFailed = err
			return
		}
		loadedLib = l
	})
	if loadFailed != nil {
		return nil, loadFailed
	}
	return loadedLib, nil
}

func (l *libcuda) StreamGetCtx(stream Stream) (Context, error) {
	var ctx uintptr
	err := check("cuStreamGetCtx", l.streamGetCtx(uintptr(stream), &ctx))
	return Context(ctx), err
}

func (l *libcuda) CtxPushCurrent(ctx Context) error {
	return check("cuCtxPushCurrent", l.ctxPushCurrent(uintptr(ctx)))
}

func (l *libcuda) CtxPopCurrent() (Context, error) {
	var ctx uintptr
	err := check("cuCtxPopCurrent", l.ctxPopCurrent(&ctx))
	return Context(ctx), err
}

func (l *libcuda) CtxGetDevice() (Device, error) {
	var dev int32
	err := check("cuCtxGetDevice", l.ctxGetDevice(&dev))
	return Device(dev), err
}

func (l *libcuda) DeviceGetAttribute(attr DeviceAttribute, dev Device) (int, error) {
	var value int32
	err := check("cuDeviceGetAttribute", l.deviceGetAttribute(&value, int32(attr), int32(dev)))
	return int(value), err
}

func (l *libcuda) ModuleLoadData(image []byte) (Module, error) {
	var module uintptr
	err := check("cuModuleLoadData", l.moduleLoadData(&module, unsafe.Pointer(unsafe.SliceData(image))))
	return Module(module), err
}

func (l *libcuda) ModuleUnload(module Module) error {
	return check("cuModuleUnload", l.moduleUnload(uintptr(module)))
}

func (l *libcuda) ModuleGetFunction(module Module, name string) (Function, error) {
	cName := append([]byte(name), 0)
	var fn uintptr
	err := check("cuModuleGetFunction", l.moduleGetFunction(&fn, uintptr(module), &cName[0]))
	return Function(fn), err
}

func (l *libcuda) FuncGetAttribute(attr FuncAttribute, fn Function) (int, error) {
	var value int32
	err := check("cuFuncGetAttribute", l.funcGetAttribute(&value, int32(attr), uintptr(fn)))
	return int(value), err
}

func (l *libcuda) FuncSetAttribute(fn Function, attr FuncAttribute, value int) error {
	return check("cuFuncSetAttribute", l.funcSetAttribute(uintptr(fn), int32(attr), int32(value)))
}

func (l *libcuda) FuncSetCacheConfig(fn Function, config FuncCacheConfig) error {
	return check("cuFuncSetCacheConfig", l.funcSetCacheConfig(uintptr(fn), int32(config)))
}

func (l *libcuda) LaunchKernel(fn Function, gridX, gridY, gridZ, blockX, blockY, blockZ uint32,
	sharedMemBytes uint32, stream Stream, params []unsafe.Pointer) error {
	var pParams unsafe.Pointer
	if len(params) > 0 {
		pParams = unsafe.Pointer(&params[0])
	}
	return check("cuLaunchKernel", l.launchKernel(uintptr(fn), gridX, gridY, gridZ,
		blockX, blockY, blockZ, sharedMemBytes, uintptr(stream), pParams, nil))
}

func (l *libcuda) MemsetD8Async(dst DevicePtr, value byte, n uint64, stream Stream) error {
	return check("cuMemsetD8Async", l.memsetD8Async(uintptr(dst), value, n, uintptr(stream)))
}

func (l *libcuda) MemcpyDtoHAsync(dst []byte, src DevicePtr, stream Stream) error {
	return check("cuMemcpyDtoHAsync", l.memcpyDtoHAsync(
		unsafe.Pointer(unsafe.SliceData(dst)), uintptr(src), uint64(len(dst)), uintptr(stream)))
}

func (l *libcuda) MemcpyHtoDAsync(dst DevicePtr, src []byte, stream Stream) error {
	return check("cuMemcpyHtoDAsync", l.memcpyHtoDAsync(
		uintptr(dst), unsafe.Pointer(unsafe.SliceData(src)), uint64(len(src)), uintptr(stream)))
}

func (l *libcuda) EventCreate() (Event, error) {
	var event uintptr
	err := check("cuEventCreate", l.eventCreate(&event, 0))
	return Event(event), err
}

func (l *libcuda) EventRecord(event Event, stream Stream) error {
	return check("cuEventRecord", l.eventRecord(uintptr(event), uintptr(stream)))
}

func (l *libcuda) EventSynchronize(event Event) error {
	return check("cuEventSynchronize", l.eventSynchronize(uintptr(event)))
}

func (l *libcuda) EventElapsedTime(start, stop Event) (float32, error) {
	var ms float32
	err := check("cuEventElapsedTime", l.eventElapsedTime(&ms, uintptr(start), uintptr(stop)))
	return ms, err
}

func (l *libcuda) EventDestroy(event Event) error {
	return check("cuEventDestroy", l.eventDestroy(uintptr(event)))
}

func (l *libcuda) StreamSynchronize(stream Stream) error {
	return check("cuStreamSynchronize", l.streamSync(uintptr(stream)))
}
