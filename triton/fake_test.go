package triton

import (
	"sync"
	"unsafe"

	"github.com/gomlx/gotriton/cuda"
)

// fakeDriver is an in-memory cuda.Driver: device memory is a map of
// allocated regions, launches advance a virtual clock by a per-kernel cost
// and may run a test-provided side effect, and events snapshot the clock so
// autotuning measures deterministic times.
type fakeDriver struct {
	mu sync.Mutex

	mem      map[cuda.DevicePtr][]byte
	nextAddr cuda.DevicePtr

	// Virtual clock in milliseconds, advanced by kernel launches.
	now        float32
	costByName map[string]float32

	nextHandle   uintptr
	moduleImages map[cuda.Module][]byte
	fnNames      map[cuda.Function]string
	events       map[cuda.Event]float32

	ctxStack  []cuda.Context
	streamCtx map[cuda.Stream]cuda.Context

	deviceAttrs  map[cuda.DeviceAttribute]int
	funcAttrs    map[cuda.Function]map[cuda.FuncAttribute]int
	cacheConfigs map[cuda.Function]cuda.FuncCacheConfig

	// onLaunch simulates the kernel's device-side effect.
	onLaunch func(kernelName string, params []unsafe.Pointer)

	// failOn forces the named entry point to fail with the given status.
	failOn map[string]cuda.Result

	ops         []string
	launches    []fakeLaunch
	memsets     []fakeMemset
	eventsMade  int
	modulesLoad int
}

type fakeLaunch struct {
	kernelName     string
	grid, block    [3]uint32
	sharedMemBytes uint32
	stream         cuda.Stream
	params         []unsafe.Pointer
}

type fakeMemset struct {
	ptr   cuda.DevicePtr
	value byte
	n     uint64
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		mem:          make(map[cuda.DevicePtr][]byte),
		nextAddr:     0x10000,
		costByName:   make(map[string]float32),
		nextHandle:   1,
		moduleImages: make(map[cuda.Module][]byte),
		fnNames:      make(map[cuda.Function]string),
		events:       make(map[cuda.Event]float32),
		streamCtx:    make(map[cuda.Stream]cuda.Context),
		deviceAttrs:  make(map[cuda.DeviceAttribute]int),
		funcAttrs:    make(map[cuda.Function]map[cuda.FuncAttribute]int),
		cacheConfigs: make(map[cuda.Function]cuda.FuncCacheConfig),
		failOn:       make(map[string]cuda.Result),
	}
}

// alloc creates a device region of n bytes aligned to 256 and returns its
// address.
func (f *fakeDriver) alloc(n int) cuda.DevicePtr {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr := f.nextAddr
	f.nextAddr += cuda.DevicePtr((n + 255) &^ 255)
	f.mem[addr] = make([]byte, n)
	return addr
}

// write fills a device region with the given bytes.
func (f *fakeDriver) write(ptr cuda.DevicePtr, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.mem[ptr], data)
}

// read returns a copy of a device region's contents.
func (f *fakeDriver) read(ptr cuda.DevicePtr) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.mem[ptr]...)
}

func (f *fakeDriver) opCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ops)
}

func (f *fakeDriver) record(op string) error {
	f.ops = append(f.ops, op)
	if result, found := f.failOn[op]; found {
		return &cuda.Error{Op: op, Result: result}
	}
	return nil
}

func (f *fakeDriver) StreamGetCtx(stream cuda.Stream) (cuda.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuStreamGetCtx"); err != nil {
		return 0, err
	}
	ctx, found := f.streamCtx[stream]
	if !found {
		ctx = cuda.Context(0xC0DE)
	}
	return ctx, nil
}

func (f *fakeDriver) CtxPushCurrent(ctx cuda.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuCtxPushCurrent"); err != nil {
		return err
	}
	f.ctxStack = append(f.ctxStack, ctx)
	return nil
}

func (f *fakeDriver) CtxPopCurrent() (cuda.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuCtxPopCurrent"); err != nil {
		return 0, err
	}
	if len(f.ctxStack) == 0 {
		return 0, &cuda.Error{Op: "cuCtxPopCurrent", Result: 201}
	}
	ctx := f.ctxStack[len(f.ctxStack)-1]
	f.ctxStack = f.ctxStack[:len(f.ctxStack)-1]
	return ctx, nil
}

func (f *fakeDriver) CtxGetDevice() (cuda.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuCtxGetDevice"); err != nil {
		return 0, err
	}
	return 0, nil
}

func (f *fakeDriver) DeviceGetAttribute(attr cuda.DeviceAttribute, dev cuda.Device) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuDeviceGetAttribute"); err != nil {
		return 0, err
	}
	return f.deviceAttrs[attr], nil
}

func (f *fakeDriver) ModuleLoadData(image []byte) (cuda.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuModuleLoadData"); err != nil {
		return 0, err
	}
	f.modulesLoad++
	module := cuda.Module(f.nextHandle)
	f.nextHandle++
	f.moduleImages[module] = image
	return module, nil
}

func (f *fakeDriver) ModuleUnload(module cuda.Module) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuModuleUnload"); err != nil {
		return err
	}
	delete(f.moduleImages, module)
	return nil
}

func (f *fakeDriver) ModuleGetFunction(module cuda.Module, name string) (cuda.Function, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuModuleGetFunction"); err != nil {
		return 0, err
	}
	fn := cuda.Function(f.nextHandle)
	f.nextHandle++
	f.fnNames[fn] = name
	return fn, nil
}

func (f *fakeDriver) FuncGetAttribute(attr cuda.FuncAttribute, fn cuda.Function) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuFuncGetAttribute"); err != nil {
		return 0, err
	}
	return f.funcAttrs[fn][attr], nil
}

func (f *fakeDriver) FuncSetAttribute(fn cuda.Function, attr cuda.FuncAttribute, value int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuFuncSetAttribute"); err != nil {
		return err
	}
	if f.funcAttrs[fn] == nil {
		f.funcAttrs[fn] = make(map[cuda.FuncAttribute]int)
	}
	f.funcAttrs[fn][attr] = value
	return nil
}

func (f *fakeDriver) FuncSetCacheConfig(fn cuda.Function, config cuda.FuncCacheConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuFuncSetCacheConfig"); err != nil {
		return err
	}
	f.cacheConfigs[fn] = config
	return nil
}

func (f *fakeDriver) LaunchKernel(fn cuda.Function, gridX, gridY, gridZ, blockX, blockY, blockZ uint32,
	sharedMemBytes uint32, stream cuda.Stream, params []unsafe.Pointer) error {
	f.mu.Lock()
	if err := f.record("cuLaunchKernel"); err != nil {
		f.mu.Unlock()
		return err
	}
	name := f.fnNames[fn]
	f.now += f.costByName[name]
	f.launches = append(f.launches, fakeLaunch{
		kernelName:     name,
		grid:           [3]uint32{gridX, gridY, gridZ},
		block:          [3]uint32{blockX, blockY, blockZ},
		sharedMemBytes: sharedMemBytes,
		stream:         stream,
		params:         append([]unsafe.Pointer(nil), params...),
	})
	onLaunch := f.onLaunch
	f.mu.Unlock()
	if onLaunch != nil {
		onLaunch(name, params)
	}
	return nil
}

func (f *fakeDriver) MemsetD8Async(dst cuda.DevicePtr, value byte, n uint64, stream cuda.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuMemsetD8Async"); err != nil {
		return err
	}
	f.memsets = append(f.memsets, fakeMemset{ptr: dst, value: value, n: n})
	if region, found := f.mem[dst]; found {
		for i := uint64(0); i < n && i < uint64(len(region)); i++ {
			region[i] = value
		}
	}
	return nil
}

func (f *fakeDriver) MemcpyDtoHAsync(dst []byte, src cuda.DevicePtr, stream cuda.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuMemcpyDtoHAsync"); err != nil {
		return err
	}
	region, found := f.mem[src]
	if !found {
		return &cuda.Error{Op: "cuMemcpyDtoHAsync", Result: 1}
	}
	copy(dst, region)
	return nil
}

func (f *fakeDriver) MemcpyHtoDAsync(dst cuda.DevicePtr, src []byte, stream cuda.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuMemcpyHtoDAsync"); err != nil {
		return err
	}
	region, found := f.mem[dst]
	if !found {
		return &cuda.Error{Op: "cuMemcpyHtoDAsync", Result: 1}
	}
	copy(region, src)
	return nil
}

func (f *fakeDriver) EventCreate() (cuda.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuEventCreate"); err != nil {
		return 0, err
	}
	f.eventsMade++
	event := cuda.Event(f.nextHandle)
	f.nextHandle++
	f.events[event] = 0
	return event, nil
}

func (f *fakeDriver) EventRecord(event cuda.Event, stream cuda.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuEventRecord"); err != nil {
		return err
	}
	f.events[event] = f.now
	return nil
}

func (f *fakeDriver) EventSynchronize(event cuda.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("cuEventSynchronize")
}

func (f *fakeDriver) EventElapsedTime(start, stop cuda.Event) (float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuEventElapsedTime"); err != nil {
		return 0, err
	}
	return f.events[stop] - f.events[start], nil
}

func (f *fakeDriver) EventDestroy(event cuda.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cuEventDestroy"); err != nil {
		return err
	}
	delete(f.events, event)
	return nil
}

func (f *fakeDriver) StreamSynchronize(stream cuda.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("cuStreamSynchronize")
}

// fakeCompiler counts invocations and hands back a canned module image.
type fakeCompiler struct {
	mu    sync.Mutex
	calls int
	image []byte
	err   error
}

func (c *fakeCompiler) Compile(ccMajor, ccMinor int, asm []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if c.image != nil {
		return c.image, nil
	}
	return append([]byte("cubin:"), asm...), nil
}

func (c *fakeCompiler) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// newTestDispatcher builds a dispatcher over fakes with a 10ms benchmark
// target.
func newTestDispatcher(driver *fakeDriver, compiler *fakeCompiler) *Dispatcher {
	return New(Options{Driver: driver, Compiler: compiler})
}
