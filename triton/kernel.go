package triton

import (
	"sync"
	"unsafe"

	"k8s.io/klog/v2"

	"github.com/gomlx/gotriton/cuda"
)

// ModuleImage is a compiled module image with process lifetime. It lazily
// grows a per-context map of loaded modules and resolved entry functions;
// the native handles are owned by the image and released by finalize.
type ModuleImage struct {
	driver         cuda.Driver
	kernelName     string
	image          []byte
	sharedMemBytes uint32

	mu        sync.Mutex
	modules   []cuda.Module
	functions map[cuda.Context]cuda.Function
}

func newModuleImage(driver cuda.Driver, kernelName string, image []byte, sharedMemBytes uint32) *ModuleImage {
	return &ModuleImage{
		driver:         driver,
		kernelName:     kernelName,
		image:          image,
		sharedMemBytes: sharedMemBytes,
		functions:      make(map[cuda.Context]cuda.Function),
	}
}

// functionForContext returns the entry function handle for ctx, loading the
// module into that context on first use and configuring dynamic shared
// memory when the kernel's requirement exceeds the static limit.
func (m *ModuleImage) functionForContext(ctx cuda.Context) (cuda.Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn, found := m.functions[ctx]; found {
		return fn, nil
	}

	if err := m.driver.CtxPushCurrent(ctx); err != nil {
		return 0, err
	}
	// Restore the caller's context on every exit path; best effort.
	defer func() { _, _ = m.driver.CtxPopCurrent() }()

	module, err := m.driver.ModuleLoadData(m.image)
	if err != nil {
		return 0, err
	}
	m.modules = append(m.modules, module)

	fn, err := m.driver.ModuleGetFunction(module, m.kernelName)
	if err != nil {
		return 0, err
	}
	m.functions[ctx] = fn

	if m.sharedMemBytes <= maxStaticSharedMemBytes {
		return fn, nil
	}

	// The requirement exceeds the static limit: expose the rest of the
	// device's opt-in shared memory to the kernel as dynamic shared memory.
	device, err := m.driver.CtxGetDevice()
	if err != nil {
		return 0, err
	}
	sharedOptin, err := m.driver.DeviceGetAttribute(cuda.DevAttrMaxSharedMemoryPerBlockOptin, device)
	if err != nil {
		return 0, err
	}
	if m.sharedMemBytes > uint32(sharedOptin) {
		return 0, &ResourceExceededError{Msg: "shared memory requested exceeds device resources"}
	}
	if sharedOptin > maxStaticSharedMemBytes {
		if err := m.driver.FuncSetCacheConfig(fn, cuda.FuncCachePreferShared); err != nil {
			return 0, err
		}
		sharedStatic, err := m.driver.FuncGetAttribute(cuda.FuncAttrSharedSizeBytes, fn)
		if err != nil {
			return 0, err
		}
		if err := m.driver.FuncSetAttribute(fn, cuda.FuncAttrMaxDynamicSharedSizeBytes, sharedOptin-sharedStatic); err != nil {
			return 0, err
		}
	}
	return fn, nil
}

// finalize unloads every module loaded by this image.
func (m *ModuleImage) finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, module := range m.modules {
		if err := m.driver.ModuleUnload(module); err != nil {
			klog.Warningf("Failure while unloading module for kernel %q: %+v", m.kernelName, err)
		}
	}
	m.modules = nil
	m.functions = make(map[cuda.Context]cuda.Function)
}

// Kernel is an immutable launch descriptor: the entry name, block geometry,
// shared-memory requirement, assembly payload and target architecture. The
// intermediate representation is kept for diagnostics only.
//
// Kernels are small values: copies share the lazily resolved module image.
type Kernel struct {
	kernelName     string
	blockDimX      uint32
	sharedMemBytes uint32
	asm            string
	ir             string
	arch           int

	resolved *resolvedImage
}

// resolvedImage holds the image resolved on first launch, shared by all
// copies of a Kernel. Resolution failures are not cached: a failed compile
// is retried on the next launch, matching the image cache's
// insert-on-success-only contract.
type resolvedImage struct {
	mu    sync.Mutex
	image *ModuleImage
}

// NewKernel creates a launch descriptor. numWarps sets the block width in
// units of NumThreadsPerWarp threads. arch is the combined compute
// capability (e.g. 80 for sm_80).
func NewKernel(kernelName string, numWarps, sharedMemBytes uint32, asm, ir string, arch int) Kernel {
	return Kernel{
		kernelName:     kernelName,
		blockDimX:      numWarps * NumThreadsPerWarp,
		sharedMemBytes: sharedMemBytes,
		asm:            asm,
		ir:             ir,
		arch:           arch,
		resolved:       &resolvedImage{},
	}
}

// Name returns the kernel's entry-function name.
func (k *Kernel) Name() string { return k.kernelName }

// NumWarps returns the block width in warps.
func (k *Kernel) NumWarps() uint32 { return k.blockDimX / NumThreadsPerWarp }

// SharedMemBytes returns the kernel's shared-memory requirement.
func (k *Kernel) SharedMemBytes() uint32 { return k.sharedMemBytes }

// Arch returns the combined target compute capability.
func (k *Kernel) Arch() int { return k.arch }

// moduleImage returns the kernel's cached image, resolving it through the
// dispatcher's assembly cache on first use.
func (k *Kernel) moduleImage(d *Dispatcher) (*ModuleImage, error) {
	r := k.resolved
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.image == nil {
		image, err := d.moduleImage(k.kernelName, k.sharedMemBytes, k.asm, k.arch)
		if err != nil {
			return nil, err
		}
		r.image = image
	}
	return r.image, nil
}

// launch issues the kernel on stream with the given grid and argument
// pointers. The block is blockDimX wide and 1x1 in the other dimensions.
func (k *Kernel) launch(d *Dispatcher, stream cuda.Stream, grid [3]uint32, params []unsafe.Pointer) error {
	image, err := k.moduleImage(d)
	if err != nil {
		return err
	}
	drv, err := d.Driver()
	if err != nil {
		return err
	}
	ctx, err := drv.StreamGetCtx(stream)
	if err != nil {
		return err
	}
	fn, err := image.functionForContext(ctx)
	if err != nil {
		return err
	}
	return drv.LaunchKernel(fn, grid[0], grid[1], grid[2],
		k.blockDimX, 1, 1, k.sharedMemBytes, stream, params)
}
