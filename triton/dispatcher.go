// Package triton dispatches precompiled GPU compute kernels on behalf of a
// numerical-computing runtime.
//
// A serialized call description (see the package's wire format in
// serial.go) is decoded once into a KernelCall or AutotunedKernelCall and
// cached for the life of the process; launching binds the call's typed
// parameters to the caller's device buffers and issues the kernel through
// the CUDA driver. Autotuned calls benchmark their candidate configurations
// on first launch and permanently commit to the fastest.
//
// All services (driver, assembler, the two process-wide caches) hang off a
// Dispatcher. Default() returns the shared production instance; tests build
// their own with New and fake collaborators.
package triton

import (
	"os"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/gomlx/gotriton/cuda"
	"github.com/gomlx/gotriton/ptxas"
)

const (
	// NumThreadsPerWarp is the block width contributed by each warp.
	NumThreadsPerWarp = 32

	// maxStaticSharedMemBytes is the largest static shared-memory allocation
	// the driver permits; anything beyond it must use dynamic shared memory.
	maxStaticSharedMemBytes = 49152

	// defaultBenchmarkMillis is the target duration of one timed
	// autotuning measurement.
	defaultBenchmarkMillis = 10.0

	// maxBenchmarkIters caps the iteration count of a timed measurement.
	maxBenchmarkIters = 100
)

// GOTRITON_AUTOTUNE_MS overrides the autotuning benchmark target duration
// (in milliseconds) of the Default dispatcher.
const GOTRITON_AUTOTUNE_MS = "GOTRITON_AUTOTUNE_MS"

// Options configures a Dispatcher. The zero value selects the production
// collaborators: the real driver library, the ptxas binary and the default
// benchmark target.
type Options struct {
	// Driver handles all device operations. Defaults to cuda.LoadLibrary,
	// resolved lazily on first use.
	Driver cuda.Driver

	// Compiler assembles kernel text into module images. Defaults to
	// &ptxas.Command{}.
	Compiler ptxas.Compiler

	// BenchmarkMillis is the target duration of one timed autotuning
	// measurement. Defaults to defaultBenchmarkMillis.
	BenchmarkMillis float64
}

// Dispatcher owns the process-wide caches and the external collaborators.
//
// Both caches are insert-only: entries live until Finalize and are never
// evicted, so a cached pointer stays valid for the life of the process.
type Dispatcher struct {
	compiler        ptxas.Compiler
	benchmarkMillis float64

	driverOnce sync.Once
	driver     cuda.Driver
	driverErr  error

	// Compiled-image cache, keyed by compile identity. The compile-on-miss
	// happens while holding mu, serializing concurrent misses.
	mu     sync.Mutex
	images map[imageKey]*ModuleImage

	// Decoded-call cache, keyed by the raw opaque bytes.
	callsMu sync.Mutex
	calls   map[string]Call
}

// imageKey is the compile identity of a module image.
type imageKey struct {
	kernelName     string
	sharedMemBytes uint32
	asm            string
	arch           int
}

// New creates a Dispatcher with the given options.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		compiler:        opts.Compiler,
		benchmarkMillis: opts.BenchmarkMillis,
		driver:          opts.Driver,
		images:          make(map[imageKey]*ModuleImage),
		calls:           make(map[string]Call),
	}
	if d.compiler == nil {
		d.compiler = &ptxas.Command{}
	}
	if d.benchmarkMillis <= 0 {
		d.benchmarkMillis = defaultBenchmarkMillis
	}
	return d
}

var (
	defaultOnce       sync.Once
	defaultDispatcher *Dispatcher
)

// Default returns the shared production Dispatcher, created on first use.
// GOTRITON_AUTOTUNE_MS, if set, overrides the benchmark target duration.
func Default() *Dispatcher {
	defaultOnce.Do(func() {
		var opts Options
		if value, found := os.LookupEnv(GOTRITON_AUTOTUNE_MS); found {
			ms, err := strconv.ParseFloat(value, 64)
			if err != nil || ms <= 0 {
				klog.Warningf("Ignoring invalid %s=%q", GOTRITON_AUTOTUNE_MS, value)
			} else {
				opts.BenchmarkMillis = ms
			}
		}
		defaultDispatcher = New(opts)
	})
	return defaultDispatcher
}

// Driver returns the device driver, loading the real library on first use
// when none was injected. The Once also orders the reads below against a
// concurrent first caller's write.
func (d *Dispatcher) Driver() (cuda.Driver, error) {
	d.driverOnce.Do(func() {
		if d.driver == nil {
			d.driver, d.driverErr = cuda.LoadLibrary()
		}
	})
	return d.driver, d.driverErr
}

// moduleImage returns the cached image for the compile identity, assembling
// it on miss. The key is not inserted when compilation fails.
func (d *Dispatcher) moduleImage(kernelName string, sharedMemBytes uint32, asm string, arch int) (*ModuleImage, error) {
	drv, err := d.Driver()
	if err != nil {
		return nil, err
	}
	key := imageKey{kernelName: kernelName, sharedMemBytes: sharedMemBytes, asm: asm, arch: arch}

	d.mu.Lock()
	defer d.mu.Unlock()
	if image, found := d.images[key]; found {
		return image, nil
	}

	ccMajor, ccMinor := arch/10, arch%10
	compiled, err := d.compiler.Compile(ccMajor, ccMinor, []byte(asm))
	if err != nil {
		return nil, &CompilationError{Err: err}
	}
	klog.V(1).Infof("Compiled %s module image for kernel %q (sm_%d%d)",
		humanize.Bytes(uint64(len(compiled))), kernelName, ccMajor, ccMinor)

	image := newModuleImage(drv, kernelName, compiled, sharedMemBytes)
	d.images[key] = image
	return image, nil
}

// Finalize unloads every module loaded by this dispatcher and drops the
// caches. The dispatcher must not be used afterward. Unload failures are
// reported and otherwise ignored: this runs at process teardown.
func (d *Dispatcher) Finalize() {
	d.callsMu.Lock()
	d.calls = make(map[string]Call)
	d.callsMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, image := range d.images {
		image.finalize()
	}
	d.images = make(map[imageKey]*ModuleImage)
}
