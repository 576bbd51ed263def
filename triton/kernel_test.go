package triton

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gotriton/cuda"
)

func TestModuleImageCacheReturnsSameInstance(t *testing.T) {
	driver := newFakeDriver()
	compiler := &fakeCompiler{}
	d := newTestDispatcher(driver, compiler)

	first, err := d.moduleImage("k", 0, "asm", 80)
	require.NoError(t, err)
	second, err := d.moduleImage("k", 0, "asm", 80)
	require.NoError(t, err)
	require.Same(t, first, second)
	assert.Equal(t, 1, compiler.callCount())

	// A different compile identity is a different image.
	third, err := d.moduleImage("k", 0, "asm", 90)
	require.NoError(t, err)
	require.NotSame(t, first, third)
	assert.Equal(t, 2, compiler.callCount())
}

func TestFunctionLoaderMemoizedPerContext(t *testing.T) {
	driver := newFakeDriver()
	driver.streamCtx[cuda.Stream(1)] = cuda.Context(0xA)
	driver.streamCtx[cuda.Stream(2)] = cuda.Context(0xB)
	compiler := &fakeCompiler{}
	d := newTestDispatcher(driver, compiler)

	call := NewKernelCall(d, NewKernel("k", 1, 0, "asm", "", 80), 1, 1, 1, nil)
	require.NoError(t, call.Launch(cuda.Stream(1), nil))
	require.NoError(t, call.Launch(cuda.Stream(2), nil))
	require.NoError(t, call.Launch(cuda.Stream(1), nil))

	// One compile, one module load per context, and a balanced context
	// stack afterward.
	assert.Equal(t, 1, compiler.callCount())
	assert.Equal(t, 2, driver.modulesLoad)
	assert.Empty(t, driver.ctxStack)
	assert.Len(t, driver.launches, 3)
}

func TestFunctionLoaderStaticSharedMemory(t *testing.T) {
	driver := newFakeDriver()
	d := newTestDispatcher(driver, &fakeCompiler{})

	call := NewKernelCall(d, NewKernel("k", 1, 1024, "asm", "", 80), 1, 1, 1, nil)
	require.NoError(t, call.Launch(testStream, nil))

	// Within the static limit no device attributes are queried.
	assert.NotContains(t, driver.ops, "cuDeviceGetAttribute")
	assert.Empty(t, driver.cacheConfigs)
}

func TestFunctionLoaderDynamicSharedMemory(t *testing.T) {
	driver := newFakeDriver()
	driver.deviceAttrs[cuda.DevAttrMaxSharedMemoryPerBlockOptin] = 100 * 1024
	d := newTestDispatcher(driver, &fakeCompiler{})

	call := NewKernelCall(d, NewKernel("k", 1, 64*1024, "asm", "", 80), 1, 1, 1, nil)
	require.NoError(t, call.Launch(testStream, nil))

	require.Len(t, driver.fnNames, 1)
	var fn cuda.Function
	for handle := range driver.fnNames {
		fn = handle
	}
	assert.Equal(t, cuda.FuncCachePreferShared, driver.cacheConfigs[fn])
	assert.Equal(t, 100*1024, driver.funcAttrs[fn][cuda.FuncAttrMaxDynamicSharedSizeBytes])
}

func TestFunctionLoaderSharedMemoryExceedsDevice(t *testing.T) {
	driver := newFakeDriver()
	driver.deviceAttrs[cuda.DevAttrMaxSharedMemoryPerBlockOptin] = 100 * 1024
	d := newTestDispatcher(driver, &fakeCompiler{})

	call := NewKernelCall(d, NewKernel("k", 1, 200*1024, "asm", "", 80), 1, 1, 1, nil)
	err := call.Launch(testStream, nil)

	var exceeded *ResourceExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "shared memory requested exceeds device resources", err.Error())
	assert.Empty(t, driver.launches)
	// The context was restored on the error path.
	assert.Empty(t, driver.ctxStack)
}

func TestDispatcherFinalizeUnloadsModules(t *testing.T) {
	driver := newFakeDriver()
	d := newTestDispatcher(driver, &fakeCompiler{})

	call := NewKernelCall(d, NewKernel("k", 1, 0, "asm", "", 80), 1, 1, 1, nil)
	require.NoError(t, call.Launch(testStream, nil))
	require.Equal(t, 1, driver.modulesLoad)

	d.Finalize()
	assert.Empty(t, driver.moduleImages)
}

func TestDefaultDispatcherIsShared(t *testing.T) {
	require.Same(t, Default(), Default())
}

func TestDriverConcurrentFirstUse(t *testing.T) {
	// Concurrent first callers of Driver must all observe the injected
	// driver, with no unsynchronized fast-path read racing the lazy load.
	injected := newFakeDriver()
	d := New(Options{Driver: injected, Compiler: &fakeCompiler{}})

	var wg sync.WaitGroup
	drivers := make([]cuda.Driver, 8)
	errs := make([]error, 8)
	for i := range drivers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drivers[i], errs[i] = d.Driver()
		}()
	}
	wg.Wait()

	for i := range drivers {
		require.NoError(t, errs[i])
		assert.Same(t, injected, drivers[i])
	}
}

func TestDriverConcurrentLazyLoad(t *testing.T) {
	// Without an injected driver the library loader runs at most once, and
	// every concurrent first caller observes the same outcome (this machine
	// may or may not have the driver library installed).
	d := New(Options{Compiler: &fakeCompiler{}})

	var wg sync.WaitGroup
	drivers := make([]cuda.Driver, 8)
	errs := make([]error, 8)
	for i := range drivers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drivers[i], errs[i] = d.Driver()
		}()
	}
	wg.Wait()

	for i := 1; i < len(drivers); i++ {
		assert.Equal(t, drivers[0], drivers[i])
		if errs[0] == nil {
			assert.NoError(t, errs[i])
		} else {
			assert.EqualError(t, errs[i], errs[0].Error())
		}
	}
}
