package exlpatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Config carries the constants the build system resolves for the engine.
// The engine validates them once at startup and never parses anything
// itself.
type Config struct {
	// HeapSize is the size of the scratch heap reserved for the embedding
	// runtime.
	HeapSize int

	// JitPoolSize is the capacity of the trampoline pool.
	JitPoolSize int

	// InlinePoolSize is the capacity of the inline-stub pool.
	InlinePoolSize int
}

// DefaultConfig matches the sizes the reference loader reserves.
var DefaultConfig = Config{
	HeapSize:       0x8000,
	JitPoolSize:    0x1000,
	InlinePoolSize: 0x1000,
}

// Env is the process-wide context every component hangs off: the kernel
// surface, the address-space allocator, cache maintenance, the fatal sink,
// and the lazily initialized process-handle and SoC caches. Create exactly
// one per process, at startup, before installing any hook.
type Env struct {
	kernel  Kernel
	virtmem VirtMem
	cache   Cache
	log     *zap.Logger
	config  Config

	panicHandler func(string)
	abortHandler func(int)

	moduleBase uintptr

	// Set with WithPoolRegions when the pools live in linker-reserved
	// read-execute sections. Zero means host backing.
	jitBase    uintptr
	inlineBase uintptr

	handleOnce sync.Once
	handle     Handle

	socOnce sync.Once
	soc     SocType

	hooksOnce sync.Once
	jit       *pool
	inline    *pool

	heap []byte
}

// Option configures an Env.
type Option func(*Env)

// WithVirtMem supplies the address-space allocator. Required on targets
// without a host default.
func WithVirtMem(vm VirtMem) Option { return func(e *Env) { e.virtmem = vm } }

// WithCache supplies the cache-maintenance implementation.
func WithCache(c Cache) Option { return func(e *Env) { e.cache = c } }

// WithLogger enables operation tracing. The default logger is a no-op.
func WithLogger(l *zap.Logger) Option { return func(e *Env) { e.log = l } }

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option { return func(e *Env) { e.config = cfg } }

// WithModuleBase sets the base address InstallAtOffset resolves against.
func WithModuleBase(base uintptr) Option { return func(e *Env) { e.moduleBase = base } }

// WithPoolRegions places the trampoline and inline pools at fixed
// read-execute addresses reserved by the linker.
func WithPoolRegions(jit, inline uintptr) Option {
	return func(e *Env) {
		e.jitBase = jit
		e.inlineBase = inline
	}
}

// WithPanicHandler supplies the terminal panic handler. It must not return.
func WithPanicHandler(h func(string)) Option { return func(e *Env) { e.panicHandler = h } }

// WithAbortHandler supplies the terminal abort handler. It must not return.
func WithAbortHandler(h func(int)) Option { return func(e *Env) { e.abortHandler = h } }

// NewEnv builds the process context. Pool sizes are validated here, once:
// each must be a positive multiple of PageSize.
func NewEnv(k Kernel, opts ...Option) *Env {
	e := &Env{
		kernel:       k,
		log:          zap.NewNop(),
		config:       DefaultConfig,
		panicHandler: func(msg string) { panic(msg) },
		abortHandler: func(code int) { panic(fmt.Sprintf("abort(%d)", code)) },
	}
	for _, o := range opts {
		o(e)
	}
	if e.virtmem == nil {
		e.virtmem = defaultVirtMem()
	}
	if e.virtmem == nil {
		e.fatalf("no VirtMem implementation supplied")
	}
	if e.cache == nil {
		e.cache = hostCache{}
	}

	for _, s := range []struct {
		name string
		size int
	}{
		{"heap", e.config.HeapSize},
		{"jit pool", e.config.JitPoolSize},
		{"inline pool", e.config.InlinePoolSize},
	} {
		if s.size <= 0 || s.size%PageSize != 0 {
			e.fatalf("%s size %#x is not a positive page multiple", s.name, s.size)
		}
	}

	e.heap = make([]byte, e.config.HeapSize)
	return e
}

// Heap returns the scratch heap reserved for the embedding runtime.
func (e *Env) Heap() []byte { return e.heap }

// initHooks carves the two code pools and maps a retained mirror over each.
// Runs once, on the first install.
func (e *Env) initHooks() {
	e.hooksOnce.Do(func() {
		e.jit = e.newPool("jit", e.jitBase, e.config.JitPoolSize)
		e.inline = e.newPool("inline", e.inlineBase, e.config.InlinePoolSize)
	})
}
