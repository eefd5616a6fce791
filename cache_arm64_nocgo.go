//go:build arm64 && !cgo

package exlpatch

// arm64 requires a C compiler to flush the instruction cache.
// Install a C compiler and build with CGO_ENABLED=1.
type hostCache struct{}

func (hostCache) FlushDataCache(addr, size uintptr) {
	arm64_requires_cgo_for_instruction_cache_flushing()
}

func (hostCache) InvalidateInstructionCache(addr, size uintptr) {
	arm64_requires_cgo_for_instruction_cache_flushing()
}
