//go:build !arm64

package exlpatch

// Non-ARM hosts keep instruction fetch coherent with data writes; nothing to
// do. The device build is arm64 and uses the cgo variant.
type hostCache struct{}

func (hostCache) FlushDataCache(addr, size uintptr)             {}
func (hostCache) InvalidateInstructionCache(addr, size uintptr) {}
