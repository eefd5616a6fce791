//go:build arm64 && cgo

package exlpatch

/*
static void clear_cache(char *start, char *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"

import "unsafe"

// hostCache flushes through the compiler builtin, which performs both the
// data-cache clean and the instruction-cache invalidate over the range.
type hostCache struct{}

func (hostCache) FlushDataCache(addr, size uintptr) {
	C.clear_cache((*C.char)(unsafe.Pointer(addr)), (*C.char)(unsafe.Pointer(addr+size)))
}

func (hostCache) InvalidateInstructionCache(addr, size uintptr) {
	C.clear_cache((*C.char)(unsafe.Pointer(addr)), (*C.char)(unsafe.Pointer(addr+size)))
}
