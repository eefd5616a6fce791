package exlpatch

import "unsafe"

// PageSize is the platform translation granule.
const PageSize = 0x1000

func alignDown(v uintptr) uintptr { return v &^ (PageSize - 1) }
func alignUp(v uintptr) uintptr   { return (v + PageSize - 1) &^ (PageSize - 1) }

// Reservation pins a virtual address range so no other allocation can reuse
// it while a mirror is mapped into it. It is created and released by a
// VirtMem implementation and is opaque to everything else.
type Reservation struct {
	Addr uintptr
	Size uintptr
}

// VirtMem is the userland address-space allocator. The device runtime backs
// it with its virtual-memory bookkeeping; hosts get a PROT_NONE mmap
// implementation.
type VirtMem interface {
	// FindASLR picks an unused, randomized virtual address range of the
	// given size. It does not claim the range; call AddReservation before
	// mapping anything into it.
	FindASLR(size uintptr) (uintptr, error)

	// AddReservation claims [addr, addr+size) against future allocations.
	AddReservation(addr, size uintptr) (*Reservation, error)

	// RemoveReservation releases a claim made by AddReservation.
	RemoveReservation(r *Reservation) error
}

// memoryAt views size bytes of the process's address space at addr. The
// range must be mapped readable; the engine only ever builds these over
// ranges it has queried or mapped itself.
func memoryAt(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// firstMismatch returns the offset of the first byte where a and b differ.
// ok is false when a mismatch was found.
func firstMismatch(a, b []byte) (offset int, ok bool) {
	for i := range a {
		if a[i] != b[i] {
			return i, false
		}
	}
	return 0, true
}
