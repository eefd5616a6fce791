//go:build unix

package exlpatch

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HostVirtMem implements VirtMem on top of anonymous PROT_NONE mappings: the
// kernel's own placement provides the randomized free range, and keeping the
// mapping around is the reservation.
type HostVirtMem struct {
	mu      sync.Mutex
	pending map[uintptr][]byte
}

// NewHostVirtMem returns a VirtMem backed by the host's mmap.
func NewHostVirtMem() *HostVirtMem {
	return &HostVirtMem{pending: make(map[uintptr][]byte)}
}

func (vm *HostVirtMem) FindASLR(size uintptr) (uintptr, error) {
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("mmap PROT_NONE: %w", err)
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	vm.mu.Lock()
	vm.pending[addr] = buf
	vm.mu.Unlock()
	return addr, nil
}

func (vm *HostVirtMem) AddReservation(addr, size uintptr) (*Reservation, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	buf, ok := vm.pending[addr]
	if !ok {
		return nil, fmt.Errorf("no pending range at %#x", addr)
	}
	if uintptr(len(buf)) < size {
		return nil, fmt.Errorf("range at %#x is %#x bytes, need %#x", addr, len(buf), size)
	}
	return &Reservation{Addr: addr, Size: size}, nil
}

func (vm *HostVirtMem) RemoveReservation(r *Reservation) error {
	vm.mu.Lock()
	buf, ok := vm.pending[r.Addr]
	delete(vm.pending, r.Addr)
	vm.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown reservation at %#x", r.Addr)
	}
	return unix.Munmap(buf)
}

func defaultVirtMem() VirtMem { return NewHostVirtMem() }
