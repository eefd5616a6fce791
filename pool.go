package exlpatch

import (
	"errors"
	"unsafe"

	"github.com/pboyd/malloc"
	"go.uber.org/zap"
)

// pool is a fixed-capacity, append-only arena for generated code. Nothing is
// ever freed and the pool is never compacted; carving past the end is fatal.
type pool struct {
	name string
	base uintptr
	size uintptr
	next uintptr

	// Retained for the process lifetime so stubs can be re-patched later
	// without remapping.
	mirror *RwPages

	backing []byte
}

// newPool places a pool at base, or allocates host backing when base is
// zero, and maps the retained mirror over it.
func (e *Env) newPool(name string, base uintptr, size int) *pool {
	p := &pool{name: name, size: uintptr(size)}
	if base == 0 {
		buf, err := hostCodeRegion(size)
		if err != nil {
			e.fatalf("allocating host backing for the %s pool failed: %v", name, err)
		}
		p.backing = buf
		base = uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	}
	p.base = base
	p.next = base
	p.mirror = NewRwPages(e, base, uintptr(size))

	e.log.Debug("pool ready",
		zap.String("pool", name),
		zap.Uintptr("base", base),
		zap.Int("size", size))
	return p
}

// alloc carves n bytes, aligned to align, out of the pool.
func (p *pool) alloc(e *Env, n, align int) uintptr {
	addr := (p.next + uintptr(align-1)) &^ uintptr(align-1)
	if addr+uintptr(n) > p.base+p.size {
		e.fatalf("%s pool exhausted: %d bytes requested, %d left",
			p.name, n, int(p.base+p.size-p.next))
	}
	p.next = addr + uintptr(n)
	return addr
}

// bytesAt returns the writable mirror window over [addr, addr+n) of the
// pool.
func (p *pool) bytesAt(addr uintptr, n int) []byte {
	off := addr - p.base
	return p.mirror.Bytes()[off : off+uintptr(n)]
}

// hostCodeRegion allocates executable memory on the host through an
// mmap-backed arena. The backend maps read-write on its own; only the
// execute bit needs to be added. Device pools never come through here; they
// live in read-execute sections handed in with WithPoolRegions.
func hostCodeRegion(size int) ([]byte, error) {
	be := malloc.MmapBackend(malloc.MmapProt(protExec))
	arena := malloc.NewArena(uint64(size), malloc.Backend(be))
	if arena == nil {
		return nil, errors.New("unable to initialize code arena")
	}
	return malloc.MallocSlice[byte](arena, size)
}
