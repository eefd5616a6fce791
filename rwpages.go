package exlpatch

import "go.uber.org/zap"

// MemoryClaim records one read-execute ↔ read-write mirror pairing. The
// unaligned fields preserve the caller's byte range; the aligned accessors
// derive the page-granular span that is actually mapped. Because both views
// share physical pages, a byte at offset k of the requested range is at
// offset k of the mirror, for every k.
type MemoryClaim struct {
	ro   uintptr
	rw   uintptr
	size uintptr

	reservation *Reservation
}

// Ro returns the read-execute base the claim was requested for.
func (c MemoryClaim) Ro() uintptr { return c.ro }

// Rw returns the writable address mirroring Ro.
func (c MemoryClaim) Rw() uintptr { return c.rw }

// Size returns the requested length in bytes.
func (c MemoryClaim) Size() uintptr { return c.size }

// AlignedRo returns the page-aligned base of the source range.
func (c MemoryClaim) AlignedRo() uintptr { return alignDown(c.ro) }

// AlignedRw returns the page-aligned base of the mirror.
func (c MemoryClaim) AlignedRw() uintptr { return alignDown(c.rw) }

// AlignedSize returns the page-rounded span covering the requested range.
// It is always a PageSize multiple and never smaller than Size.
func (c MemoryClaim) AlignedSize() uintptr {
	return alignUp(c.ro+c.size) - alignDown(c.ro)
}

// RwPages owns a writable mirror of a read-execute range. Exactly one
// RwPages instance performs the mapping and exactly that instance tears it
// down. Additional read access goes through View, which can never unmap.
// Overlapping claims over the same range are a caller error.
type RwPages struct {
	env      *Env
	claim    MemoryClaim
	released bool
}

// RwView is a non-owning window into an existing mirror. It carries no
// cleanup responsibility; dropping it leaves the mirror untouched.
type RwView struct {
	claim MemoryClaim
}

// Claim returns the underlying pairing.
func (v RwView) Claim() MemoryClaim { return v.claim }

// Bytes returns the viewed range.
func (v RwView) Bytes() []byte { return memoryAt(v.claim.rw, v.claim.size) }

// forEachMemRange partitions [start, start+length) into the kernel's backing
// blocks and invokes fn once per intersecting block with the intersection's
// address, length, and offset from start. The walk ends when the reported
// block covers the end of the range, however many blocks that takes.
func (e *Env) forEachMemRange(start, length uintptr, fn func(addr, size, offset uintptr)) {
	end := start + length
	addr := start
	for {
		info, err := e.kernel.QueryMemory(addr)
		if err != nil {
			e.fatalf("QueryMemory(%#x) failed: %v", addr, err)
		}
		cur := max(info.Addr, start)
		curEnd := min(end, info.Addr+info.Size)
		fn(cur, curEnd-cur, cur-start)
		if info.Addr+info.Size >= end {
			return
		}
		addr = info.Addr + info.Size
	}
}

// NewRwPages maps a writable mirror over the read-execute range
// [ro, ro+size). Any kernel failure is fatal, as is a mirror that does not
// read back byte-identical to the source; on return the mirror fully
// exists. The returned RwPages owns the mapping.
func NewRwPages(env *Env, ro, size uintptr) *RwPages {
	if size == 0 {
		env.fatalf("empty mirror range at %#x", ro)
	}
	p := &RwPages{env: env, claim: MemoryClaim{ro: ro, size: size}}
	alignedRo := p.claim.AlignedRo()
	alignedSize := p.claim.AlignedSize()

	base, err := env.virtmem.FindASLR(alignedSize)
	if err != nil || base == 0 {
		env.fatalf("no address space for a %#x byte mirror: %v", alignedSize, err)
	}
	res, err := env.virtmem.AddReservation(base, alignedSize)
	if err != nil {
		env.fatalf("reserving mirror range at %#x failed: %v", base, err)
	}
	p.claim.reservation = res

	proc := env.ProcessHandle()
	env.forEachMemRange(alignedRo, alignedSize, func(addr, size, offset uintptr) {
		if err := env.kernel.MapProcessMemory(base+offset, proc, addr, size); err != nil {
			env.fatalf("MapProcessMemory(%#x -> %#x, %#x bytes) failed: %v",
				addr, base+offset, size, err)
		}
	})

	// Same physical pages, so the mirror keeps the intra-page offset of the
	// requested base.
	p.claim.rw = base + (ro - alignedRo)

	if off, same := firstMismatch(memoryAt(ro, size), memoryAt(p.claim.rw, size)); !same {
		env.fatalf("mirror of %#x diverges from its source at offset %#x", ro, off)
	}

	env.log.Debug("mirror mapped",
		zap.Uintptr("ro", ro),
		zap.Uintptr("rw", p.claim.rw),
		zap.Uintptr("size", size))
	return p
}

// Claim returns the underlying pairing.
func (p *RwPages) Claim() MemoryClaim { return p.claim }

// Bytes returns the writable view of the claimed range.
func (p *RwPages) Bytes() []byte { return memoryAt(p.claim.rw, p.claim.size) }

// View returns a non-owning read view of the mirror.
func (p *RwPages) View() RwView { return RwView{claim: p.claim} }

// Flush makes writes through the mirror visible to instruction fetch. Call
// it after every write and before any thread executes the corresponding
// read-execute addresses; the engine does not order this for the caller.
func (p *RwPages) Flush() {
	c := p.claim
	p.env.cache.FlushDataCache(c.AlignedRw(), c.AlignedSize())
	p.env.cache.InvalidateInstructionCache(c.AlignedRw(), c.AlignedSize())
}

// Close tears the mirror down: cache maintenance over both views, one unmap
// per backing block, then the reservation is released. Calling it again is a
// no-op, and a RwView has no Close at all, so the unmap can only ever run
// once.
func (p *RwPages) Close() {
	if p.released {
		return
	}
	p.released = true

	c := p.claim
	// Data went in through the rw view and instructions come out of the ro
	// view; the two may have diverged, so both get flushed.
	p.env.cache.FlushDataCache(c.rw, c.size)
	p.env.cache.InvalidateInstructionCache(c.ro, c.size)

	proc := p.env.ProcessHandle()
	p.env.forEachMemRange(c.AlignedRo(), c.AlignedSize(), func(addr, size, offset uintptr) {
		if err := p.env.kernel.UnmapProcessMemory(c.AlignedRw()+offset, proc, addr, size); err != nil {
			p.env.fatalf("UnmapProcessMemory(%#x, %#x bytes) failed: %v", addr, size, err)
		}
	})
	if err := p.env.virtmem.RemoveReservation(c.reservation); err != nil {
		p.env.fatalf("releasing mirror reservation failed: %v", err)
	}

	p.env.log.Debug("mirror released", zap.Uintptr("ro", c.ro))
}
