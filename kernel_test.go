package exlpatch

import (
	"fmt"
	"sync"
	"unsafe"
)

// alignedBuf returns an n-byte slice whose first byte sits on a page
// boundary, so the engine's alignment math lands inside the buffer.
func alignedBuf(n int) []byte {
	raw := make([]byte, n+PageSize)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	off := int(alignUp(base) - base)
	return raw[off : off+n : off+n]
}

type mapCall struct {
	Dst  uintptr
	Src  uintptr
	Size uintptr
	Proc Handle
}

// fakeDevice implements Kernel, VirtMem and Cache over plain memory. The
// backing-store layout is synthetic: the managed region is partitioned into
// whatever block sizes the test dictates. MapProcessMemory copies the source
// bytes into the destination buffer, and FlushDataCache copies destination
// bytes back over live mappings, standing in for shared physical pages.
type fakeDevice struct {
	mu sync.Mutex

	region []byte
	blocks []MemoryInfo

	procHandle   Handle
	getInfoErr   error
	getInfoCalls int

	hwType    uint64
	hwTypeErr error

	nextHandle     Handle
	inboxes        map[Handle]chan []uint32
	peers          map[Handle]Handle
	sessionsOpened int
	closedHandles  []Handle

	aslrBufs map[uintptr][]byte
	reserved map[uintptr]bool

	maps   []mapCall
	unmaps []mapCall
	live   []mapCall

	corruptNextMap bool

	dcacheFlushes []mapCall
	icacheInvals  []mapCall
}

func newFakeDevice(regionPages int) *fakeDevice {
	fd := &fakeDevice{
		region:     alignedBuf(regionPages * PageSize),
		procHandle: 0x1234,
		nextHandle: 0x100,
		inboxes:    make(map[Handle]chan []uint32),
		peers:      make(map[Handle]Handle),
		aslrBufs:   make(map[uintptr][]byte),
		reserved:   make(map[uintptr]bool),
	}
	fd.setBlocks(uintptr(regionPages * PageSize))
	return fd
}

func (fd *fakeDevice) base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(fd.region)))
}

// setBlocks partitions the region into blocks of the given sizes, starting
// at the region base. The sizes must sum to the region size.
func (fd *fakeDevice) setBlocks(sizes ...uintptr) {
	fd.blocks = fd.blocks[:0]
	addr := fd.base()
	var total uintptr
	for _, size := range sizes {
		fd.blocks = append(fd.blocks, MemoryInfo{Addr: addr, Size: size, Perm: 0x5})
		addr += size
		total += size
	}
	if total != uintptr(len(fd.region)) {
		panic("setBlocks: sizes do not cover the region")
	}
}

func (fd *fakeDevice) QueryMemory(addr uintptr) (MemoryInfo, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	for _, b := range fd.blocks {
		if addr >= b.Addr && addr < b.Addr+b.Size {
			return b, nil
		}
	}
	return MemoryInfo{}, fmt.Errorf("no block at %#x", addr)
}

func (fd *fakeDevice) MapProcessMemory(dst uintptr, proc Handle, src, size uintptr) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if proc != fd.procHandle {
		return fmt.Errorf("bad process handle %#x", proc)
	}
	call := mapCall{Dst: dst, Src: src, Size: size, Proc: proc}
	fd.maps = append(fd.maps, call)
	fd.live = append(fd.live, call)
	copy(memoryAt(dst, size), memoryAt(src, size))
	if fd.corruptNextMap {
		memoryAt(dst, size)[0] ^= 0xff
		fd.corruptNextMap = false
	}
	return nil
}

func (fd *fakeDevice) UnmapProcessMemory(dst uintptr, proc Handle, src, size uintptr) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if proc != fd.procHandle {
		return fmt.Errorf("bad process handle %#x", proc)
	}
	fd.unmaps = append(fd.unmaps, mapCall{Dst: dst, Src: src, Size: size, Proc: proc})
	for i, m := range fd.live {
		if m.Dst == dst && m.Src == src && m.Size == size {
			fd.live = append(fd.live[:i], fd.live[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no live mapping at %#x", dst)
}

func (fd *fakeDevice) GetInfo(infoType uint32, h Handle, sub uint64) (uint64, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.getInfoCalls++
	if fd.getInfoErr != nil {
		return 0, fd.getInfoErr
	}
	return uint64(fd.procHandle), nil
}

func (fd *fakeDevice) GetConfig(item uint32) (uint64, error) {
	return fd.hwType, fd.hwTypeErr
}

func (fd *fakeDevice) CreateSession() (Handle, Handle, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	server := fd.nextHandle
	client := fd.nextHandle + 1
	fd.nextHandle += 2
	fd.inboxes[server] = make(chan []uint32, 1)
	fd.peers[client] = server
	fd.sessionsOpened++
	return server, client, nil
}

func (fd *fakeDevice) SendSyncRequest(session Handle, msg []uint32) error {
	fd.mu.Lock()
	server, ok := fd.peers[session]
	inbox := fd.inboxes[server]
	fd.mu.Unlock()
	if !ok {
		return fmt.Errorf("not a client session: %#x", session)
	}
	// The kernel translates handle descriptors while copying: the
	// current-process pseudo handle comes out as a real handle.
	out := append([]uint32(nil), msg...)
	if len(out) > receivedHandleWord && out[2]&0x2 != 0 && Handle(out[receivedHandleWord]) == CurrentProcess {
		out[receivedHandleWord] = uint32(fd.procHandle)
	}
	inbox <- out
	return nil
}

func (fd *fakeDevice) ReplyAndReceive(session Handle) ([]uint32, error) {
	fd.mu.Lock()
	inbox, ok := fd.inboxes[session]
	fd.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("not a server session: %#x", session)
	}
	return <-inbox, nil
}

func (fd *fakeDevice) CloseHandle(h Handle) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.closedHandles = append(fd.closedHandles, h)
	return nil
}

func (fd *fakeDevice) FindASLR(size uintptr) (uintptr, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	buf := alignedBuf(int(size))
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	fd.aslrBufs[addr] = buf
	return addr, nil
}

func (fd *fakeDevice) AddReservation(addr, size uintptr) (*Reservation, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if _, ok := fd.aslrBufs[addr]; !ok {
		return nil, fmt.Errorf("unknown range at %#x", addr)
	}
	fd.reserved[addr] = true
	return &Reservation{Addr: addr, Size: size}, nil
}

func (fd *fakeDevice) RemoveReservation(r *Reservation) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if !fd.reserved[r.Addr] {
		return fmt.Errorf("not reserved: %#x", r.Addr)
	}
	delete(fd.reserved, r.Addr)
	// The buffer stays referenced so stale pointers in the test remain
	// readable.
	return nil
}

func (fd *fakeDevice) FlushDataCache(addr, size uintptr) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.dcacheFlushes = append(fd.dcacheFlushes, mapCall{Dst: addr, Size: size})
	// Writes through a mirror become visible at the source once the data
	// cache is flushed. Propagate over every live mapping the range hits.
	for _, m := range fd.live {
		lo := max(addr, m.Dst)
		hi := min(addr+size, m.Dst+m.Size)
		if lo >= hi {
			continue
		}
		copy(memoryAt(m.Src+(lo-m.Dst), hi-lo), memoryAt(lo, hi-lo))
	}
}

func (fd *fakeDevice) InvalidateInstructionCache(addr, size uintptr) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.icacheInvals = append(fd.icacheInvals, mapCall{Dst: addr, Size: size})
}

// newTestEnv wires a fakeDevice into an Env with the fake standing in for
// all three platform interfaces.
func newTestEnv(fd *fakeDevice, opts ...Option) *Env {
	base := []Option{WithVirtMem(fd), WithCache(fd)}
	return NewEnv(fd, append(base, opts...)...)
}
