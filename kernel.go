package exlpatch

// Handle is a kernel object handle.
type Handle uint32

const (
	// InvalidHandle is the zero handle value.
	InvalidHandle Handle = 0

	// CurrentThread is the pseudo handle the kernel resolves to the calling
	// thread.
	CurrentThread Handle = 0xFFFF8000

	// CurrentProcess is the pseudo handle the kernel resolves to the calling
	// process. It is accepted where a process handle is expected but cannot
	// be transferred or waited on, which is exactly why the IPC trick in
	// prochandle.go exists.
	CurrentProcess Handle = 0xFFFF8001
)

// InfoTypeCurrentProcessHandle asks an extended kernel for a real handle to
// the calling process. Stock kernels reject the query.
const InfoTypeCurrentProcessHandle uint32 = 65001

// ConfigItemHardwareType is the secure-monitor configuration item holding
// the board's hardware-type enumerator.
const ConfigItemHardwareType uint32 = 1

// sendProcessHandleMessage is the raw request used by the handle-acquisition
// fallback. Word 1 marks the message as having a handle descriptor, word 2
// asks the kernel to translate one handle while copying the message, and
// word 3 names the handle to translate: the current-process pseudo handle,
// which the kernel turns into a real handle on the receive side.
var sendProcessHandleMessage = [4]uint32{0x00000000, 0x80000000, 0x00000002, uint32(CurrentProcess)}

// receivedHandleWord is the message word holding the translated handle on
// the receive side.
const receivedHandleWord = 3

// MemoryInfo describes one backing block as reported by QueryMemory. Blocks
// are independently sized; a mapped range of any length may span several.
type MemoryInfo struct {
	Addr uintptr
	Size uintptr
	Type uint32
	Perm uint32
}

// Kernel is the supervisor-call surface the engine runs against. On the
// device it is backed by the real svc bindings; tests substitute a fake.
//
// Errors returned from these methods mean the environment itself is
// unreliable. The engine routes every one of them to the fatal sink, with a
// single exception: GetInfo failing on the current-process-handle query,
// which is expected on older kernels and recovered by the IPC fallback.
type Kernel interface {
	// QueryMemory reports the backing block containing addr.
	QueryMemory(addr uintptr) (MemoryInfo, error)

	// MapProcessMemory maps size bytes of process proc's memory at src into
	// the caller's address space at dst, read-write, sharing the physical
	// backing.
	MapProcessMemory(dst uintptr, proc Handle, src, size uintptr) error

	// UnmapProcessMemory undoes a MapProcessMemory with the same arguments.
	UnmapProcessMemory(dst uintptr, proc Handle, src, size uintptr) error

	// GetInfo performs an information query against a handle.
	GetInfo(infoType uint32, h Handle, sub uint64) (uint64, error)

	// GetConfig queries a secure-monitor configuration item.
	GetConfig(item uint32) (uint64, error)

	// CreateSession creates a connected server/client session pair.
	CreateSession() (server, client Handle, err error)

	// ReplyAndReceive blocks until a request arrives on the session and
	// returns the raw message words as delivered, with handle descriptors
	// already translated by the kernel.
	ReplyAndReceive(session Handle) ([]uint32, error)

	// SendSyncRequest sends msg on the session and blocks until the server
	// side has consumed it.
	SendSyncRequest(session Handle, msg []uint32) error

	// CloseHandle releases a handle.
	CloseHandle(h Handle) error
}

// Cache performs cache maintenance over a virtual address range. On AArch64
// the data cache must be flushed and the instruction cache invalidated
// between writing instructions and executing them.
type Cache interface {
	FlushDataCache(addr, size uintptr)
	InvalidateInstructionCache(addr, size uintptr)
}
