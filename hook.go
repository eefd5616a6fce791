package exlpatch

import (
	"encoding/binary"
	"reflect"

	"go.uber.org/zap"
)

// HookKind selects what happens to the instruction the hook branch
// overwrites.
type HookKind int

const (
	// HookReplace discards the original instruction; the target becomes an
	// unconditional branch to the callback and nothing else.
	HookReplace HookKind = iota

	// HookTrampoline relocates the overwritten instruction into a stub in
	// the jit pool so the callback can still invoke the original behavior.
	HookTrampoline

	// HookInline is HookTrampoline with the stub carved from the inline
	// pool, so inline-style hooks do not compete with trampolines for
	// capacity.
	HookInline
)

// HookRecord describes one installed redirection: where it went in, where it
// redirects to, and the relocated original when the kind preserves one.
type HookRecord struct {
	Target   uintptr
	Callback uintptr
	Kind     HookKind

	// Trampoline is the entry of the relocated original, zero for
	// HookReplace. The generated code lives in its pool for the process
	// lifetime; pools are never compacted or reclaimed.
	Trampoline uintptr

	saved [instrSize]byte
}

// Original returns the address a callback can branch to for the original
// behavior. Zero for HookReplace records.
func (r *HookRecord) Original() uintptr { return r.Trampoline }

// InstallAtPtr installs a hook at an absolute code address. The target must
// be quiescent: the engine does not make the update atomic, so no thread may
// be executing the target while the branch is written.
func (e *Env) InstallAtPtr(target, callback uintptr, kind HookKind) *HookRecord {
	e.initHooks()

	rec := &HookRecord{Target: target, Callback: callback, Kind: kind}
	if kind != HookReplace {
		rec.Trampoline = e.buildStub(target, kind)
	}

	branch, err := encodeBranch(target, callback)
	if err != nil {
		e.fatalf("hook at %#x: %v", target, err)
	}

	pages := NewRwPages(e, target, instrSize)
	defer pages.Close()
	code := pages.Bytes()
	copy(rec.saved[:], code)
	binary.LittleEndian.PutUint32(code, branch)
	pages.Flush()

	e.log.Debug("hook installed",
		zap.Uintptr("target", target),
		zap.Uintptr("callback", callback),
		zap.Uintptr("trampoline", rec.Trampoline))
	return rec
}

// InstallAtOffset installs a hook at an offset from the module base.
func (e *Env) InstallAtOffset(offset, callback uintptr, kind HookKind) *HookRecord {
	return e.InstallAtPtr(e.moduleBase+offset, callback, kind)
}

// InstallAtFuncPtr installs a hook at fn, redirecting to replacement. The
// shared type parameter makes a signature mismatch a compile error, so
// nothing is checked at runtime beyond both values being functions.
func InstallAtFuncPtr[T any](e *Env, fn, replacement T, kind HookKind) *HookRecord {
	fv := reflect.ValueOf(fn)
	rv := reflect.ValueOf(replacement)
	if fv.Kind() != reflect.Func || rv.Kind() != reflect.Func {
		e.fatalf("not a function, kind: %v", fv.Kind())
	}
	return e.InstallAtPtr(fv.Pointer(), rv.Pointer(), kind)
}

// Restore writes the saved instruction back, undoing the redirect. The
// stub, if any, stays in its pool.
func (e *Env) Restore(rec *HookRecord) {
	pages := NewRwPages(e, rec.Target, instrSize)
	defer pages.Close()
	copy(pages.Bytes(), rec.saved[:])
	pages.Flush()

	e.log.Debug("hook removed", zap.Uintptr("target", rec.Target))
}

// buildStub relocates the instruction about to be overwritten into a pool
// stub followed by a branch back to the instruction after the hook point,
// and returns the stub's entry address.
func (e *Env) buildStub(target uintptr, kind HookKind) uintptr {
	p := e.jit
	if kind == HookInline {
		p = e.inline
	}

	const stubSize = 2 * instrSize
	stub := p.alloc(e, stubSize, instrSize)
	buf := p.bytesAt(stub, stubSize)

	if err := relocateCode(buf[:instrSize], memoryAt(target, instrSize), target, stub); err != nil {
		e.fatalf("relocating instruction at %#x: %v", target, err)
	}
	back, err := encodeBranch(stub+instrSize, target+instrSize)
	if err != nil {
		e.fatalf("stub at %#x cannot branch back to %#x: %v", stub, target+instrSize, err)
	}
	binary.LittleEndian.PutUint32(buf[instrSize:], back)
	p.mirror.Flush()

	return stub
}
