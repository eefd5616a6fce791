// Package exlpatch patches executable code at runtime on systems where the
// kernel never allows a mapping to be writable and executable at once.
//
// Instead of flipping page protections, the engine maps a second, read-write
// view of the physical memory backing a read-execute range ("mirror"),
// writes the patch through the mirror, and flushes caches before anything
// executes the patched instructions. Hooks are unconditional branches; the
// overwritten instruction can be relocated into a trampoline so the
// replacement can still invoke the original behavior.
//
// Limitations:
//   - Targets AArch64 code. Branch range is ±128MiB.
//   - No atomic hot-patching: the caller must guarantee no thread executes
//     the target while the branch is being written.
//   - Kernel failures are unrecoverable. The engine reports them through the
//     fatal sink and never returns an error for them.
package exlpatch
