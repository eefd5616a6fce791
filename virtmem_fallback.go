//go:build !unix

package exlpatch

// Non-unix hosts have no default address-space allocator; the embedder must
// supply one with WithVirtMem.
func defaultVirtMem() VirtMem { return nil }
