//go:build !unix

package exlpatch

// PROT_EXEC; the mmap backend translates the value per platform.
const protExec = 0x4
