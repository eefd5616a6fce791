//go:build unix

package exlpatch

import "golang.org/x/sys/unix"

const protExec = unix.PROT_EXEC
