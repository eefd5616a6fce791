package exlpatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatPanicMessage(t *testing.T) {
	assert := assert.New(t)

	msg := FormatPanicMessage("rwpages.go", 42, "svcQueryMemory failed")
	assert.Equal("rwpages.go:42: svcQueryMemory failed", msg)
}

func TestFormatPanicMessageTruncates(t *testing.T) {
	assert := assert.New(t)

	long := strings.Repeat("x", 2*panicMessageCap)
	msg := FormatPanicMessage("f.go", 1, long)
	assert.Len(msg, panicMessageCap-1, "bounded, never overflows the static buffer")
	assert.True(strings.HasPrefix(msg, "f.go:1: xxx"))
}

func TestFatalfReportsCallerAndPanics(t *testing.T) {
	assert := assert.New(t)

	fd := newFakeDevice(1)
	env := newTestEnv(fd)

	var got string
	env.panicHandler = func(msg string) { got = msg }

	assert.Panics(func() { env.fatalf("kaput %d", 7) })
	assert.Contains(got, "kaput 7")
	assert.Contains(got, "fatal_test.go")
}

func TestAbortNeverReturns(t *testing.T) {
	assert := assert.New(t)

	fd := newFakeDevice(1)
	env := newTestEnv(fd)

	code := -1
	env.abortHandler = func(c int) { code = c }

	assert.Panics(func() { env.Abort(3) })
	assert.Equal(3, code)
}
