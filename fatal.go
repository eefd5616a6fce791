package exlpatch

import (
	"fmt"
	"runtime"
)

// panicMessageCap bounds the formatted panic message. The buffer is static
// so that dying cannot fail on an allocation.
const panicMessageCap = 256

var panicBuf [panicMessageCap]byte

// FormatPanicMessage renders "file:line: msg" into a fixed-size static
// buffer, truncating the result to fit. The returned string is handed to a
// panic handler that never returns, so the shared buffer is never reused
// concurrently.
func FormatPanicMessage(file string, line uint32, msg string) string {
	b := fmt.Appendf(panicBuf[:0], "%s:%d: %s", file, line, msg)
	if len(b) > panicMessageCap-1 {
		b = b[:panicMessageCap-1]
	}
	return string(b)
}

// fatalf formats an unrecoverable condition with the caller's source
// location and reports it to the panic handler. It never returns: if a
// misbehaving handler comes back anyway, it panics with the same message.
func (e *Env) fatalf(format string, args ...any) {
	_, file, line, _ := runtime.Caller(1)
	msg := FormatPanicMessage(file, uint32(line), fmt.Sprintf(format, args...))
	e.panicHandler(msg)
	panic(msg)
}

// Abort terminates the process through the externally supplied abort
// handler. It never returns.
func (e *Env) Abort(code int) {
	e.abortHandler(code)
	panic(fmt.Sprintf("abort handler returned, code %d", code))
}
