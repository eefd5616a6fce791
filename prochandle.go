package exlpatch

import "go.uber.org/zap"

// ProcessHandle returns a real handle to the calling process, acquiring it
// on first use and caching it for the process lifetime. The kernel keeps the
// handle valid for as long as the process exists, so there is no
// invalidation path.
func (e *Env) ProcessHandle() Handle {
	e.handleOnce.Do(func() {
		// Extended kernels hand the handle out directly.
		if v, err := e.kernel.GetInfo(InfoTypeCurrentProcessHandle, InvalidHandle, 0); err == nil {
			e.handle = Handle(v)
			e.log.Debug("process handle acquired", zap.String("path", "getinfo"))
			return
		}
		// Stock kernels never expose it; trick one out over IPC. This is
		// the only recoverable failure in the engine.
		e.handle = e.handleFromIPC()
	})
	return e.handle
}

// handleFromIPC transfers the process handle to ourselves. A one-shot worker
// blocks receiving on the server side of a private session while the caller
// sends it a request whose handle descriptor names the current-process
// pseudo handle; the kernel translates the pseudo handle into a real one
// while copying the message. Exactly one handle crosses, then the worker
// exits, and the caller observes completion before returning.
func (e *Env) handleFromIPC() Handle {
	server, client, err := e.kernel.CreateSession()
	if err != nil {
		e.fatalf("CreateSession failed: %v", err)
	}

	got := make(chan Handle, 1)
	go func() {
		msg, err := e.kernel.ReplyAndReceive(server)
		if err != nil {
			e.fatalf("ReplyAndReceive failed: %v", err)
		}
		if len(msg) <= receivedHandleWord {
			e.fatalf("handle transfer message too short: %d words", len(msg))
		}
		if err := e.kernel.CloseHandle(server); err != nil {
			e.fatalf("closing server session failed: %v", err)
		}
		got <- Handle(msg[receivedHandleWord])
	}()

	if err := e.kernel.SendSyncRequest(client, sendProcessHandleMessage[:]); err != nil {
		e.fatalf("SendSyncRequest failed: %v", err)
	}
	if err := e.kernel.CloseHandle(client); err != nil {
		e.fatalf("closing client session failed: %v", err)
	}

	// Rendezvous with the worker. Failure on its side is fatal, so there is
	// no timeout to take.
	h := <-got
	e.log.Debug("process handle acquired", zap.String("path", "ipc"), zap.Uint32("handle", uint32(h)))
	return h
}
