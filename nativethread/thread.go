package nativethread

// Thread identifies the goroutine performing a native call, and how to
// interrupt it. Capture is cheap enough to happen on every blocking call, so
// it records the OS thread id only.
type Thread struct {
	interrupt func()
	tid       int
}

// Current captures the calling goroutine. The interrupt function, if non-nil,
// must be safe to call from any goroutine, and may be called more than once.
func Current(interrupt func()) Thread {
	return Thread{
		interrupt: interrupt,
		tid:       osThreadID(),
	}
}

// TID returns the OS thread id observed when the thread was captured, or 0 if
// unavailable. Unless the goroutine is locked to its OS thread, it is
// informational only.
func (t Thread) TID() int { return t.tid }

// Signalable reports whether the thread has an interrupter.
func (t Thread) Signalable() bool { return t.interrupt != nil }

// Signal interrupts the thread, returning false for placeholders.
func (t Thread) Signal() bool {
	if t.interrupt == nil {
		return false
	}
	t.interrupt()
	return true
}
