package aio

import (
	"sync"
)

// Op tags the kind of operation a [Future] belongs to. Channels use it to
// decide what a cancellation applies to, see [Cancellable].
type Op uint8

const (
	// OpNone is the tag of futures that are not bound to a channel direction.
	OpNone Op = iota
	OpConnect
	OpRead
	OpWrite
	OpSend
	OpReceive
	OpLock
)

// String returns a human-readable representation of the operation.
func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpConnect:
		return "connect"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSend:
		return "send"
	case OpReceive:
		return "receive"
	case OpLock:
		return "lock"
	default:
		return "unknown"
	}
}

// ChannelState is the connection state of a [SocketChannel]. States are
// ordered, and only ever advance, except that a failed connect closes the
// channel.
//
// State Machine:
//
//	StateUninitialized → StateUnconnected [Open]
//	StateUnconnected → StatePending       [Connect]
//	StatePending → StateConnected         [connect completes]
//	StateUninitialized → StateConnected   [NewSocketChannel]
type ChannelState int32

const (
	// StateUninitialized is the state of a channel that is not yet
	// constructed.
	StateUninitialized ChannelState = iota - 1
	// StateUnconnected indicates a channel that may be bound and connected.
	StateUnconnected
	// StatePending indicates an outstanding connect.
	StatePending
	// StateConnected indicates a connected channel.
	StateConnected
)

// String returns a human-readable representation of the state.
func (s ChannelState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateUnconnected:
		return "Unconnected"
	case StatePending:
		return "Pending"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// direction tracks the exclusive use of one half (read or write) of a
// channel.
//
// Invariants: at most one operation is outstanding (busy), and once killed,
// a direction never becomes busy again.
type direction struct {
	mu       sync.Mutex
	busy     bool
	shutdown bool
	killed   bool
	// aborted is set for the outstanding operation only, see abort
	aborted bool
}

// acquire attempts to reserve the direction, for an operation that will
// transfer data. It returns shutdown=true, without reserving it, if the
// direction was shut down.
func (d *direction) acquire(pending error, reserve bool) (shutdown bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.killed:
		return false, ErrKilled
	case d.busy:
		return false, pending
	case d.shutdown:
		return true, nil
	}
	if reserve {
		d.busy = true
	}
	return false, nil
}

// enable releases the direction, optionally killing it.
func (d *direction) enable(kill bool) {
	d.mu.Lock()
	if kill {
		d.killed = true
	}
	d.busy = false
	d.aborted = false
	d.mu.Unlock()
}

// abort marks the outstanding operation as abandoned, without killing the
// direction. It is cleared by enable.
func (d *direction) abort() {
	d.mu.Lock()
	d.aborted = true
	d.mu.Unlock()
}

func (d *direction) isAborted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborted
}

func (d *direction) kill() {
	d.mu.Lock()
	d.killed = true
	d.mu.Unlock()
}

func (d *direction) isKilled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.killed
}

func (d *direction) isBusy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

// markShutdown returns false if the direction was already shut down.
func (d *direction) markShutdown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return false
	}
	d.shutdown = true
	return true
}
