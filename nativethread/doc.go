// Package nativethread tracks goroutines that are blocked, or about to block,
// inside a native call, so that closing the resource they operate on can force
// them to return.
//
// A blocking call site captures its identity with [Current], supplying the
// function that unblocks it (e.g. expiring a deadline, or writing to a wakeup
// descriptor), registers it with [Set.Add] for the duration of the call, and
// removes it with [Set.Remove] on return, whether or not the call succeeded.
// Closing the resource calls [Set.SignalAndWait], which interrupts every
// registered thread until the set is empty.
//
// A [Thread] without an interrupter is a placeholder: it counts towards the
// in-flight total, and is waited for, but is never signalled.
package nativethread
