// Package aio provides asynchronous channels for sockets, datagram sockets
// and files, with completion-handler and future based result delivery.
//
// Every operation is issued against a channel, and returns a [*Future]. The
// result is either retrieved by blocking on the future ([Future.Get],
// [Future.Await]), or delivered to a [CompletionHandler], supplied when the
// operation was initiated. Handlers run on the goroutines of the channel's
// [Group], according to the following policy:
//
//   - A result produced on a goroutine of the channel's own group is delivered
//     directly, as long as the number of handlers already on that goroutine's
//     stack is below the group's bound (see [WithMaxHandlerInvokeCount]).
//   - Otherwise, the handler is submitted to the group's pool.
//
// The goroutine a task or handler runs on is identified by the [*Worker]
// carried by its [context.Context]. Handlers that initiate further operations
// must pass on the context they were called with, or handlers will always be
// delivered via the pool.
//
// Each channel permits at most one outstanding read and one outstanding write.
// Initiating a second returns [ErrReadPending] or [ErrWritePending]. A timed
// out or cancelled read (write) leaves the direction killed, after which
// further reads (writes) fail with [ErrKilled].
//
// Closing a channel interrupts every goroutine blocked in a system call on its
// behalf, failing the affected operations with [ErrAsynchronousClose].
package aio
