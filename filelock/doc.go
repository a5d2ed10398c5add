// Package filelock coordinates byte-range file locks within a process.
//
// POSIX record locks are owned by the process, not by the descriptor that
// acquired them, so the operating system will happily grant two overlapping
// locks to two channels of the same process. The tables in this package fill
// that gap: every [Lock] acquired through a channel is first added to a
// [Table], which rejects overlapping ranges with [ErrOverlappingLock].
//
// Two scopes are provided:
//
//   - [NewLocal] returns a table private to one channel.
//   - [Registry.Table] returns a per-channel view of a table shared by every
//     channel open on the same file, identified by its [FileKey]. Tables of
//     the [Default] registry are system-wide, in the sense of the whole
//     process.
//
// A closing channel calls [Table.RemoveAll], which removes, invalidates, and
// releases every lock it acquired.
package filelock
