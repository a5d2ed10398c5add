package aio

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/joeycumines/go-aio/iostatus"
)

// connOps implements SocketOps over the net.Conn methods. It cannot attempt
// I/O without blocking, so every operation goes via the pool.
type connOps struct {
	conn net.Conn
}

var _ SocketOps = (*connOps)(nil)

func (x *connOps) TryRead([]byte) (int, error) { return iostatus.Unavailable, nil }

func (x *connOps) Read(p []byte) (int, error) {
	n, err := x.conn.Read(p)
	return status(n, err, true)
}

func (x *connOps) TryWrite([]byte) (int, error) { return iostatus.Unavailable, nil }

func (x *connOps) Write(p []byte) (int, error) {
	n, err := x.conn.Write(p)
	return status(n, err, false)
}

func (x *connOps) InterruptRead()  { _ = x.conn.SetReadDeadline(aLongTimeAgo) }
func (x *connOps) ResetRead()      { _ = x.conn.SetReadDeadline(time.Time{}) }
func (x *connOps) InterruptWrite() { _ = x.conn.SetWriteDeadline(aLongTimeAgo) }
func (x *connOps) ResetWrite()     { _ = x.conn.SetWriteDeadline(time.Time{}) }

func (x *connOps) ShutdownInput() error {
	if c, ok := x.conn.(interface{ CloseRead() error }); ok {
		return c.CloseRead()
	}
	return nil
}

func (x *connOps) ShutdownOutput() error {
	if c, ok := x.conn.(interface{ CloseWrite() error }); ok {
		return c.CloseWrite()
	}
	return nil
}

func (x *connOps) LocalAddr() net.Addr  { return x.conn.LocalAddr() }
func (x *connOps) RemoteAddr() net.Addr { return x.conn.RemoteAddr() }
func (x *connOps) Close() error         { return x.conn.Close() }

// packetOps implements DatagramOps over the net.PacketConn methods.
type packetOps struct {
	conn net.PacketConn
}

var _ DatagramOps = (*packetOps)(nil)

func (x *packetOps) TryReadFrom([]byte) (int, net.Addr, error) {
	return iostatus.Unavailable, nil, nil
}

func (x *packetOps) ReadFrom(p []byte) (int, net.Addr, error) {
	n, addr, err := x.conn.ReadFrom(p)
	if err != nil {
		// datagrams may legitimately be empty
		n, err = status(0, err, false)
		return n, nil, err
	}
	return n, addr, nil
}

func (x *packetOps) TryWriteTo([]byte, net.Addr) (int, error) { return iostatus.Unavailable, nil }

func (x *packetOps) WriteTo(p []byte, addr net.Addr) (int, error) {
	n, err := x.conn.WriteTo(p, addr)
	return status(n, err, false)
}

func (x *packetOps) InterruptRead()      { _ = x.conn.SetReadDeadline(aLongTimeAgo) }
func (x *packetOps) ResetRead()          { _ = x.conn.SetReadDeadline(time.Time{}) }
func (x *packetOps) InterruptWrite()     { _ = x.conn.SetWriteDeadline(aLongTimeAgo) }
func (x *packetOps) ResetWrite()         { _ = x.conn.SetWriteDeadline(time.Time{}) }
func (x *packetOps) LocalAddr() net.Addr { return x.conn.LocalAddr() }
func (x *packetOps) Close() error        { return x.conn.Close() }

// fileOps implements FileOps over the os.File methods. It has no access to
// OS range locks, so locks are only coordinated within the process, by the
// channel's lock table.
type fileOps struct {
	file *os.File
}

var _ FileOps = (*fileOps)(nil)

func (x *fileOps) ReadAt(p []byte, off int64) (int, error) {
	n, err := x.file.ReadAt(p, off)
	if n == 0 && errors.Is(err, io.EOF) {
		return iostatus.EOF, nil
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return status(n, err, true)
}

func (x *fileOps) WriteAt(p []byte, off int64) (int, error) {
	n, err := x.file.WriteAt(p, off)
	return status(n, err, false)
}

func (x *fileOps) Size() (int64, error) {
	fi, err := x.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (x *fileOps) Truncate(size int64) error { return x.file.Truncate(size) }

func (x *fileOps) Force(bool) error { return x.file.Sync() }

func (x *fileOps) Lock(int64, int64, bool) (LockResult, error) { return LockAcquired, nil }

func (x *fileOps) Unlock(int64, int64) error { return nil }

func (x *fileOps) Close() error { return x.file.Close() }
