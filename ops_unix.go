//go:build unix

package aio

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/joeycumines/go-aio/filelock"
	"github.com/joeycumines/go-aio/iostatus"
	"golang.org/x/sys/unix"
)

func newSocketOps(conn net.Conn, portable bool) SocketOps {
	if !portable {
		if sc, ok := conn.(syscall.Conn); ok {
			if rc, err := sc.SyscallConn(); err == nil {
				return &rawConnOps{connOps: connOps{conn: conn}, rc: rc}
			}
		}
	}
	return &connOps{conn: conn}
}

func newDatagramOps(conn net.PacketConn, portable bool) DatagramOps {
	if !portable {
		if uc, ok := conn.(*net.UDPConn); ok {
			if rc, err := uc.SyscallConn(); err == nil {
				la, _ := uc.LocalAddr().(*net.UDPAddr)
				return &rawPacketOps{
					packetOps: packetOps{conn: conn},
					rc:        rc,
					inet6:     la != nil && la.IP.To4() == nil,
				}
			}
		}
	}
	return &packetOps{conn: conn}
}

func newFileOps(file *os.File, portable bool) FileOps {
	if !portable {
		if rc, err := file.SyscallConn(); err == nil {
			return &rawFileOps{fileOps: fileOps{file: file}, rc: rc}
		}
	}
	return &fileOps{file: file}
}

func wouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// readStatus converts the result of a read(2) style call
func readStatus(n int, err error, size int) (int, error) {
	if err == nil {
		if n == 0 && size > 0 {
			return iostatus.EOF, nil
		}
		return n, nil
	}
	return iostatus.FromErr(n, err)
}

// rawConnOps performs socket I/O with read(2) and write(2) on the
// descriptor, via the runtime poller, allowing single non-blocking attempts.
type rawConnOps struct {
	connOps
	rc syscall.RawConn
}

var _ SocketOps = (*rawConnOps)(nil)

func (x *rawConnOps) TryRead(p []byte) (int, error) { return x.read(p, true) }
func (x *rawConnOps) Read(p []byte) (int, error)    { return x.read(p, false) }

func (x *rawConnOps) read(p []byte, once bool) (int, error) {
	var (
		n    int
		serr error
	)
	if err := x.rc.Read(func(fd uintptr) bool {
		n, serr = unix.Read(int(fd), p)
		return once || !wouldBlock(serr)
	}); err != nil {
		return status(0, err, true)
	}
	return readStatus(n, serr, len(p))
}

func (x *rawConnOps) TryWrite(p []byte) (int, error) { return x.write(p, true) }
func (x *rawConnOps) Write(p []byte) (int, error)    { return x.write(p, false) }

func (x *rawConnOps) write(p []byte, once bool) (int, error) {
	var (
		n    int
		serr error
	)
	if err := x.rc.Write(func(fd uintptr) bool {
		n, serr = unix.Write(int(fd), p)
		return once || !wouldBlock(serr)
	}); err != nil {
		return status(0, err, false)
	}
	if serr != nil {
		return iostatus.FromErr(n, serr)
	}
	return n, nil
}

// rawPacketOps performs UDP I/O with recvfrom(2) and sendto(2).
type rawPacketOps struct {
	packetOps
	rc    syscall.RawConn
	inet6 bool
}

var _ DatagramOps = (*rawPacketOps)(nil)

func (x *rawPacketOps) TryReadFrom(p []byte) (int, net.Addr, error) { return x.readFrom(p, true) }
func (x *rawPacketOps) ReadFrom(p []byte) (int, net.Addr, error)    { return x.readFrom(p, false) }

func (x *rawPacketOps) readFrom(p []byte, once bool) (int, net.Addr, error) {
	var (
		n    int
		from unix.Sockaddr
		serr error
	)
	if err := x.rc.Read(func(fd uintptr) bool {
		n, from, serr = unix.Recvfrom(int(fd), p, 0)
		return once || !wouldBlock(serr)
	}); err != nil {
		n, err = status(0, err, false)
		return n, nil, err
	}
	if serr != nil {
		n, err := iostatus.FromErr(n, serr)
		return n, nil, err
	}
	return n, sockaddrToUDP(from), nil
}

func (x *rawPacketOps) TryWriteTo(p []byte, addr net.Addr) (int, error) { return x.writeTo(p, addr, true) }
func (x *rawPacketOps) WriteTo(p []byte, addr net.Addr) (int, error)    { return x.writeTo(p, addr, false) }

func (x *rawPacketOps) writeTo(p []byte, addr net.Addr, once bool) (int, error) {
	to, err := udpToSockaddr(addr, x.inet6)
	if err != nil {
		return 0, err
	}
	var serr error
	if err := x.rc.Write(func(fd uintptr) bool {
		serr = unix.Sendto(int(fd), p, 0, to)
		return once || !wouldBlock(serr)
	}); err != nil {
		return status(0, err, false)
	}
	if serr != nil {
		return iostatus.FromErr(0, serr)
	}
	return len(p), nil
}

func sockaddrToUDP(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := append(net.IP(nil), sa.Addr[:]...)
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		return &net.UDPAddr{IP: ip, Port: sa.Port}
	}
	return nil
}

func udpToSockaddr(addr net.Addr, inet6 bool) (unix.Sockaddr, error) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil, &net.AddrError{Err: "unsupported address type", Addr: addr.String()}
	}
	if !inet6 {
		ip4 := ua.IP.To4()
		if ip4 == nil {
			if len(ua.IP) != 0 {
				return nil, &net.AddrError{Err: "non-IPv4 address", Addr: ua.String()}
			}
			ip4 = net.IPv4zero.To4()
		}
		sa := &unix.SockaddrInet4{Port: ua.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	ip16 := ua.IP.To16()
	if ip16 == nil {
		ip16 = net.IPv6unspecified
	}
	sa := &unix.SockaddrInet6{Port: ua.Port}
	copy(sa.Addr[:], ip16)
	return sa, nil
}

// rawFileOps performs file I/O with pread(2) and pwrite(2), and range locks
// with fcntl(2).
type rawFileOps struct {
	fileOps
	rc syscall.RawConn
}

var _ FileOps = (*rawFileOps)(nil)

func (x *rawFileOps) control(fn func(fd int) error) error {
	var serr error
	if err := x.rc.Control(func(fd uintptr) { serr = fn(int(fd)) }); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrClosedChannel
		}
		return err
	}
	return serr
}

func (x *rawFileOps) ReadAt(p []byte, off int64) (int, error) {
	var n int
	err := x.control(func(fd int) (err error) {
		n, err = unix.Pread(fd, p, off)
		return err
	})
	if errors.Is(err, ErrClosedChannel) {
		return 0, err
	}
	return readStatus(n, err, len(p))
}

func (x *rawFileOps) WriteAt(p []byte, off int64) (int, error) {
	var n int
	err := x.control(func(fd int) (err error) {
		n, err = unix.Pwrite(fd, p, off)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrClosedChannel) {
			return 0, err
		}
		return iostatus.FromErr(n, err)
	}
	return n, nil
}

func (x *rawFileOps) Size() (size int64, err error) {
	err = x.control(func(fd int) error {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return err
		}
		size = st.Size
		return nil
	})
	return size, err
}

func (x *rawFileOps) Truncate(size int64) error {
	return x.control(func(fd int) error { return unix.Ftruncate(fd, size) })
}

func (x *rawFileOps) Force(metaData bool) error {
	return x.control(func(fd int) error {
		if metaData {
			return unix.Fsync(fd)
		}
		return fdatasync(fd)
	})
}

func (x *rawFileOps) Lock(position, size int64, shared bool) (LockResult, error) {
	lk := flock(position, size, unix.F_WRLCK)
	if shared {
		lk.Type = unix.F_RDLCK
	}
	err := x.control(func(fd int) error { return unix.FcntlFlock(uintptr(fd), unix.F_SETLK, lk) })
	switch {
	case err == nil:
		return LockAcquired, nil
	case err == unix.EAGAIN || err == unix.EACCES:
		return LockUnavailable, nil
	case err == unix.EINTR:
		return LockInterrupted, nil
	}
	return LockUnavailable, err
}

func (x *rawFileOps) Unlock(position, size int64) error {
	lk := flock(position, size, unix.F_UNLCK)
	for {
		err := x.control(func(fd int) error { return unix.FcntlFlock(uintptr(fd), unix.F_SETLK, lk) })
		if err != unix.EINTR {
			return err
		}
	}
}

func flock(position, size int64, typ int16) *unix.Flock_t {
	if size == filelock.ToEOF {
		// to end of file, however far it grows
		size = 0
	}
	return &unix.Flock_t{
		Type:   typ,
		Whence: io.SeekStart,
		Start:  position,
		Len:    size,
	}
}
