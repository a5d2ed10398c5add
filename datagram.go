package aio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/joeycumines/go-aio/iostatus"
	"github.com/joeycumines/go-aio/nativethread"
	"github.com/joeycumines/logiface"
)

// Received is the result of a [DatagramChannel.Receive].
type Received struct {
	// Addr is the source of the datagram.
	Addr net.Addr
	// N is the number of bytes received, which may be less than the size of
	// the datagram, if the buffer was too small.
	N int
}

// DatagramChannel is an asynchronous channel for datagram-oriented sockets.
//
// The channel may be connected to a peer, in which case only datagrams from
// that peer are received, and [DatagramChannel.Read] and
// [DatagramChannel.Write] become available. At most one receive (or read)
// and one send (or write) may be outstanding at any time. Unlike a
// [SocketChannel], a timeout or cancellation only abandons the operation in
// progress.
type DatagramChannel struct {
	group   *Group
	logger  *logiface.Logger[logiface.Event]
	threads *nativethread.Set
	ops     DatagramOps
	peer    net.Addr
	network string
	closer
	read    direction
	write   direction
	stateMu sync.Mutex
}

var (
	_ Channel     = (*DatagramChannel)(nil)
	_ Groupable   = (*DatagramChannel)(nil)
	_ Cancellable = (*DatagramChannel)(nil)
)

// datagramIO describes one direction of a datagram operation
type datagramIO struct {
	dir       *direction
	pending   error
	try       func() (int, net.Addr, error)
	block     func() (int, net.Addr, error)
	interrupt func()
	reset     func()
	op        Op
}

// OpenDatagramChannel listens on address, per [net.ListenPacket]. A nil
// group selects [DefaultGroup].
func OpenDatagramChannel(group *Group, network, address string, opts ...ChannelOption) (*DatagramChannel, error) {
	conn, err := net.ListenPacket(network, address)
	if err != nil {
		return nil, err
	}
	c, err := NewDatagramChannel(group, conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewDatagramChannel returns an unconnected channel for conn. The channel
// takes ownership of conn, unless an error is returned.
func NewDatagramChannel(group *Group, conn net.PacketConn, opts ...ChannelOption) (*DatagramChannel, error) {
	if conn == nil {
		return nil, errors.New("aio: nil conn")
	}
	cfg, err := resolveChannelOptions(opts)
	if err != nil {
		return nil, err
	}
	if group == nil {
		group = DefaultGroup()
	}
	logger := cfg.logger
	if logger == nil {
		logger = group.Logger()
	}
	var setOpts []nativethread.Option
	if cfg.resignal > 0 {
		setOpts = append(setOpts, nativethread.WithResignalInterval(cfg.resignal))
	}
	c := &DatagramChannel{
		group:   group,
		logger:  logger.Clone().Str("channel", "datagram").Logger(),
		threads: nativethread.NewSet(2, setOpts...),
		ops:     newDatagramOps(conn, cfg.portable),
		network: conn.LocalAddr().Network(),
	}
	if err := group.attach(c); err != nil {
		return nil, err
	}
	c.open.Store(true)
	return c, nil
}

// Group returns the group the channel is bound to.
func (c *DatagramChannel) Group() *Group { return c.group }

// IsOpen reports whether the channel is open.
func (c *DatagramChannel) IsOpen() bool { return c.isOpen() }

// LocalAddr returns the local address.
func (c *DatagramChannel) LocalAddr() net.Addr { return c.ops.LocalAddr() }

// RemoteAddr returns the connected peer, or nil.
func (c *DatagramChannel) RemoteAddr() net.Addr {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.peer
}

// Connect restricts the channel to the peer at address.
func (c *DatagramChannel) Connect(address string) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()
	peer, err := resolveAddr(c.network, address)
	if err != nil {
		return err
	}
	c.stateMu.Lock()
	c.peer = peer
	c.stateMu.Unlock()
	return nil
}

// Disconnect removes the restriction set by [DatagramChannel.Connect].
func (c *DatagramChannel) Disconnect() error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()
	c.stateMu.Lock()
	c.peer = nil
	c.stateMu.Unlock()
	return nil
}

// Send sends buf as a datagram to target, or to the connected peer, if
// target is nil.
func (c *DatagramChannel) Send(ctx context.Context, buf []byte, target net.Addr, timeout time.Duration, handler CompletionHandler[int], attachment any) (*Future[int], error) {
	peer := c.RemoteAddr()
	switch {
	case target == nil && peer == nil && c.IsOpen():
		return nil, ErrNotYetConnected
	case target == nil:
		target = peer
	case peer != nil && target.String() != peer.String():
		return nil, ErrAlreadyConnected
	}
	return startDatagram(ctx, c, c.writeIO(OpSend, buf, target), timeout, handler, attachment, count)
}

// Receive receives a datagram into buf. If the channel is connected, only
// datagrams from the peer are received.
func (c *DatagramChannel) Receive(ctx context.Context, buf []byte, timeout time.Duration, handler CompletionHandler[Received], attachment any) (*Future[Received], error) {
	return startDatagram(ctx, c, c.readIO(OpReceive, buf, c.RemoteAddr()), timeout, handler, attachment, func(n int, addr net.Addr) Received {
		return Received{Addr: addr, N: n}
	})
}

// Read receives a datagram from the connected peer into buf.
func (c *DatagramChannel) Read(ctx context.Context, buf []byte, timeout time.Duration, handler CompletionHandler[int], attachment any) (*Future[int], error) {
	peer := c.RemoteAddr()
	if peer == nil && c.IsOpen() {
		return nil, ErrNotYetConnected
	}
	return startDatagram(ctx, c, c.readIO(OpRead, buf, peer), timeout, handler, attachment, count)
}

// Write sends buf as a datagram to the connected peer.
func (c *DatagramChannel) Write(ctx context.Context, buf []byte, timeout time.Duration, handler CompletionHandler[int], attachment any) (*Future[int], error) {
	peer := c.RemoteAddr()
	if peer == nil && c.IsOpen() {
		return nil, ErrNotYetConnected
	}
	return startDatagram(ctx, c, c.writeIO(OpWrite, buf, peer), timeout, handler, attachment, count)
}

func count(n int, _ net.Addr) int { return n }

func (c *DatagramChannel) readIO(op Op, buf []byte, peer net.Addr) datagramIO {
	filter := func(fn func([]byte) (int, net.Addr, error)) func() (int, net.Addr, error) {
		return func() (int, net.Addr, error) {
			for {
				n, addr, err := fn(buf)
				if err != nil || n < 0 || peer == nil || (addr != nil && addr.String() == peer.String()) {
					return n, addr, err
				}
				c.logger.Trace().
					Str("from", fmt.Sprint(addr)).
					Log("discarded datagram from unconnected peer")
			}
		}
	}
	return datagramIO{
		dir:       &c.read,
		pending:   ErrReadPending,
		try:       filter(c.ops.TryReadFrom),
		block:     filter(c.ops.ReadFrom),
		interrupt: c.ops.InterruptRead,
		reset:     c.ops.ResetRead,
		op:        op,
	}
}

func (c *DatagramChannel) writeIO(op Op, buf []byte, target net.Addr) datagramIO {
	return datagramIO{
		dir:     &c.write,
		pending: ErrWritePending,
		try: func() (int, net.Addr, error) {
			n, err := c.ops.TryWriteTo(buf, target)
			return n, nil, err
		},
		block: func() (int, net.Addr, error) {
			n, err := c.ops.WriteTo(buf, target)
			return n, nil, err
		},
		interrupt: c.ops.InterruptWrite,
		reset:     c.ops.ResetWrite,
		op:        op,
	}
}

func startDatagram[V any](ctx context.Context, c *DatagramChannel, x datagramIO, timeout time.Duration, handler CompletionHandler[V], attachment any, result func(int, net.Addr) V) (*Future[V], error) {
	var zero V

	if !c.IsOpen() {
		return deliver(ctx, c, handler, attachment, x.op, zero, opError(x.op, ErrClosedChannel))
	}
	if _, err := x.dir.acquire(x.pending, true); err != nil {
		return nil, err
	}
	if err := c.begin(); err != nil {
		x.dir.enable(false)
		return deliver(ctx, c, handler, attachment, x.op, zero, opError(x.op, ErrAsynchronousClose))
	}

	f := NewFuture(c, handler, attachment, x.op)
	w := WorkerFrom(ctx)
	direct := w.mayInvokeDirect(c.group)

	if handler == nil || direct || !c.group.IsFixedThreadPool() {
		var addr net.Addr
		n, err := retryInterruptible(func() (n int, err error) {
			n, addr, err = x.try()
			return n, err
		}, x.reset, c.IsOpen)
		if err != nil || n != iostatus.Unavailable {
			open := c.IsOpen()
			c.end()
			x.dir.enable(false)
			n, err = transferResult(x.op, open, n, err)
			if err != nil {
				f.SetFailure(err)
			} else {
				f.SetResult(result(n, addr))
			}
			switch {
			case direct:
				if f.claim() {
					v, err := f.outcome()
					invokeDirect(ctx, w, handler, attachment, v, err)
				}
			case handler != nil:
				if err := invokeFutureIndirectly(f); err != nil {
					return nil, err
				}
			}
			return f, nil
		}
	}

	scheduleTimeout(c.group, c.logger, f, timeout, x.dir.abort, x.interrupt)

	err := c.group.ExecuteOnPooledThread(func(ctx context.Context) {
		produce(ctx, c.logger, f, func() {
			released := false
			defer func() {
				if !released {
					x.dir.enable(false)
				}
			}()

			var addr net.Addr
			n, err := c.blocking(x.interrupt, func() (int, error) {
				return retryInterruptible(func() (n int, err error) {
					n, addr, err = x.block()
					return n, err
				}, x.reset, func() bool {
					return c.IsOpen() && !x.dir.isAborted()
				})
			})

			n, err = transferResult(x.op, c.IsOpen(), n, err)
			var v V
			if err == nil {
				v = result(n, addr)
			}

			// the result is set before the direction is released, so that a
			// cancellation can't abort the next operation
			set := f.setResultOrFailure(v, err)
			x.dir.enable(false)
			released = true
			switch {
			case set:
				_ = InvokeFuture(ctx, f)
			case f.IsCancelled():
				_ = invokeFutureIndirectly(f)
			}
		})
	})
	c.end()
	if err != nil {
		x.dir.enable(false)
		f.SetFailure(ErrShutdownChannelGroup)
		return nil, ErrShutdownChannelGroup
	}

	f.watch(ctx)
	return f, nil
}

func (c *DatagramChannel) blocking(interrupt func(), fn func() (int, error)) (int, error) {
	idx := c.threads.Add(nativethread.Current(interrupt))
	defer c.threads.Remove(idx)
	return fn()
}

// OnCancel abandons the receive or send in progress.
func (c *DatagramChannel) OnCancel(op Op) {
	switch op {
	case OpRead, OpReceive:
		c.read.abort()
		c.ops.InterruptRead()
	case OpWrite, OpSend:
		c.write.abort()
		c.ops.InterruptWrite()
	}
}

// Close closes the channel, failing outstanding operations with
// [ErrAsynchronousClose].
func (c *DatagramChannel) Close() error {
	if !c.markClosed() {
		return nil
	}
	if n := c.threads.Len(); n != 0 {
		c.logger.Debug().
			Int("in_flight", n).
			Log("closing channel with blocked operations")
	}
	_ = c.threads.SignalAndWait(context.Background())
	err := c.ops.Close()
	c.group.detach(c)
	return err
}

func (c *DatagramChannel) String() string {
	return fmt.Sprintf("DatagramChannel[%s %v open=%t]", c.network, c.LocalAddr(), c.IsOpen())
}
