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

// SocketChannel is an asynchronous channel for stream-oriented sockets, e.g.
// TCP or unix domain stream sockets.
//
// At most one read and one write may be outstanding at any time. A read or
// write that times out, or is cancelled, kills its direction: the channel
// remains open, but further operations in that direction fail with
// [ErrKilled].
type SocketChannel struct {
	group      *Group
	logger     *logiface.Logger[logiface.Event]
	threads    *nativethread.Set
	ops        SocketOps
	local      net.Addr
	dialCancel context.CancelFunc
	network    string
	closer
	read     direction
	write    direction
	stateMu  sync.Mutex
	state    ChannelState
	portable bool
}

var (
	_ Channel     = (*SocketChannel)(nil)
	_ Groupable   = (*SocketChannel)(nil)
	_ Cancellable = (*SocketChannel)(nil)
)

// OpenSocketChannel returns an unconnected channel for network, which must be
// one of "tcp", "tcp4", "tcp6" or "unix". A nil group selects
// [DefaultGroup].
func OpenSocketChannel(group *Group, network string, opts ...ChannelOption) (*SocketChannel, error) {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return nil, net.UnknownNetworkError(network)
	}
	c, err := newSocketChannel(group, opts)
	if err != nil {
		return nil, err
	}
	c.network = network
	c.state = StateUnconnected
	if err := c.group.attach(c); err != nil {
		return nil, err
	}
	c.open.Store(true)
	return c, nil
}

// NewSocketChannel returns a connected channel for conn, e.g. one returned
// by an accept. The channel takes ownership of conn, unless an error is
// returned.
func NewSocketChannel(group *Group, conn net.Conn, opts ...ChannelOption) (*SocketChannel, error) {
	if conn == nil {
		return nil, errors.New("aio: nil conn")
	}
	c, err := newSocketChannel(group, opts)
	if err != nil {
		return nil, err
	}
	c.network = conn.LocalAddr().Network()
	c.ops = newSocketOps(conn, c.portable)
	c.state = StateConnected
	if err := c.group.attach(c); err != nil {
		return nil, err
	}
	c.open.Store(true)
	return c, nil
}

func newSocketChannel(group *Group, opts []ChannelOption) (*SocketChannel, error) {
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
	return &SocketChannel{
		group:    group,
		logger:   logger.Clone().Str("channel", "socket").Logger(),
		threads:  nativethread.NewSet(2, setOpts...),
		portable: cfg.portable,
		state:    StateUninitialized,
	}, nil
}

// Group returns the group the channel is bound to.
func (c *SocketChannel) Group() *Group { return c.group }

// IsOpen reports whether the channel is open.
func (c *SocketChannel) IsOpen() bool { return c.isOpen() }

// State returns the connection state.
func (c *SocketChannel) State() ChannelState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// LocalAddr returns the local address, which is the bound address until the
// channel is connected, and nil if neither.
func (c *SocketChannel) LocalAddr() net.Addr {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.ops != nil {
		return c.ops.LocalAddr()
	}
	return c.local
}

// RemoteAddr returns the address of the peer, or nil if not connected.
func (c *SocketChannel) RemoteAddr() net.Addr {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.ops != nil {
		return c.ops.RemoteAddr()
	}
	return nil
}

// Bind sets the local address the channel will connect from.
func (c *SocketChannel) Bind(address string) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	addr, err := resolveAddr(c.network, address)
	if err != nil {
		return err
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	switch {
	case c.state == StatePending:
		return ErrConnectionPending
	case c.state == StateConnected, c.local != nil:
		return ErrAlreadyBound
	}
	c.local = addr
	return nil
}

// Connect connects the channel to address. A failed connect closes the
// channel. Cancelling the future kills both directions.
func (c *SocketChannel) Connect(ctx context.Context, address string, handler CompletionHandler[struct{}], attachment any) (*Future[struct{}], error) {
	if !c.IsOpen() {
		return deliver(ctx, c, handler, attachment, OpConnect, struct{}{}, opError(OpConnect, ErrClosedChannel))
	}

	remote, err := resolveAddr(c.network, address)
	if err != nil {
		return nil, err
	}

	if err := c.begin(); err != nil {
		return deliver(ctx, c, handler, attachment, OpConnect, struct{}{}, opError(OpConnect, err))
	}

	c.stateMu.Lock()
	switch c.state {
	case StateConnected:
		c.stateMu.Unlock()
		c.end()
		return nil, ErrAlreadyConnected
	case StatePending:
		c.stateMu.Unlock()
		c.end()
		return nil, ErrConnectionPending
	}
	c.state = StatePending
	local := c.local
	dialCtx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	c.stateMu.Unlock()

	f := NewFuture(c, handler, attachment, OpConnect)

	err = c.group.ExecuteOnPooledThread(func(ctx context.Context) {
		produce(ctx, c.logger, f, func() { c.finishConnect(ctx, f, dialCtx, cancel, local, remote) })
	})
	c.end()
	if err != nil {
		cancel()
		_ = c.Close()
		return nil, ErrShutdownChannelGroup
	}

	f.watch(ctx)
	return f, nil
}

func (c *SocketChannel) finishConnect(ctx context.Context, f *Future[struct{}], dialCtx context.Context, cancel context.CancelFunc, local, remote net.Addr) {
	conn, err := c.dial(dialCtx, cancel, local, remote)

	if err == nil {
		err = c.setConnected(conn)
	} else if !c.IsOpen() {
		err = ErrAsynchronousClose
	} else if errors.Is(err, context.Canceled) {
		err = ErrCancelled
	}

	if err != nil {
		c.logger.Debug().
			Str("remote", remote.String()).
			Err(err).
			Log("connect failed")
		_ = c.Close()
	}

	_ = complete(ctx, f, struct{}{}, opError(OpConnect, err))
}

func (c *SocketChannel) dial(ctx context.Context, cancel context.CancelFunc, local, remote net.Addr) (net.Conn, error) {
	idx := c.threads.Add(nativethread.Current(cancel))
	defer c.threads.Remove(idx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.IsOpen() {
		return nil, ErrAsynchronousClose
	}
	d := net.Dialer{LocalAddr: local}
	return d.DialContext(ctx, remote.Network(), remote.String())
}

func (c *SocketChannel) setConnected(conn net.Conn) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.IsOpen() {
		_ = conn.Close()
		return ErrAsynchronousClose
	}
	c.ops = newSocketOps(conn, c.portable)
	c.state = StateConnected
	c.dialCancel = nil
	return nil
}

// Read reads into buf. If timeout is positive, and nothing was read after
// timeout, the read fails with [ErrInterruptedByTimeout], and the read
// direction is killed.
//
// A read that reached the end of stream returns [iostatus.EOF]. The handler
// may be nil, in which case the result is only available via the future.
func (c *SocketChannel) Read(ctx context.Context, buf []byte, timeout time.Duration, handler CompletionHandler[int], attachment any) (*Future[int], error) {
	return c.transfer(ctx, OpRead, buf, timeout, handler, attachment)
}

// Write writes from buf, returning the number of bytes written, which may be
// less than len(buf). Timeouts behave as for [SocketChannel.Read].
func (c *SocketChannel) Write(ctx context.Context, buf []byte, timeout time.Duration, handler CompletionHandler[int], attachment any) (*Future[int], error) {
	return c.transfer(ctx, OpWrite, buf, timeout, handler, attachment)
}

func (c *SocketChannel) transfer(ctx context.Context, op Op, buf []byte, timeout time.Duration, handler CompletionHandler[int], attachment any) (*Future[int], error) {
	dir, pending := &c.read, ErrReadPending
	if op == OpWrite {
		dir, pending = &c.write, ErrWritePending
	}

	if !c.IsOpen() {
		return deliver(ctx, c, handler, attachment, op, 0, opError(op, ErrClosedChannel))
	}
	if c.State() != StateConnected {
		return nil, ErrNotYetConnected
	}

	shutdown, err := dir.acquire(pending, len(buf) != 0)
	if err != nil {
		return nil, err
	}
	switch {
	case shutdown && op == OpRead:
		return deliver(ctx, c, handler, attachment, op, iostatus.EOF, nil)
	case shutdown:
		return deliver(ctx, c, handler, attachment, op, 0, opError(op, ErrClosedChannel))
	case len(buf) == 0:
		return deliver(ctx, c, handler, attachment, op, 0, nil)
	}

	if err := c.begin(); err != nil {
		dir.enable(false)
		return deliver(ctx, c, handler, attachment, op, 0, opError(op, ErrAsynchronousClose))
	}

	f := NewFuture(c, handler, attachment, op)
	w := WorkerFrom(ctx)
	direct := w.mayInvokeDirect(c.group)

	// attempt the transfer without blocking, on the calling goroutine
	attempt := op == OpWrite || handler == nil || direct || !c.group.IsFixedThreadPool()
	if attempt {
		n, err := iostatus.Retry(func() (int, error) {
			if op == OpRead {
				return c.ops.TryRead(buf)
			}
			return c.ops.TryWrite(buf)
		}, c.IsOpen)
		if err != nil || n != iostatus.Unavailable {
			open := c.IsOpen()
			c.end()
			dir.enable(false)
			f.setResultOrFailure(transferResult(op, open, n, err))
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

	scheduleTimeout(c.group, c.logger, f, timeout, dir.kill, func() { c.interrupt(op) })

	err = c.group.ExecuteOnPooledThread(func(ctx context.Context) {
		produce(ctx, c.logger, f, func() { c.finishTransfer(ctx, f, dir, buf) })
	})
	c.end()
	if err != nil {
		dir.enable(false)
		f.SetFailure(ErrShutdownChannelGroup)
		return nil, ErrShutdownChannelGroup
	}

	f.watch(ctx)
	return f, nil
}

// finishTransfer performs a pending read or write, on a pool goroutine
func (c *SocketChannel) finishTransfer(ctx context.Context, f *Future[int], dir *direction, buf []byte) {
	op := f.op
	interrupt, reset, fn := c.ops.InterruptRead, c.ops.ResetRead, c.ops.Read
	if op == OpWrite {
		interrupt, reset, fn = c.ops.InterruptWrite, c.ops.ResetWrite, c.ops.Write
	}

	n, err := c.blockingTransfer(dir, interrupt, func() (int, error) {
		return retryInterruptible(func() (int, error) { return fn(buf) }, reset, func() bool {
			return c.IsOpen() && !dir.isKilled() && !f.IsDone()
		})
	})
	n, err = transferResult(op, c.IsOpen(), n, err)

	_ = complete(ctx, f, n, err)
}

// blockingTransfer calls fn registered for interrupt, releasing dir once it
// returns, or panics
func (c *SocketChannel) blockingTransfer(dir *direction, interrupt func(), fn func() (int, error)) (int, error) {
	defer dir.enable(false)
	idx := c.threads.Add(nativethread.Current(interrupt))
	defer c.threads.Remove(idx)
	return fn()
}

// interrupt unblocks the pending transfer of op, if any
func (c *SocketChannel) interrupt(op Op) {
	c.stateMu.Lock()
	ops := c.ops
	c.stateMu.Unlock()
	if ops == nil {
		return
	}
	switch op {
	case OpRead:
		ops.InterruptRead()
	case OpWrite:
		ops.InterruptWrite()
	}
}

// OnCancel kills the direction of a cancelled read or write, or both
// directions of a cancelled connect.
func (c *SocketChannel) OnCancel(op Op) {
	switch op {
	case OpRead:
		c.read.kill()
		c.interrupt(OpRead)
	case OpWrite:
		c.write.kill()
		c.interrupt(OpWrite)
	case OpConnect:
		c.read.kill()
		c.write.kill()
		c.stateMu.Lock()
		cancel := c.dialCancel
		c.stateMu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// ShutdownInput shuts down the read side of the connection. Subsequent reads
// return [iostatus.EOF].
func (c *SocketChannel) ShutdownInput() error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()
	if c.State() != StateConnected {
		return ErrNotYetConnected
	}
	if !c.read.markShutdown() {
		return nil
	}
	return c.ops.ShutdownInput()
}

// ShutdownOutput shuts down the write side of the connection. Subsequent
// writes fail with [ErrClosedChannel].
func (c *SocketChannel) ShutdownOutput() error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()
	if c.State() != StateConnected {
		return ErrNotYetConnected
	}
	if !c.write.markShutdown() {
		return nil
	}
	return c.ops.ShutdownOutput()
}

// Close closes the channel, failing outstanding operations with
// [ErrAsynchronousClose]. It blocks until every goroutine blocked on behalf
// of the channel has been interrupted.
func (c *SocketChannel) Close() error {
	if !c.markClosed() {
		return nil
	}

	if n := c.threads.Len(); n != 0 {
		c.logger.Debug().
			Int("in_flight", n).
			Log("closing channel with blocked operations")
	}
	_ = c.threads.SignalAndWait(context.Background())

	c.stateMu.Lock()
	ops, cancel := c.ops, c.dialCancel
	c.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ops != nil {
		err = ops.Close()
	}

	c.group.detach(c)

	return err
}

func (c *SocketChannel) String() string {
	return fmt.Sprintf("SocketChannel[%s %s open=%t]", c.network, c.State(), c.IsOpen())
}

func resolveAddr(network, address string) (net.Addr, error) {
	switch network {
	case "unix", "unixgram", "unixpacket":
		return net.ResolveUnixAddr(network, address)
	case "udp", "udp4", "udp6":
		return net.ResolveUDPAddr(network, address)
	default:
		return net.ResolveTCPAddr(network, address)
	}
}
