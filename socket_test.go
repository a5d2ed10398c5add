package aio

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/joeycumines/go-aio/iostatus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var opsVariants = []struct {
	name string
	opts []ChannelOption
}{
	{name: "native"},
	{name: "portable", opts: []ChannelOption{WithPortableOps()}},
}

// connectedPair returns a connected channel, and the peer's end of the
// connection
func connectedPair(t *testing.T, g *Group, opts ...ChannelOption) (*SocketChannel, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	c, err := OpenSocketChannel(g, "tcp", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	assert.Equal(t, StateUnconnected, c.State())

	f, err := c.Connect(context.Background(), ln.Addr().String(), nil, nil)
	require.NoError(t, err)
	_, err = f.GetTimeout(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, c.State())

	peer, ok := <-accepted
	require.True(t, ok)
	t.Cleanup(func() { _ = peer.Close() })
	assert.Equal(t, ln.Addr().String(), c.RemoteAddr().String())
	assert.Equal(t, peer.RemoteAddr().String(), c.LocalAddr().String())

	return c, peer
}

func TestSocketChannel_readWrite(t *testing.T) {
	for _, v := range opsVariants {
		t.Run(v.name, func(t *testing.T) {
			g := newTestGroup(t)
			c, peer := connectedPair(t, g, v.opts...)

			// pending read, completed once the peer writes
			buf := make([]byte, 16)
			h := newRecordingHandler[int]()
			f, err := c.Read(context.Background(), buf, 0, h, nil)
			require.NoError(t, err)

			_, err = c.Read(context.Background(), make([]byte, 1), 0, nil, nil)
			assert.ErrorIs(t, err, ErrReadPending)

			_, err = peer.Write([]byte("hello"))
			require.NoError(t, err)

			o := h.next(t)
			require.NoError(t, o.Err)
			assert.Equal(t, 5, o.Value)
			assert.Equal(t, "hello", string(buf[:o.Value]))
			n, err := f.Get()
			require.NoError(t, err)
			assert.Equal(t, 5, n)

			// write, then read it from the peer
			wf, err := c.Write(context.Background(), []byte("world"), 0, nil, nil)
			require.NoError(t, err)
			n, err = wf.GetTimeout(5 * time.Second)
			require.NoError(t, err)
			assert.Equal(t, 5, n)
			b := make([]byte, 5)
			_, err = io.ReadFull(peer, b)
			require.NoError(t, err)
			assert.Equal(t, "world", string(b))

			// end of stream
			require.NoError(t, peer.Close())
			f, err = c.Read(context.Background(), buf, 0, nil, nil)
			require.NoError(t, err)
			n, err = f.GetTimeout(5 * time.Second)
			require.NoError(t, err)
			assert.Equal(t, iostatus.EOF, n)
		})
	}
}

func TestSocketChannel_zeroLength(t *testing.T) {
	g := newTestGroup(t)
	c, _ := connectedPair(t, g)

	f, err := c.Read(context.Background(), nil, 0, nil, nil)
	require.NoError(t, err)
	n, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f, err = c.Write(context.Background(), []byte{}, 0, nil, nil)
	require.NoError(t, err)
	n, err = f.Get()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSocketChannel_timeoutKillsDirection(t *testing.T) {
	for _, v := range opsVariants {
		t.Run(v.name, func(t *testing.T) {
			g := newTestGroup(t)
			c, peer := connectedPair(t, g, v.opts...)

			h := newRecordingHandler[int]()
			f, err := c.Read(context.Background(), make([]byte, 8), 50*time.Millisecond, h, nil)
			require.NoError(t, err)

			o := h.next(t)
			assert.ErrorIs(t, o.Err, ErrInterruptedByTimeout)
			var opErr *OpError
			require.ErrorAs(t, o.Err, &opErr)
			assert.True(t, opErr.Timeout())
			assert.Equal(t, OpRead, opErr.Op)
			_, err = f.Get()
			assert.ErrorIs(t, err, ErrInterruptedByTimeout)

			// the read direction is dead, the write direction is not
			_, err = c.Read(context.Background(), make([]byte, 8), 0, nil, nil)
			assert.ErrorIs(t, err, ErrKilled)
			assert.True(t, c.IsOpen())

			wf, err := c.Write(context.Background(), []byte("x"), 0, nil, nil)
			require.NoError(t, err)
			n, err := wf.GetTimeout(5 * time.Second)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			b := make([]byte, 1)
			_, err = io.ReadFull(peer, b)
			require.NoError(t, err)
		})
	}
}

func TestSocketChannel_cancelRead(t *testing.T) {
	g := newTestGroup(t)
	c, _ := connectedPair(t, g)

	h := newRecordingHandler[int]()
	f, err := c.Read(context.Background(), make([]byte, 8), 0, h, nil)
	require.NoError(t, err)

	require.True(t, f.Cancel(false))
	assert.True(t, f.IsCancelled())
	o := h.next(t)
	assert.True(t, o.Cancelled)

	_, err = c.Read(context.Background(), make([]byte, 8), 0, nil, nil)
	assert.ErrorIs(t, err, ErrKilled)
	assert.True(t, c.IsOpen())
}

func TestSocketChannel_cancelByContext(t *testing.T) {
	g := newTestGroup(t)
	c, _ := connectedPair(t, g)

	ctx, cancel := context.WithCancel(context.Background())
	f, err := c.Read(ctx, make([]byte, 8), 0, nil, nil)
	require.NoError(t, err)
	cancel()

	_, err = f.GetTimeout(5 * time.Second)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSocketChannel_closeDuringRead(t *testing.T) {
	for _, v := range opsVariants {
		t.Run(v.name, func(t *testing.T) {
			g := newTestGroup(t)
			c, _ := connectedPair(t, g, v.opts...)

			h := newRecordingHandler[int]()
			_, err := c.Read(context.Background(), make([]byte, 8), 0, h, nil)
			require.NoError(t, err)

			require.NoError(t, c.Close())
			assert.False(t, c.IsOpen())
			require.NoError(t, c.Close())

			o := h.next(t)
			assert.ErrorIs(t, o.Err, ErrAsynchronousClose)
			assert.ErrorIs(t, o.Err, ErrClosedChannel)

			// closed channels deliver the failure to the handler
			_, err = c.Write(context.Background(), []byte("x"), 0, h, nil)
			require.NoError(t, err)
			o = h.next(t)
			assert.ErrorIs(t, o.Err, ErrClosedChannel)
			assert.NotErrorIs(t, o.Err, ErrAsynchronousClose)
		})
	}
}

func TestSocketChannel_shutdown(t *testing.T) {
	g := newTestGroup(t)
	c, peer := connectedPair(t, g)

	require.NoError(t, c.ShutdownInput())
	require.NoError(t, c.ShutdownInput())
	f, err := c.Read(context.Background(), make([]byte, 8), 0, nil, nil)
	require.NoError(t, err)
	n, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, iostatus.EOF, n)

	require.NoError(t, c.ShutdownOutput())
	f, err = c.Write(context.Background(), []byte("x"), 0, nil, nil)
	require.NoError(t, err)
	_, err = f.Get()
	assert.ErrorIs(t, err, ErrClosedChannel)

	// the peer observes the end of stream
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = peer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestSocketChannel_notConnected(t *testing.T) {
	g := newTestGroup(t)
	c, err := OpenSocketChannel(g, "tcp")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Read(context.Background(), make([]byte, 1), 0, nil, nil)
	assert.ErrorIs(t, err, ErrNotYetConnected)
	_, err = c.Write(context.Background(), make([]byte, 1), 0, nil, nil)
	assert.ErrorIs(t, err, ErrNotYetConnected)
	assert.ErrorIs(t, c.ShutdownInput(), ErrNotYetConnected)
	assert.ErrorIs(t, c.ShutdownOutput(), ErrNotYetConnected)
	assert.Nil(t, c.RemoteAddr())
}

func TestSocketChannel_Bind(t *testing.T) {
	g := newTestGroup(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	c, err := OpenSocketChannel(g, "tcp")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Bind("127.0.0.1:0"))
	assert.ErrorIs(t, c.Bind("127.0.0.1:0"), ErrAlreadyBound)

	f, err := c.Connect(context.Background(), ln.Addr().String(), nil, nil)
	require.NoError(t, err)
	_, err = f.GetTimeout(5 * time.Second)
	require.NoError(t, err)

	_, err = c.Connect(context.Background(), ln.Addr().String(), nil, nil)
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	c2, err := NewSocketChannel(g, mustDial(t, ln.Addr().String()))
	require.NoError(t, err)
	defer c2.Close()
	assert.Equal(t, StateConnected, c2.State())
	assert.ErrorIs(t, c2.Bind("127.0.0.1:0"), ErrAlreadyBound)
}

func mustDial(t *testing.T, address string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", address)
	require.NoError(t, err)
	return conn
}

func TestSocketChannel_connectRefused(t *testing.T) {
	g := newTestGroup(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, err := OpenSocketChannel(g, "tcp")
	require.NoError(t, err)
	h := newRecordingHandler[struct{}]()
	_, err = c.Connect(context.Background(), address, h, nil)
	require.NoError(t, err)

	o := h.next(t)
	var opErr *OpError
	require.ErrorAs(t, o.Err, &opErr)
	assert.Equal(t, OpConnect, opErr.Op)
	assert.False(t, c.IsOpen())
}

func TestSocketChannel_cancelConnect(t *testing.T) {
	g := newTestGroup(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c, err := OpenSocketChannel(g, "tcp")
	require.NoError(t, err)
	defer c.Close()

	f, err := c.Connect(context.Background(), ln.Addr().String(), nil, nil)
	require.NoError(t, err)
	if !f.Cancel(false) {
		t.Skip("connect completed before it could be cancelled")
	}
	_, err = f.Get()
	assert.ErrorIs(t, err, ErrCancelled)

	// both directions are dead, whether or not the dial had succeeded
	require.Eventually(t, func() bool { return c.State() != StatePending || !c.IsOpen() }, 5*time.Second, time.Millisecond)
	if c.IsOpen() {
		_, err = c.Read(context.Background(), make([]byte, 1), 0, nil, nil)
		assert.ErrorIs(t, err, ErrKilled)
		_, err = c.Write(context.Background(), make([]byte, 1), 0, nil, nil)
		assert.ErrorIs(t, err, ErrKilled)
	}
}

func TestSocketChannel_groupShutdown(t *testing.T) {
	g := newTestGroup(t)
	c, _ := connectedPair(t, g)

	g.Shutdown()
	assert.False(t, g.IsTerminated())
	_, err := OpenSocketChannel(g, "tcp")
	assert.ErrorIs(t, err, ErrShutdownChannelGroup)

	require.NoError(t, c.Close())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.AwaitTermination(ctx))
}

func TestOpenSocketChannel_network(t *testing.T) {
	_, err := OpenSocketChannel(newTestGroup(t), "udp")
	assert.Error(t, err)
}
