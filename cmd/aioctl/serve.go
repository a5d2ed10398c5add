package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/joeycumines/go-aio"
	"github.com/joeycumines/go-aio/iostatus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeEchoCommand(a *app) *cobra.Command {
	var bufferSize int
	cmd := &cobra.Command{
		Use:   "serve-echo ADDRESS",
		Short: "Serve a TCP echo service, until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ln, err := net.Listen("tcp", args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(a.stdout, "listening on", ln.Addr())
			return a.serveEcho(cmd.Context(), ln, bufferSize)
		},
	}
	cmd.Flags().IntVar(&bufferSize, "buffer-size", 4096, "size of each read")
	return cmd
}

func (a *app) serveEcho(ctx context.Context, ln net.Listener, bufferSize int) error {
	timeout := a.config.GetDuration("timeout")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			ch, err := aio.NewSocketChannel(a.group, conn, append(a.channelOptions(), aio.WithChannelLogger(a.logger))...)
			if err != nil {
				_ = conn.Close()
				return err
			}
			a.logger.Info().
				Str("remote", conn.RemoteAddr().String()).
				Log("accepted")
			s := &echoSession{ch: ch, buf: make([]byte, bufferSize), timeout: timeout, app: a}
			s.read(ctx)
		}
	})

	return g.Wait()
}

// echoSession writes back whatever it reads, until the peer shuts down its
// output, or the channel fails
type echoSession struct {
	ch      *aio.SocketChannel
	app     *app
	buf     []byte
	timeout time.Duration
}

func (x *echoSession) close(err error) {
	if err != nil {
		x.app.logger.Info().
			Err(err).
			Log("echo session failed")
	}
	_ = x.ch.Close()
}

func (x *echoSession) read(ctx context.Context) {
	// no timeout on reads, idle peers are fine
	if _, err := x.ch.Read(ctx, x.buf, 0, aio.HandlerFuncs[int]{
		OnCompleted: func(ctx context.Context, n int, _ any) {
			if n == iostatus.EOF {
				x.close(nil)
				return
			}
			x.write(ctx, x.buf[:n])
		},
		OnFailed: func(_ context.Context, err error, _ any) { x.close(err) },
	}, nil); err != nil {
		x.close(err)
	}
}

func (x *echoSession) write(ctx context.Context, p []byte) {
	if _, err := x.ch.Write(ctx, p, x.timeout, aio.HandlerFuncs[int]{
		OnCompleted: func(ctx context.Context, n int, _ any) {
			if n < len(p) {
				x.write(ctx, p[n:])
				return
			}
			x.read(ctx)
		},
		OnFailed: func(_ context.Context, err error, _ any) { x.close(err) },
	}, nil); err != nil {
		x.close(err)
	}
}
