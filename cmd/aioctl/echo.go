package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joeycumines/go-aio"
	"github.com/joeycumines/go-aio/iostatus"
	"github.com/spf13/cobra"
)

func newEchoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "echo ADDRESS MESSAGE...",
		Short: "Send a message to a TCP echo service, and print the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := a.echo(cmd.Context(), args[0], []byte(strings.Join(args[1:], " ")))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "%s\n", reply)
			return nil
		},
	}
}

func (a *app) echo(ctx context.Context, address string, message []byte) ([]byte, error) {
	timeout := a.config.GetDuration("timeout")

	ch, err := aio.OpenSocketChannel(a.group, "tcp", append(a.channelOptions(), aio.WithChannelLogger(a.logger))...)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	connect, err := ch.Connect(ctx, address, nil, nil)
	if err != nil {
		return nil, err
	}
	if _, err := awaitTimeout(ctx, connect, timeout); err != nil {
		return nil, err
	}

	for p := message; len(p) != 0; {
		f, err := ch.Write(ctx, p, timeout, nil, nil)
		if err != nil {
			return nil, err
		}
		n, err := f.Get()
		if err != nil {
			return nil, err
		}
		p = p[n:]
	}

	reply := make([]byte, len(message))
	for off := 0; off < len(reply); {
		f, err := ch.Read(ctx, reply[off:], timeout, nil, nil)
		if err != nil {
			return nil, err
		}
		n, err := f.Get()
		if err != nil {
			return nil, err
		}
		if n == iostatus.EOF {
			return reply[:off], fmt.Errorf("connection closed after %d of %d bytes", off, len(reply))
		}
		off += n
	}

	return reply, nil
}

func awaitTimeout[V any](ctx context.Context, f *aio.Future[V], timeout time.Duration) (V, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := f.Await(ctx)
	if err != nil && !f.IsDone() {
		f.Cancel(false)
	}
	return v, err
}
