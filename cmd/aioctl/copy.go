package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/joeycumines/go-aio"
	"github.com/joeycumines/go-aio/iostatus"
	"github.com/spf13/cobra"
)

func newCopyCommand(a *app) *cobra.Command {
	var bufferSize int
	cmd := &cobra.Command{
		Use:   "copy SRC DST",
		Short: "Copy a file, chaining reads and writes via completion handlers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bufferSize <= 0 {
				return fmt.Errorf("invalid buffer size: %d", bufferSize)
			}
			n, err := a.copyFile(cmd.Context(), args[0], args[1], bufferSize)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "copied %d bytes\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&bufferSize, "buffer-size", 64<<10, "size of each read")
	return cmd
}

func (a *app) copyFile(ctx context.Context, srcName, dstName string, bufferSize int) (int64, error) {
	opts := append(a.channelOptions(), aio.WithExecutor(a.group.Executor()), aio.WithChannelLogger(a.logger))

	src, err := aio.OpenFile(srcName, os.O_RDONLY, 0, opts...)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := aio.OpenFile(dstName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644, opts...)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	c := &copier{
		src:  src,
		dst:  dst,
		buf:  make([]byte, bufferSize),
		done: make(chan struct{}),
	}
	c.read(ctx)

	select {
	case <-c.done:
	case <-ctx.Done():
		// the handler chain owns c until it finishes, which closing hastens
		_ = src.Close()
		_ = dst.Close()
		<-c.done
		return c.position, ctx.Err()
	}
	if c.err != nil {
		return c.position, c.err
	}
	return c.position, dst.Force(false)
}

// copier alternates between reading src and writing dst, each operation
// initiated by the handler of the previous one
type copier struct {
	err      error
	src      *aio.FileChannel
	dst      *aio.FileChannel
	done     chan struct{}
	buf      []byte
	position int64
	once     sync.Once
}

func (x *copier) finish(err error) {
	x.once.Do(func() {
		x.err = err
		close(x.done)
	})
}

func (x *copier) read(ctx context.Context) {
	if _, err := x.src.Read(ctx, x.buf, x.position, aio.HandlerFuncs[int]{
		OnCompleted: func(ctx context.Context, n int, _ any) {
			if n == iostatus.EOF {
				x.finish(nil)
				return
			}
			x.write(ctx, x.buf[:n])
		},
		OnFailed: func(_ context.Context, err error, _ any) { x.finish(err) },
	}, nil); err != nil {
		x.finish(err)
	}
}

func (x *copier) write(ctx context.Context, p []byte) {
	if _, err := x.dst.Write(ctx, p, x.position, aio.HandlerFuncs[int]{
		OnCompleted: func(ctx context.Context, n int, _ any) {
			x.position += int64(n)
			if n < len(p) {
				x.write(ctx, p[n:])
				return
			}
			x.read(ctx)
		},
		OnFailed: func(_ context.Context, err error, _ any) { x.finish(err) },
	}, nil); err != nil {
		x.finish(err)
	}
}
