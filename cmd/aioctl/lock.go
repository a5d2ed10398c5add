package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeycumines/go-aio"
	"github.com/joeycumines/go-aio/filelock"
	"github.com/spf13/cobra"
)

func newLockCommand(a *app) *cobra.Command {
	var (
		position int64
		size     int64
		shared   bool
		try      bool
		hold     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "lock FILE",
		Short: "Acquire a range lock on a file, and hold it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			flag := os.O_RDWR
			if shared {
				flag = os.O_RDONLY
			}
			ch, err := aio.OpenFile(args[0], flag, 0, append(a.channelOptions(), aio.WithExecutor(a.group.Executor()), aio.WithChannelLogger(a.logger))...)
			if err != nil {
				return err
			}
			defer ch.Close()

			var l *filelock.Lock
			if try {
				l, err = ch.TryLock(position, size, shared)
				if err == nil && l == nil {
					return errors.New("lock unavailable")
				}
			} else {
				var f *aio.Future[*filelock.Lock]
				if f, err = ch.Lock(ctx, position, size, shared, nil, nil); err == nil {
					l, err = f.Await(ctx)
					if err != nil {
						f.Cancel(false)
					}
				}
			}
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(a.stdout, "locked", l)

			if hold > 0 {
				timer := time.NewTimer(hold)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-ctx.Done():
				}
			}

			if err := l.Release(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(a.stdout, "released", l)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&position, "position", 0, "start of the range")
	flags.Int64Var(&size, "size", filelock.ToEOF, "length of the range")
	flags.BoolVar(&shared, "shared", false, "acquire a shared lock")
	flags.BoolVar(&try, "try", false, "fail instead of waiting for the lock")
	flags.DurationVar(&hold, "hold", 0, "how long to hold the lock")
	return cmd
}
