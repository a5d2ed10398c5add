// Command aioctl exercises the asynchronous channels of go-aio: copying and
// locking files, and talking to (or serving) a TCP echo service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "aioctl:", err)
		os.Exit(1)
	}
}
