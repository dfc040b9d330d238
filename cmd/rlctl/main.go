// Command rlctl inspects and resets per-client rate limit state through the
// gateway admin listener.
//
//	rlctl --addr 127.0.0.1:9000 limits
//	rlctl clients list --limit 20 -o yaml
//	rlctl clients show 198.51.100.7
//	rlctl clients reset 198.51.100.7
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
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "rlctl:", err)
		stop()
		os.Exit(1)
	}
}
