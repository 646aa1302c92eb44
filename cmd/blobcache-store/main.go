// Command blobcache-store runs the durable-store collaborator for blobcache:
// it persists uploaded blobs to a directory (or Redis) and answers lookups
// from cache instances connecting over TCP, a unix socket or Redis pub/sub.
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

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
