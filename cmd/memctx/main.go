// Command memctx captures and recalls working memory from the shell.
//
// Usage:
//
//	memctx start release-42 --scope team --scope-id platform
//	echo "pinned base image to 1.22" | memctx append -
//	memctx recall --limit 20
//	memctx stop
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
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
