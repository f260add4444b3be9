// Command payqueue is the operator CLI for the payment queue. It is meant for
// cron-style scheduling where no long-running server drives the processor:
//
//	payqueue process --until-empty
//	payqueue sweep
//	payqueue status 141add05-4415-4938-b5a1-17e0d3171aff
//
// Configuration comes from the same environment variables as the server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
