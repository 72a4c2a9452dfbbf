// Command fableloom is the interactive fiction engine CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fableloom/fableloom/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.RootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
