package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tweag/update-launcher/cmd/root"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root.Run(ctx, os.Args)
}
