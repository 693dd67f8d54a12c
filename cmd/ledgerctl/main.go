// Package main inspects the ledger databases from the command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/evidence.space/internal/tools/ledgerctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ledgerctl.Execute(ctx, os.Args[1:], ledgerctl.Options{}); err != nil {
		stop()
		os.Exit(1)
	}
}
