// gwbridge - serial-to-TCP gateway for a radio coprocessor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gwbridge/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gwbridge: %v\n", err)
		os.Exit(1)
	}
}
