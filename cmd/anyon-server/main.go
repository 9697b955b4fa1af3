// Package main is the entry point for the anyon server.
// It wires storage, the event bus, the container service, the approval gate
// and the orchestrator behind one HTTP and WebSocket listener.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "anyon-server: %v\n", err)
		stop()
		os.Exit(1)
	}
}
