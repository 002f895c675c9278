// osfleet backs up, restores, tears down, and evacuates OpenStack tenants
// and hypervisors.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"osfleet/internal/cli"
)

func main() {
	// Interrupts cancel the run; pipelines still run their cleanup sweeps.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], cli.Options{})
	stop()
	os.Exit(code)
}
