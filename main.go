// jobrelay - starts, monitors and stops jobs on remote hosts reached
// through chains of SSH and launcher hops.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"jobrelay/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "jobrelay: %v\n", err)
		os.Exit(1)
	}
}
