package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prbarcelon/crmbridge/internal/client"
)

var version = "dev"

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		// The tool's own error text was already printed with the result.
		if !errors.Is(err, client.ErrToolFailed) {
			fmt.Fprintf(os.Stderr, "crmbridge: %v\n", err)
		}
		return 1
	}
	return 0
}
