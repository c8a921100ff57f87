package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/octapulse/fishlens/internal/cli"
	apperrors "github.com/octapulse/fishlens/internal/errors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if apperrors.IsType(err, apperrors.ErrorTypeUnauthorized) || apperrors.IsType(err, apperrors.ErrorTypeInvalidCredentials) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
