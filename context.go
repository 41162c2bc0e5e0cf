package ble

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WithSigHandler returns a context that is also cancelled on SIGINT or
// SIGTERM.
func WithSigHandler(ctx context.Context, cancel context.CancelFunc) context.Context {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
