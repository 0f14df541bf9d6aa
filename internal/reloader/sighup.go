package reloader

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// OnSIGHUP calls fn for every SIGHUP until ctx ends.
func OnSIGHUP(ctx context.Context, fn func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go Loop(ctx, ch, fn)
}

// Loop runs fn once per value received on ch and stops signal delivery when
// ctx ends.
func Loop(ctx context.Context, ch chan os.Signal, fn func()) {
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			fn()
		}
	}
}
