// Package signals tracks the four operator signals recognized by every
// blocking loop: reload, stop, stop-fast, and quit.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Flags holds the process-wide signal state. Blocking loops check the
// flags after every suspension point.
type Flags struct {
	reload   atomic.Bool
	stop     atomic.Bool
	stopFast atomic.Bool
	quit     atomic.Bool
}

// Install registers the signal handlers and returns a context that is
// canceled on stop, stop-fast, or quit. Reload only flips its flag.
func Install(parent context.Context) (*Flags, context.Context, context.CancelFunc) {
	f := &Flags{}
	ctx, cancel := context.WithCancel(parent)

	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(ch)
				return
			case sig := <-ch:
				switch sig {
				case syscall.SIGHUP:
					f.reload.Store(true)
					continue
				case syscall.SIGTERM:
					f.stop.Store(true)
				case syscall.SIGINT:
					f.stopFast.Store(true)
				case syscall.SIGQUIT:
					f.quit.Store(true)
				}
				cancel()
			}
		}
	}()

	return f, ctx, cancel
}

// ClearReload consumes a pending reload request.
func (f *Flags) ClearReload() bool { return f.reload.Swap(false) }

// Stop reports whether a graceful stop was requested.
func (f *Flags) Stop() bool { return f.stop.Load() }

// StopFast reports whether a fast stop was requested.
func (f *Flags) StopFast() bool { return f.stopFast.Load() }

// Quit reports whether an immediate quit was requested.
func (f *Flags) Quit() bool { return f.quit.Load() }

// Asked reports whether any terminating signal is pending.
func (f *Flags) Asked() bool {
	return f.stop.Load() || f.stopFast.Load() || f.quit.Load()
}

// RequestStop sets the stop flag programmatically, for teardown paths
// that must behave exactly like an operator signal.
func (f *Flags) RequestStop() { f.stop.Store(true) }
