package cli

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var exitHandlers struct {
	sync.Mutex
	funcs []func()
}

func init() {
	go handleSignals()
}

// handleSignals waits for a terminating signal, runs the exit handlers and exits.
// A second signal exits immediately without waiting for them.
func handleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	log.Info("Received signal %s, shutting down", sig)
	done := make(chan struct{})
	go func() {
		runExitHandlers()
		close(done)
	}()
	select {
	case <-done:
	case sig = <-ch:
		log.Warning("Received second signal %s, aborting", sig)
	}
	if s, ok := sig.(syscall.Signal); ok {
		os.Exit(128 + int(s))
	}
	os.Exit(1)
}

// AtExit registers a function to run if the process is killed by a signal.
// Handlers run in the reverse order to which they were registered.
// Normal returns from main don't run them; use defer for that.
func AtExit(f func()) {
	exitHandlers.Lock()
	defer exitHandlers.Unlock()
	exitHandlers.funcs = append(exitHandlers.funcs, f)
}

// runExitHandlers runs each registered handler once.
func runExitHandlers() {
	exitHandlers.Lock()
	funcs := exitHandlers.funcs
	exitHandlers.funcs = nil
	exitHandlers.Unlock()
	for i := len(funcs) - 1; i >= 0; i-- {
		funcs[i]()
	}
}
