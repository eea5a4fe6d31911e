package ipc

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForShutdown blocks until the process receives SIGINT or SIGTERM,
// the signal astart's stop path (spec.md §9) sends to each component.
func WaitForShutdown() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}
