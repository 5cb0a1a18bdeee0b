package scheduler

import (
	"os"
	"os/signal"
	"syscall"
)

// WatchSignals arms SIGINT/SIGTERM handling for s: either signal sets the
// shared stop flag exactly once and stops watching, the same shape as the
// teacher's emergency controller's watchSignals — the scheduler loop
// discovers the request by checking the stop flag on each iteration, and
// the archive-writing goroutine simply drains the results channel until
// the scheduler closes it; neither is interrupted mid-syscall.
func (s *Scheduler) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		signal.Stop(sigCh)
		s.log.Info("scheduler: received shutdown signal, draining")
		s.Stop()
	}()
}
