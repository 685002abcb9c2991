package host

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	gracefulCloseWait = 100 * time.Millisecond
	killTreeTimeout   = 10 * time.Second
)

// Terminator is the set of OS capabilities needed to stop a hosted process.
type Terminator interface {
	// Exited reports whether the process has already exited.
	Exited() bool
	// SendBreak raises Ctrl+C in the process's console group, or Ctrl+Break when hard is set.
	SendBreak(hard bool) error
	// RequestClose asks the process to close gracefully, and reports whether the request was delivered.
	RequestClose() (bool, error)
	// WaitExit waits up to d for the process to exit and reports whether it did.
	WaitExit(d time.Duration) bool
	// KillTree forcibly terminates the process and all of its descendants and waits for it to exit.
	KillTree(ctx context.Context) error
}

// Terminate stops a process that outlived its client, with escalating force:
// a Ctrl+C break, then a graceful close request with a short wait, then a kill
// of the whole process tree. No step is retried, and a failed kill is only logged.
func Terminate(ctx context.Context, log *zap.SugaredLogger, t Terminator) {
	if t.Exited() {
		log.Debug("process already exited, nothing to terminate")
		return
	}

	log.Debug("sending Ctrl+C to process")
	if err := t.SendBreak(false); err != nil {
		log.Debugf("error sending Ctrl+C: %s", err)
	}
	if t.Exited() {
		return
	}

	accepted, err := t.RequestClose()
	if err != nil {
		log.Debugf("error requesting graceful close: %s", err)
	}
	if accepted && t.WaitExit(gracefulCloseWait) {
		log.Debug("process closed gracefully")
		return
	}
	if t.Exited() {
		return
	}

	log.Debug("killing process tree")
	ctx, cancel := context.WithTimeout(ctx, killTreeTimeout)
	defer cancel()
	if err := t.KillTree(ctx); err != nil {
		log.Warnf("error killing process tree: %s", err)
	}
}
