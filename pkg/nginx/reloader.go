package nginx

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/mitchellh/go-ps"
)

// Reloader makes nginx pick up a changed config
type Reloader interface {
	Reload() error
}

// ErrNoProcess is returned when there is no nginx process to reload
var ErrNoProcess = errors.New("no nginx process found")

type lowestMatchingProcessIDReloader struct {
	executable string
	processes  func() ([]ps.Process, error)
	signal     func(pid int) error
}

// Reload sends SIGHUP to the nginx master process, which is the nginx process with the
// lowest pid
func (r *lowestMatchingProcessIDReloader) Reload() error {
	p, processListErr := r.processes()
	if processListErr != nil {
		return fmt.Errorf("could not list processes: %w", processListErr)
	}
	masterPid := -1
	for _, process := range p {
		if process.Executable() == r.executable && (masterPid == -1 || process.Pid() < masterPid) {
			masterPid = process.Pid()
		}
	}
	if masterPid == -1 {
		return ErrNoProcess
	}
	if killErr := r.signal(masterPid); killErr != nil {
		return fmt.Errorf("could not reload nginx: %w", killErr)
	}
	return nil
}

type retryingReloader struct {
	child Reloader
	tries uint
	delay time.Duration
}

func (r *retryingReloader) Reload() error {
	return retry.Do(
		r.child.Reload,
		retry.Attempts(r.tries),
		retry.Delay(r.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

// NewRetryingReloader retries failed reloads with exponential backoff
func NewRetryingReloader(child Reloader, tries uint, delay time.Duration) Reloader {
	return &retryingReloader{
		child: child,
		tries: tries,
		delay: delay,
	}
}

// NewPidBasedReloader reloads the nginx process with the lowest pid
func NewPidBasedReloader() Reloader {
	return &lowestMatchingProcessIDReloader{
		executable: "nginx",
		processes:  ps.Processes,
		signal: func(pid int) error {
			return syscall.Kill(pid, syscall.SIGHUP)
		},
	}
}

// NewDefaultReloader creates the reloader used by asmux
func NewDefaultReloader() Reloader {
	return NewRetryingReloader(NewPidBasedReloader(), 10, 100*time.Millisecond)
}
