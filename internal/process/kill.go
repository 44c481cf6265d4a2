package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	psprocess "github.com/shirou/gopsutil/v4/process"
)

// ErrProtected is returned for pids the agent refuses to terminate.
var ErrProtected = errors.New("refusing to terminate protected process")

// Killer terminates processes. It asks politely first and escalates to a
// forced kill when the process is still alive after Grace.
type Killer struct {
	Grace time.Duration
	Poll  time.Duration

	self int
}

// NewKiller returns a Killer that never touches pid 1 or the calling process.
func NewKiller(grace time.Duration) *Killer {
	return &Killer{Grace: grace, Poll: 50 * time.Millisecond, self: os.Getpid()}
}

// Terminate stops pid. A process that is already gone is not an error.
func (k *Killer) Terminate(ctx context.Context, pid int) error {
	if pid <= 1 || pid == k.self {
		return fmt.Errorf("%w: pid %d", ErrProtected, pid)
	}

	p, err := psprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if Classify(err) == StatusNotFound {
			return nil
		}
		return err
	}

	if err := p.TerminateWithContext(ctx); err != nil {
		if gone(pid) {
			return nil
		}
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}

	if k.waitGone(ctx, pid) {
		return nil
	}

	if err := p.KillWithContext(ctx); err != nil && !gone(pid) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

func (k *Killer) waitGone(ctx context.Context, pid int) bool {
	if k.Grace <= 0 {
		return gone(pid)
	}
	poll := k.Poll
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	deadline := time.NewTimer(k.Grace)
	defer deadline.Stop()
	tick := time.NewTicker(poll)
	defer tick.Stop()

	for {
		if gone(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return gone(pid)
		case <-deadline.C:
			return gone(pid)
		case <-tick.C:
		}
	}
}
