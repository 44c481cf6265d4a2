package process

import (
	"context"
	"time"
)

// fakeHandle returns canned values; a non-nil error field wins over the value.
type fakeHandle struct {
	pid int

	name    string
	nameErr error
	exe     string
	exeErr  error
	cpu     float64
	cpuErr  error
	mem     float64
	memErr  error
	parent  string
	parErr  error
	conns   bool
	connErr error

	delay     time.Duration
	connCalls int
}

func (f *fakeHandle) PID() int { return f.pid }

func (f *fakeHandle) Name(ctx context.Context) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.name, f.nameErr
}

func (f *fakeHandle) Exe(context.Context) (string, error) { return f.exe, f.exeErr }
func (f *fakeHandle) CPUPercent(context.Context) (float64, error) { return f.cpu, f.cpuErr }
func (f *fakeHandle) MemoryMB(context.Context) (float64, error) { return f.mem, f.memErr }
func (f *fakeHandle) ParentName(context.Context) (string, error) { return f.parent, f.parErr }

func (f *fakeHandle) HasConnections(context.Context) (bool, error) {
	f.connCalls++
	return f.conns, f.connErr
}
