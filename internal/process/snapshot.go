package process

import (
	"context"
	"time"
)

// Unavailable replaces an executable path that could not be read.
const Unavailable = "unavailable"

// Handle is one live process as returned by a Source. Each accessor may fail
// independently of the others.
type Handle interface {
	PID() int
	Name(ctx context.Context) (string, error)
	Exe(ctx context.Context) (string, error)
	CPUPercent(ctx context.Context) (float64, error)
	MemoryMB(ctx context.Context) (float64, error)
	// ParentName returns ErrNotFound when the process has no observable parent.
	ParentName(ctx context.Context) (string, error)
	HasConnections(ctx context.Context) (bool, error)
}

// Source lists the processes alive right now.
type Source interface {
	List(ctx context.Context) ([]Handle, error)
}

// Snapshot is a point-in-time, read-only view of one process.
type Snapshot struct {
	PID         int
	Name        string
	Exe         string
	CPUPercent  float64
	MemoryMB    float64
	Parent      string
	ParentKnown bool
	HasNetwork  bool

	// Degraded lists optional attributes that fell back to a default.
	Degraded map[string]Status
}

// ExeKnown reports whether the executable path was readable.
func (s Snapshot) ExeKnown() bool {
	return s.Exe != "" && s.Exe != Unavailable
}

// CaptureOptions bounds and scopes a Capture call.
type CaptureOptions struct {
	// Timeout bounds each attribute read. Zero means unbounded.
	Timeout time.Duration
	// Network enables the socket enumeration read.
	Network bool
}

// Capture reads h into a Snapshot. Name, CPU and memory are required; a
// failure reading any of them, or any attribute reporting the process is gone,
// returns an *AccessError and the process should be skipped for this tick.
func Capture(ctx context.Context, h Handle, opts CaptureOptions) (Snapshot, error) {
	s := Snapshot{PID: h.PID()}

	name := bounded(ctx, opts.Timeout, h.Name)
	if !name.OK() {
		return Snapshot{}, accessError(s.PID, "name", name.Status, name.Err)
	}
	s.Name = name.Value

	cpu := bounded(ctx, opts.Timeout, h.CPUPercent)
	if !cpu.OK() {
		return Snapshot{}, accessError(s.PID, "cpu", cpu.Status, cpu.Err)
	}
	s.CPUPercent = cpu.Value

	mem := bounded(ctx, opts.Timeout, h.MemoryMB)
	if !mem.OK() {
		return Snapshot{}, accessError(s.PID, "memory", mem.Status, mem.Err)
	}
	s.MemoryMB = mem.Value

	// Kernel threads have no executable, so a missing exe does not mean the
	// process is gone.
	exe := bounded(ctx, opts.Timeout, h.Exe)
	if exe.OK() && exe.Value != "" {
		s.Exe = exe.Value
	} else {
		s.Exe = Unavailable
		s.degrade("exe", exe.Status)
	}

	parent := bounded(ctx, opts.Timeout, h.ParentName)
	switch {
	case parent.OK() && parent.Value != "":
		s.Parent = parent.Value
		s.ParentKnown = true
	case parent.Status != StatusNotFound:
		s.degrade("parent", parent.Status)
	}

	if opts.Network {
		conns := bounded(ctx, opts.Timeout, h.HasConnections)
		switch {
		case conns.OK():
			s.HasNetwork = conns.Value
		case conns.Status == StatusNotFound:
			return Snapshot{}, accessError(s.PID, "connections", conns.Status, conns.Err)
		default:
			s.degrade("connections", conns.Status)
		}
	}

	return s, nil
}

func (s *Snapshot) degrade(attr string, st Status) {
	if st == StatusOK {
		st = StatusNotFound
	}
	if s.Degraded == nil {
		s.Degraded = make(map[string]Status)
	}
	s.Degraded[attr] = st
}

func accessError(pid int, attr string, st Status, err error) error {
	return &AccessError{PID: pid, Attr: attr, Status: st, Err: err}
}
