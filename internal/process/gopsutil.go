package process

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	psprocess "github.com/shirou/gopsutil/v4/process"
)

const bytesPerMB = 1024 * 1024

// PsSource lists live processes through gopsutil. It keeps one CPU time sample
// per process between listings so CPUPercent reports usage since the previous
// tick rather than over the process lifetime.
type PsSource struct {
	self int
	now  func() time.Time

	mu      sync.Mutex
	samples map[sampleKey]cpuSample
}

// A pid can be reused; the create time tells incarnations apart.
type sampleKey struct {
	pid     int32
	created int64
}

type cpuSample struct {
	total float64
	at    time.Time
}

// NewPsSource returns a Source backed by the host process table. The calling
// process is never listed.
func NewPsSource() *PsSource {
	return &PsSource{
		self:    os.Getpid(),
		now:     time.Now,
		samples: make(map[sampleKey]cpuSample),
	}
}

// List implements Source.
func (s *PsSource) List(ctx context.Context) ([]Handle, error) {
	procs, err := psprocess.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	table := NewTable(lookupName)
	live := make(map[int32]struct{}, len(procs))
	out := make([]Handle, 0, len(procs))
	for _, p := range procs {
		live[p.Pid] = struct{}{}
		if int(p.Pid) == s.self {
			continue
		}
		out = append(out, &psHandle{p: p, src: s, table: table})
	}
	s.prune(live)
	return out, nil
}

func (s *PsSource) prune(live map[int32]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.samples {
		if _, ok := live[k.pid]; !ok {
			delete(s.samples, k)
		}
	}
}

// swapSample stores cur for key and returns the sample it replaced.
func (s *PsSource) swapSample(key sampleKey, cur cpuSample) (cpuSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.samples[key]
	s.samples[key] = cur
	return prev, ok
}

// SampleCount returns the number of processes with a retained CPU sample.
func (s *PsSource) SampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func lookupName(ctx context.Context, pid int) (string, error) {
	p, err := psprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

type psHandle struct {
	p     *psprocess.Process
	src   *PsSource
	table *Table
}

func (h *psHandle) PID() int { return int(h.p.Pid) }

func (h *psHandle) Name(ctx context.Context) (string, error) {
	name, err := h.p.NameWithContext(ctx)
	if err != nil {
		return "", err
	}
	h.table.Remember(int(h.p.Pid), name)
	return name, nil
}

func (h *psHandle) Exe(ctx context.Context) (string, error) {
	return h.p.ExeWithContext(ctx)
}

func (h *psHandle) CPUPercent(ctx context.Context) (float64, error) {
	created, err := h.p.CreateTimeWithContext(ctx)
	if err != nil {
		return 0, err
	}
	times, err := h.p.TimesWithContext(ctx)
	if err != nil {
		return 0, err
	}

	cur := cpuSample{total: times.User + times.System, at: h.src.now()}
	prev, ok := h.src.swapSample(sampleKey{pid: h.p.Pid, created: created}, cur)
	if !ok {
		return h.p.CPUPercentWithContext(ctx)
	}

	wall := cur.at.Sub(prev.at).Seconds()
	if wall <= 0 {
		return 0, nil
	}
	pct := (cur.total - prev.total) / wall * 100
	if pct < 0 {
		pct = 0
	}
	return pct, nil
}

func (h *psHandle) MemoryMB(ctx context.Context) (float64, error) {
	mem, err := h.p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return float64(mem.RSS) / bytesPerMB, nil
}

func (h *psHandle) ParentName(ctx context.Context) (string, error) {
	ppid, err := h.p.PpidWithContext(ctx)
	if err != nil {
		return "", err
	}
	if ppid <= 0 {
		return "", ErrNotFound
	}
	return h.table.Name(ctx, int(ppid))
}

func (h *psHandle) HasConnections(ctx context.Context) (bool, error) {
	conns, err := psnet.ConnectionsPidWithContext(ctx, "inet", h.p.Pid)
	if err != nil {
		return false, err
	}
	return len(conns) > 0, nil
}
