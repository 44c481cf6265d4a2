package detect

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procsentry/procsentry/internal/process"
	"github.com/procsentry/procsentry/internal/rules"
	"github.com/procsentry/procsentry/pkg/types"
)

const scenarioRules = `{
  "enable_blacklist_check": true,
  "blacklist": ["malware.exe"],
  "enable_path_check": true,
  "suspicious_paths": ["C:\\Users\\Public\\", "/tmp/"],
  "enable_cpu_check": true,
  "cpu_threshold": 80,
  "enable_memory_check": true,
  "memory_threshold": 500,
  "enable_parent_child_check": true,
  "parent_child_rules": {
    "suspicious_parents": ["explorer.exe"],
    "allowed_children": {"explorer.exe": ["notepad.exe"]}
  },
  "enable_network_check": true
}`

func mustRules(t *testing.T, doc string) *rules.RuleSet {
	t.Helper()
	rs, err := rules.Load(strings.NewReader(doc))
	require.NoError(t, err)
	return rs
}

// proc is a fake process. Fields left zero read as zero values; errs maps an
// attribute name to the error its accessor returns.
type proc struct {
	pid    int
	name   string
	exe    string
	cpu    float64
	mem    float64
	parent string
	net    bool
	errs   map[string]error
}

func (p proc) PID() int { return p.pid }

func (p proc) Name(context.Context) (string, error) { return p.name, p.errs["name"] }

func (p proc) Exe(context.Context) (string, error) { return p.exe, p.errs["exe"] }

func (p proc) CPUPercent(context.Context) (float64, error) { return p.cpu, p.errs["cpu"] }

func (p proc) MemoryMB(context.Context) (float64, error) { return p.mem, p.errs["memory"] }

func (p proc) ParentName(context.Context) (string, error) {
	if err := p.errs["parent"]; err != nil {
		return "", err
	}
	if p.parent == "" {
		return "", process.ErrNotFound
	}
	return p.parent, nil
}

func (p proc) HasConnections(context.Context) (bool, error) { return p.net, p.errs["net"] }

// fakeSource returns the processes set for the current tick.
type fakeSource struct {
	mu    sync.Mutex
	procs []proc
	err   error
	calls int
}

func (s *fakeSource) set(ps ...proc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = ps
	s.err = nil
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSource) List(context.Context) ([]process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]process.Handle, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeSink struct {
	mu     sync.Mutex
	alerts []types.Alert
	err    error
}

func (s *fakeSink) AppendAlert(_ context.Context, a types.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

func (s *fakeSink) take() []types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.alerts
	s.alerts = nil
	return out
}

type fakeTerminator struct {
	mu   sync.Mutex
	pids []int
	err  error
}

func (f *fakeTerminator) Terminate(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids = append(f.pids, pid)
	return f.err
}

func (f *fakeTerminator) take() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pids
	f.pids = nil
	return out
}
