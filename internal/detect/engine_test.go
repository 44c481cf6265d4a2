package detect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procsentry/procsentry/internal/metrics"
	"github.com/procsentry/procsentry/internal/process"
	"github.com/procsentry/procsentry/internal/rules"
	"github.com/procsentry/procsentry/pkg/types"
)

func newTestEngine(t *testing.T, rs *rules.RuleSet, src *fakeSource, opts ...Option) (*Engine, *fakeSink, *fakeTerminator) {
	t.Helper()
	sink := &fakeSink{}
	term := &fakeTerminator{}
	base := []Option{
		WithSink(sink),
		WithTerminator(term),
		WithWorkers(4),
		WithAttributeTimeout(time.Second),
	}
	e := New(src, rules.NewStaticStore(rs), append(base, opts...)...)
	return e, sink, term
}

func TestEngine_Scenario(t *testing.T) {
	src := &fakeSource{}
	e, sink, term := newTestEngine(t, mustRules(t, scenarioRules), src)
	ctx := context.Background()

	// Tick 1: blacklisted process alerts once and is terminated.
	src.set(proc{pid: 100, name: "malware.exe", exe: "/opt/malware.exe", cpu: 10, mem: 5})
	st, err := e.Tick(ctx)
	require.NoError(t, err)
	alerts := sink.take()
	require.Len(t, alerts, 1)
	assert.Equal(t, types.CategoryBlacklist, alerts[0].Category)
	assert.Equal(t, 100, alerts[0].PID)
	assert.Equal(t, "Blacklisted process: malware.exe", alerts[0].Message)
	assert.True(t, alerts[0].Enforce)
	assert.NotEmpty(t, alerts[0].ID)
	assert.Equal(t, []int{100}, term.take())
	assert.Equal(t, 1, st.Alerts)
	assert.Equal(t, 1, st.Enforced)

	// Tick 2: still alive and unchanged, alert suppressed.
	st, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, sink.take())
	assert.Equal(t, 1, st.Suppressed)
	assert.Equal(t, []int{100}, term.take(), "a surviving blacklisted process is terminated again")

	// Tick 3: gone, dedup entry reclaimed.
	src.set()
	st, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Reclaimed)
	assert.Zero(t, st.DedupEntries)

	// Tick 4: a new process with the same name alerts afresh.
	src.set(proc{pid: 200, name: "malware.exe", exe: "/opt/malware.exe", cpu: 10, mem: 5})
	_, err = e.Tick(ctx)
	require.NoError(t, err)
	alerts = sink.take()
	require.Len(t, alerts, 1)
	assert.Equal(t, 200, alerts[0].PID)
	assert.Equal(t, []int{200}, term.take())
}

func TestEngine_ReusedPIDAlertsAgain(t *testing.T) {
	src := &fakeSource{}
	e, sink, _ := newTestEngine(t, mustRules(t, scenarioRules), src)
	ctx := context.Background()

	src.set(proc{pid: 300, name: "miner", cpu: 99})
	_, err := e.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, sink.take(), 1)

	src.set()
	_, err = e.Tick(ctx)
	require.NoError(t, err)

	src.set(proc{pid: 300, name: "other", cpu: 99})
	_, err = e.Tick(ctx)
	require.NoError(t, err)
	alerts := sink.take()
	require.Len(t, alerts, 1)
	assert.Equal(t, "other", alerts[0].Name)
}

func TestEngine_AlertCarriesSnapshotFields(t *testing.T) {
	src := &fakeSource{}
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	e, sink, term := newTestEngine(t, mustRules(t, scenarioRules), src, withClock(func() time.Time { return now }))
	e.newID = func() string { return "alert-1" }

	src.set(proc{pid: 42, name: "cmd.exe", exe: `C:\Users\Public\cmd.exe`, cpu: 1, mem: 2, parent: "explorer.exe"})
	_, err := e.Tick(context.Background())
	require.NoError(t, err)

	alerts := sink.take()
	require.Len(t, alerts, 2)
	assert.Equal(t, types.Alert{
		ID:        "alert-1",
		Timestamp: now,
		Category:  types.CategoryPath,
		PID:       42,
		Name:      "cmd.exe",
		Path:      `C:\Users\Public\cmd.exe`,
		CPU:       1,
		MemoryMB:  2,
		Parent:    "explorer.exe",
		Message:   `Suspicious path: C:\Users\Public\cmd.exe`,
	}, alerts[0])
	assert.Equal(t, types.CategoryParentChild, alerts[1].Category)
	assert.Empty(t, term.take(), "only blacklist findings enforce")
}

func TestEngine_PerProcessFailuresAreIsolated(t *testing.T) {
	src := &fakeSource{}
	e, sink, _ := newTestEngine(t, mustRules(t, scenarioRules), src)

	src.set(
		proc{pid: 1, name: "locked", errs: map[string]error{"name": os.ErrPermission}},
		proc{pid: 2, name: "exited", errs: map[string]error{"cpu": process.ErrNotFound}},
		proc{pid: 3, name: "kworker", cpu: 90, errs: map[string]error{"exe": os.ErrPermission, "parent": os.ErrPermission, "net": os.ErrPermission}},
		proc{pid: 4, name: "malware.exe"},
	)
	st, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, st.Processes)
	assert.Equal(t, 2, st.Skipped)

	alerts := sink.take()
	require.Len(t, alerts, 2)
	assert.Equal(t, 3, alerts[0].PID)
	assert.Equal(t, types.CategoryCPU, alerts[0].Category)
	assert.Equal(t, process.Unavailable, alerts[0].Path)
	assert.Equal(t, 4, alerts[1].PID)
}

func TestEngine_CollectionError(t *testing.T) {
	src := &fakeSource{}
	m := metrics.New()
	e, _, _ := newTestEngine(t, mustRules(t, scenarioRules), src, WithMetrics(m))

	src.fail(errors.New("procfs unavailable"))
	_, err := e.Tick(context.Background())
	var ce *CollectionError
	require.ErrorAs(t, err, &ce)
	_, ok := e.LastTick()
	assert.False(t, ok)
}

func TestEngine_EnforcementFailureIsNotFatal(t *testing.T) {
	src := &fakeSource{}
	e, sink, term := newTestEngine(t, mustRules(t, scenarioRules), src)
	term.err = errors.New("access denied")

	src.set(proc{pid: 7, name: "malware.exe"}, proc{pid: 8, name: "malware.exe"})
	st, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.EnforceFailed)
	assert.Len(t, sink.take(), 2)
	assert.ElementsMatch(t, []int{7, 8}, term.take())
}

func TestEngine_DryRunDoesNotTerminate(t *testing.T) {
	src := &fakeSource{}
	e, _, term := newTestEngine(t, mustRules(t, scenarioRules), src, WithDryRun(true))

	src.set(proc{pid: 7, name: "malware.exe"})
	st, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, term.take())
	assert.Equal(t, 1, st.Enforced)
}

func TestEngine_SinkFailureDoesNotStopTick(t *testing.T) {
	src := &fakeSource{}
	e, sink, _ := newTestEngine(t, mustRules(t, scenarioRules), src)
	sink.err = errors.New("disk full")

	src.set(proc{pid: 1, name: "a", cpu: 99}, proc{pid: 2, name: "b", cpu: 99})
	st, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Alerts)
	assert.Len(t, sink.take(), 2)
}

func TestEngine_MalformedRulesNeverFind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"enable_blacklist_check": tru`), 0o644))

	src := &fakeSource{}
	sink := &fakeSink{}
	term := &fakeTerminator{}
	e := New(src, rules.NewStore(path, nil), WithSink(sink), WithTerminator(term))

	src.set(
		proc{pid: 100, name: "malware.exe", exe: "/tmp/malware.exe", cpu: 100, mem: 9000, parent: "explorer.exe", net: true},
	)
	for i := 0; i < 3; i++ {
		st, err := e.Tick(context.Background())
		require.NoError(t, err)
		assert.Zero(t, st.Findings)
	}
	assert.Empty(t, sink.take())
	assert.Empty(t, term.take())
}

func TestEngine_NetworkReadOnlyWhenEnabled(t *testing.T) {
	src := &fakeSource{}
	e, _, _ := newTestEngine(t, mustRules(t, `{"enable_cpu_check": true, "cpu_threshold": 50}`), src)

	// A network read failure that reports the process gone would skip it,
	// so a clean tick proves the read never happened.
	src.set(proc{pid: 5, name: "x", cpu: 60, errs: map[string]error{"net": process.ErrNotFound}})
	st, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Skipped)
	assert.Equal(t, 1, st.Alerts)
}

func TestEngine_RunBacksOffAndStops(t *testing.T) {
	src := &fakeSource{}
	src.fail(errors.New("unavailable"))
	e, _, _ := newTestEngine(t, mustRules(t, scenarioRules), src,
		WithInterval(time.Millisecond),
		WithBackoff(5*time.Millisecond, 10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return src.Calls() >= 3 }, 2*time.Second, time.Millisecond)

	src.set(proc{pid: 1, name: "idle"})
	require.Eventually(t, func() bool {
		_, ok := e.LastTick()
		return ok
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

type slowTerminator struct{ inflight, max atomic.Int32 }

func (s *slowTerminator) Terminate(ctx context.Context, pid int) error {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		m := s.max.Load()
		if n <= m || s.max.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
	}
	return nil
}

func TestEngine_EnforcementCompletesWithinTick(t *testing.T) {
	src := &fakeSource{}
	term := &slowTerminator{}
	e := New(src, rules.NewStaticStore(mustRules(t, scenarioRules)), WithTerminator(term))

	src.set(proc{pid: 1, name: "malware.exe"}, proc{pid: 2, name: "malware.exe"}, proc{pid: 3, name: "malware.exe"})
	st, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.Enforced)
	assert.Zero(t, term.inflight.Load(), "no termination outlives its tick")
	assert.GreaterOrEqual(t, term.max.Load(), int32(2), "terminations run concurrently")
}
