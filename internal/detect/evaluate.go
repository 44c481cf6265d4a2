package detect

import (
	"fmt"

	"github.com/procsentry/procsentry/internal/process"
	"github.com/procsentry/procsentry/internal/rules"
	"github.com/procsentry/procsentry/pkg/types"
)

// Evaluator checks one snapshot against the rules of one detection family.
// Implementations are pure and safe for concurrent use. Evaluate returns nil
// when the family is disabled in rs.
type Evaluator interface {
	Name() string
	Evaluate(s process.Snapshot, rs *rules.RuleSet) []Finding
}

// DefaultEvaluators returns every built-in evaluator in category order.
func DefaultEvaluators() []Evaluator {
	return []Evaluator{
		BlacklistEvaluator{},
		PathEvaluator{},
		ResourceEvaluator{},
		ParentChildEvaluator{},
		NetworkEvaluator{},
	}
}

// EvaluateAll runs evs in order and concatenates their findings.
func EvaluateAll(evs []Evaluator, s process.Snapshot, rs *rules.RuleSet) []Finding {
	var out []Finding
	for _, ev := range evs {
		out = append(out, ev.Evaluate(s, rs)...)
	}
	return out
}

type BlacklistEvaluator struct{}

func (BlacklistEvaluator) Name() string { return string(types.CategoryBlacklist) }

func (BlacklistEvaluator) Evaluate(s process.Snapshot, rs *rules.RuleSet) []Finding {
	if !rs.Enabled(types.CategoryBlacklist) {
		return nil
	}
	if _, ok := rs.Blacklist().Match(s.Name); !ok {
		return nil
	}
	return []Finding{{
		Category: types.CategoryBlacklist,
		PID:      s.PID,
		Message:  "Blacklisted process: " + s.Name,
		Enforce:  rs.TerminateBlacklisted(),
	}}
}

// PathEvaluator reports at most one finding: the first matching prefix wins.
type PathEvaluator struct{}

func (PathEvaluator) Name() string { return string(types.CategoryPath) }

func (PathEvaluator) Evaluate(s process.Snapshot, rs *rules.RuleSet) []Finding {
	if !rs.Enabled(types.CategoryPath) || !s.ExeKnown() {
		return nil
	}
	if _, ok := rs.MatchPathPrefix(s.Exe); !ok {
		return nil
	}
	return []Finding{{
		Category: types.CategoryPath,
		PID:      s.PID,
		Message:  "Suspicious path: " + s.Exe,
	}}
}

// ResourceEvaluator checks CPU and memory independently; both may fire.
type ResourceEvaluator struct{}

func (ResourceEvaluator) Name() string { return "resource" }

func (ResourceEvaluator) Evaluate(s process.Snapshot, rs *rules.RuleSet) []Finding {
	var out []Finding
	if rs.Enabled(types.CategoryCPU) && s.CPUPercent > rs.CPUThreshold() {
		out = append(out, Finding{
			Category: types.CategoryCPU,
			PID:      s.PID,
			Message:  fmt.Sprintf("High CPU usage: %.2f%%", s.CPUPercent),
		})
	}
	if rs.Enabled(types.CategoryMemory) && s.MemoryMB > rs.MemoryThreshold() {
		out = append(out, Finding{
			Category: types.CategoryMemory,
			PID:      s.PID,
			Message:  fmt.Sprintf("High Memory usage: %.2fMB", s.MemoryMB),
		})
	}
	return out
}

// ParentChildEvaluator flags children of suspicious parents that are not on
// the parent's allow list. An unknown parent never fires.
type ParentChildEvaluator struct{}

func (ParentChildEvaluator) Name() string { return string(types.CategoryParentChild) }

func (ParentChildEvaluator) Evaluate(s process.Snapshot, rs *rules.RuleSet) []Finding {
	if !rs.Enabled(types.CategoryParentChild) || !s.ParentKnown {
		return nil
	}
	p, ok := rs.Parent(s.Parent)
	if !ok || !p.Suspicious || p.Allows(s.Name) {
		return nil
	}
	return []Finding{{
		Category: types.CategoryParentChild,
		PID:      s.PID,
		Message:  fmt.Sprintf("Parent-child anomaly: %s -> %s", s.Parent, s.Name),
	}}
}

type NetworkEvaluator struct{}

func (NetworkEvaluator) Name() string { return string(types.CategoryNetwork) }

func (NetworkEvaluator) Evaluate(s process.Snapshot, rs *rules.RuleSet) []Finding {
	if !rs.Enabled(types.CategoryNetwork) || !s.HasNetwork {
		return nil
	}
	return []Finding{{
		Category: types.CategoryNetwork,
		PID:      s.PID,
		Message:  "Process has active network connections",
	}}
}
