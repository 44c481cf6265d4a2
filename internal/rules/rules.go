package rules

import (
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/procsentry/procsentry/pkg/types"
)

// RuleSet is the validated, read-only view of a rule document. A nil *RuleSet
// behaves like Disabled().
type RuleSet struct {
	enabled map[types.Category]bool

	blacklist            Blacklist
	terminateBlacklisted bool

	pathPrefixes []string

	cpuThreshold    float64
	memoryThreshold float64

	parents map[string]ParentRule

	source string
}

// ParentRule describes how children of one parent process are judged.
type ParentRule struct {
	Suspicious      bool
	AllowedChildren map[string]struct{}
}

// Allows reports whether child is an expected child of this parent.
func (p ParentRule) Allows(child string) bool {
	_, ok := p.AllowedChildren[child]
	return ok
}

// Blacklist matches process names against exact entries and glob patterns.
type Blacklist struct {
	exact    map[string]struct{}
	patterns []blacklistPattern
}

type blacklistPattern struct {
	raw string
	g   glob.Glob
}

// Match returns the blacklist entry that matched name.
func (b Blacklist) Match(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if _, ok := b.exact[name]; ok {
		return name, true
	}
	for _, p := range b.patterns {
		if p.g.Match(name) {
			return p.raw, true
		}
	}
	return "", false
}

// Len returns the number of entries.
func (b Blacklist) Len() int { return len(b.exact) + len(b.patterns) }

// Disabled returns a RuleSet with every check turned off.
func Disabled() *RuleSet {
	return &RuleSet{enabled: map[types.Category]bool{}}
}

// Enabled reports whether checks of category c should run.
func (r *RuleSet) Enabled(c types.Category) bool {
	if r == nil {
		return false
	}
	return r.enabled[c]
}

// EnabledCategories returns enabled categories in evaluation order.
func (r *RuleSet) EnabledCategories() []types.Category {
	var out []types.Category
	for _, c := range types.AllCategories() {
		if r.Enabled(c) {
			out = append(out, c)
		}
	}
	return out
}

// AllDisabled reports whether no category is enabled.
func (r *RuleSet) AllDisabled() bool { return len(r.EnabledCategories()) == 0 }

func (r *RuleSet) Blacklist() Blacklist {
	if r == nil {
		return Blacklist{}
	}
	return r.blacklist
}

// TerminateBlacklisted reports whether blacklist findings request termination.
func (r *RuleSet) TerminateBlacklisted() bool {
	return r != nil && r.terminateBlacklisted
}

// MatchPathPrefix returns the first configured prefix that path starts with.
func (r *RuleSet) MatchPathPrefix(path string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, p := range r.pathPrefixes {
		if strings.HasPrefix(path, p) {
			return p, true
		}
	}
	return "", false
}

// PathPrefixes returns a copy of the suspicious path prefixes in order.
func (r *RuleSet) PathPrefixes() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.pathPrefixes...)
}

func (r *RuleSet) CPUThreshold() float64 {
	if r == nil {
		return 0
	}
	return r.cpuThreshold
}

func (r *RuleSet) MemoryThreshold() float64 {
	if r == nil {
		return 0
	}
	return r.memoryThreshold
}

// Parent returns the rule configured for a parent process name.
func (r *RuleSet) Parent(name string) (ParentRule, bool) {
	if r == nil {
		return ParentRule{}, false
	}
	p, ok := r.parents[name]
	return p, ok
}

// Source is the path or label the rules were loaded from.
func (r *RuleSet) Source() string {
	if r == nil {
		return ""
	}
	return r.source
}

// Summary is a serializable description of a RuleSet.
type Summary struct {
	Source               string              `json:"source"`
	Enabled              []types.Category    `json:"enabled"`
	BlacklistEntries     int                 `json:"blacklist_entries"`
	TerminateBlacklisted bool                `json:"terminate_blacklisted"`
	PathPrefixes         []string            `json:"path_prefixes,omitempty"`
	CPUThreshold         float64             `json:"cpu_threshold_percent,omitempty"`
	MemoryThreshold      float64             `json:"memory_threshold_mb,omitempty"`
	SuspiciousParents    map[string][]string `json:"suspicious_parents,omitempty"`
}

func (r *RuleSet) Summary() Summary {
	s := Summary{
		Source:               r.Source(),
		Enabled:              r.EnabledCategories(),
		BlacklistEntries:     r.Blacklist().Len(),
		TerminateBlacklisted: r.TerminateBlacklisted(),
		PathPrefixes:         r.PathPrefixes(),
		CPUThreshold:         r.CPUThreshold(),
		MemoryThreshold:      r.MemoryThreshold(),
	}
	if s.Enabled == nil {
		s.Enabled = []types.Category{}
	}
	if r == nil {
		return s
	}
	for name, p := range r.parents {
		if !p.Suspicious {
			continue
		}
		if s.SuspiciousParents == nil {
			s.SuspiciousParents = make(map[string][]string)
		}
		children := make([]string, 0, len(p.AllowedChildren))
		for c := range p.AllowedChildren {
			children = append(children, c)
		}
		sort.Strings(children)
		s.SuspiciousParents[name] = children
	}
	return s
}
