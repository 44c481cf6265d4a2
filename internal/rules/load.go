package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/procsentry/procsentry/pkg/types"
)

// ConfigError reports a rule document that is missing or malformed.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("rules: %v", e.Err)
	}
	return fmt.Sprintf("rules %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// document is the on-disk rule format, either a JSON object or YAML.
type document struct {
	Enabled []string `json:"enabled" yaml:"enabled"`

	EnableBlacklistCheck bool     `json:"enable_blacklist_check" yaml:"enable_blacklist_check"`
	Blacklist            []string `json:"blacklist" yaml:"blacklist"`
	TerminateBlacklisted *bool    `json:"terminate_blacklisted" yaml:"terminate_blacklisted"`

	EnablePathCheck bool     `json:"enable_path_check" yaml:"enable_path_check"`
	SuspiciousPaths []string `json:"suspicious_paths" yaml:"suspicious_paths"`

	EnableCPUCheck bool     `json:"enable_cpu_check" yaml:"enable_cpu_check"`
	CPUThreshold   *float64 `json:"cpu_threshold" yaml:"cpu_threshold"`

	EnableMemoryCheck bool     `json:"enable_memory_check" yaml:"enable_memory_check"`
	MemoryThreshold   *float64 `json:"memory_threshold" yaml:"memory_threshold"`

	EnableParentChildCheck bool           `json:"enable_parent_child_check" yaml:"enable_parent_child_check"`
	ParentChildRules       parentChildDoc `json:"parent_child_rules" yaml:"parent_child_rules"`

	EnableNetworkCheck bool `json:"enable_network_check" yaml:"enable_network_check"`
}

type parentChildDoc struct {
	SuspiciousParents []string             `json:"suspicious_parents" yaml:"suspicious_parents"`
	AllowedChildren   map[string][]string  `json:"allowed_children" yaml:"allowed_children"`
	Parents           map[string]parentDoc `json:"parents" yaml:"parents"`
}

type parentDoc struct {
	Suspicious      bool     `json:"suspicious" yaml:"suspicious"`
	AllowedChildren []string `json:"allowed_children" yaml:"allowed_children"`
}

// Load parses and validates a rule document read from r.
func Load(r io.Reader) (*RuleSet, error) {
	return load(r, "")
}

// LoadFile reads the rule document at path. Every failure is a *ConfigError.
func LoadFile(path string) (*RuleSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: err}
	}
	return load(bytes.NewReader(b), path)
}

// LoadOrDisabled loads the rules at path and falls back to Disabled() when the
// document is absent or malformed. It never fails.
func LoadOrDisabled(path string, logger *slog.Logger) *RuleSet {
	rs, err := LoadFile(path)
	if err == nil {
		return rs
	}
	if logger != nil {
		logger.Error("rules unavailable, all checks disabled", "path", path, "error", err)
	}
	d := Disabled()
	d.source = path
	return d
}

func load(r io.Reader, source string) (*RuleSet, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, &ConfigError{Source: source, Err: fmt.Errorf("read: %w", err)}
	}

	doc, err := decode(b)
	if err != nil {
		return nil, &ConfigError{Source: source, Err: fmt.Errorf("parse: %w", err)}
	}

	rs, err := compile(doc)
	if err != nil {
		return nil, &ConfigError{Source: source, Err: err}
	}
	rs.source = source
	return rs, nil
}

// decode reads a JSON object with encoding/json, since JSON escapes such as
// \/ are not valid YAML, and anything else as YAML.
func decode(b []byte) (document, error) {
	var doc document
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		err := json.Unmarshal(b, &doc)
		return doc, err
	}
	err := yaml.Unmarshal(b, &doc)
	return doc, err
}

func compile(doc document) (*RuleSet, error) {
	flags := map[types.Category]bool{
		types.CategoryBlacklist:   doc.EnableBlacklistCheck,
		types.CategoryPath:        doc.EnablePathCheck,
		types.CategoryCPU:         doc.EnableCPUCheck,
		types.CategoryMemory:      doc.EnableMemoryCheck,
		types.CategoryParentChild: doc.EnableParentChildCheck,
		types.CategoryNetwork:     doc.EnableNetworkCheck,
	}
	for _, name := range doc.Enabled {
		c, ok := types.ParseCategory(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown category %q in enabled", name)
		}
		flags[c] = true
	}

	rs := &RuleSet{
		enabled:              make(map[types.Category]bool),
		terminateBlacklisted: true,
		parents:              make(map[string]ParentRule),
	}
	if doc.TerminateBlacklisted != nil {
		rs.terminateBlacklisted = *doc.TerminateBlacklisted
	}

	bl, err := compileBlacklist(doc.Blacklist)
	if err != nil {
		return nil, err
	}
	rs.blacklist = bl
	rs.enabled[types.CategoryBlacklist] = flags[types.CategoryBlacklist] && bl.Len() > 0

	for _, p := range doc.SuspiciousPaths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		rs.pathPrefixes = append(rs.pathPrefixes, p)
	}
	rs.enabled[types.CategoryPath] = flags[types.CategoryPath] && len(rs.pathPrefixes) > 0

	if doc.CPUThreshold != nil {
		if *doc.CPUThreshold < 0 {
			return nil, fmt.Errorf("cpu_threshold must be >= 0, got %v", *doc.CPUThreshold)
		}
		rs.cpuThreshold = *doc.CPUThreshold
	}
	rs.enabled[types.CategoryCPU] = flags[types.CategoryCPU] && doc.CPUThreshold != nil

	if doc.MemoryThreshold != nil {
		if *doc.MemoryThreshold < 0 {
			return nil, fmt.Errorf("memory_threshold must be >= 0, got %v", *doc.MemoryThreshold)
		}
		rs.memoryThreshold = *doc.MemoryThreshold
	}
	rs.enabled[types.CategoryMemory] = flags[types.CategoryMemory] && doc.MemoryThreshold != nil

	compileParents(doc.ParentChildRules, rs.parents)
	suspicious := 0
	for _, p := range rs.parents {
		if p.Suspicious {
			suspicious++
		}
	}
	rs.enabled[types.CategoryParentChild] = flags[types.CategoryParentChild] && suspicious > 0

	rs.enabled[types.CategoryNetwork] = flags[types.CategoryNetwork]

	return rs, nil
}

func compileBlacklist(entries []string) (Blacklist, error) {
	bl := Blacklist{exact: make(map[string]struct{})}
	for _, e := range entries {
		if e == "" {
			continue
		}
		if !strings.ContainsAny(e, "*?[{") {
			bl.exact[e] = struct{}{}
			continue
		}
		g, err := glob.Compile(e)
		if err != nil {
			return Blacklist{}, fmt.Errorf("blacklist pattern %q: %w", e, err)
		}
		bl.patterns = append(bl.patterns, blacklistPattern{raw: e, g: g})
	}
	return bl, nil
}

func compileParents(doc parentChildDoc, out map[string]ParentRule) {
	get := func(name string) ParentRule {
		p, ok := out[name]
		if !ok {
			p = ParentRule{AllowedChildren: make(map[string]struct{})}
		}
		return p
	}

	for _, name := range doc.SuspiciousParents {
		if name == "" {
			continue
		}
		p := get(name)
		p.Suspicious = true
		out[name] = p
	}
	for name, children := range doc.AllowedChildren {
		p := get(name)
		for _, c := range children {
			p.AllowedChildren[c] = struct{}{}
		}
		out[name] = p
	}
	for name, pd := range doc.Parents {
		if name == "" {
			continue
		}
		p := get(name)
		p.Suspicious = p.Suspicious || pd.Suspicious
		for _, c := range pd.AllowedChildren {
			p.AllowedChildren[c] = struct{}{}
		}
		out[name] = p
	}
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
