package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procsentry/procsentry/pkg/types"
)

const fullDoc = `{
  "enable_blacklist_check": true,
  "blacklist": ["malware.exe", "xmrig*"],
  "enable_path_check": true,
  "suspicious_paths": ["C:\\Users\\Public\\", "/tmp/", ""],
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

func TestLoad_FullDocument(t *testing.T) {
	rs, err := Load(strings.NewReader(fullDoc))
	require.NoError(t, err)

	assert.Equal(t, types.AllCategories(), rs.EnabledCategories())
	assert.True(t, rs.TerminateBlacklisted(), "termination defaults to on")
	assert.Equal(t, 80.0, rs.CPUThreshold())
	assert.Equal(t, 500.0, rs.MemoryThreshold())
	assert.Equal(t, []string{`C:\Users\Public\`, "/tmp/"}, rs.PathPrefixes(), "blank prefixes are dropped")

	entry, ok := rs.Blacklist().Match("malware.exe")
	assert.True(t, ok)
	assert.Equal(t, "malware.exe", entry)

	entry, ok = rs.Blacklist().Match("xmrig-cuda")
	assert.True(t, ok)
	assert.Equal(t, "xmrig*", entry)

	_, ok = rs.Blacklist().Match("notepad.exe")
	assert.False(t, ok)

	p, ok := rs.Parent("explorer.exe")
	require.True(t, ok)
	assert.True(t, p.Suspicious)
	assert.True(t, p.Allows("notepad.exe"))
	assert.False(t, p.Allows("cmd.exe"))
}

func TestLoad_JSONEscapes(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want []string
	}{
		{name: "escaped slash", doc: `{"enable_path_check": true, "suspicious_paths": ["C:\/Users\/Public"]}`, want: []string{"C:/Users/Public"}},
		{name: "unicode escape", doc: `{"enable_path_check": true, "suspicious_paths": ["\u002ftmp\u002f"]}`, want: []string{"/tmp/"}},
		{name: "tab indented", doc: "{\n\t\"enable_path_check\": true,\n\t\"suspicious_paths\": [\"/dev/shm/\"]\n}", want: []string{"/dev/shm/"}},
		{name: "leading whitespace", doc: "\n  {\"enable_path_check\": true, \"suspicious_paths\": [\"C:\\\\Temp\\\\\"]}", want: []string{`C:\Temp\`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := Load(strings.NewReader(tt.doc))
			require.NoError(t, err)
			assert.True(t, rs.Enabled(types.CategoryPath))
			assert.Equal(t, tt.want, rs.PathPrefixes())
		})
	}
}

func TestLoad_YAMLAndEnabledList(t *testing.T) {
	doc := `
enabled: [network, cpu]
cpu_threshold: 90.5
terminate_blacklisted: false
parent_child_rules:
  parents:
    winword.exe:
      suspicious: true
      allowed_children: [splwow64.exe]
`
	rs, err := Load(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, []types.Category{types.CategoryCPU, types.CategoryNetwork}, rs.EnabledCategories())
	assert.Equal(t, 90.5, rs.CPUThreshold())
	assert.False(t, rs.TerminateBlacklisted())

	p, ok := rs.Parent("winword.exe")
	require.True(t, ok)
	assert.True(t, p.Suspicious)
	assert.True(t, p.Allows("splwow64.exe"))
}

func TestLoad_MissingDataDisablesCategory(t *testing.T) {
	doc := `{
	  "enable_blacklist_check": true,
	  "enable_path_check": true,
	  "enable_cpu_check": true,
	  "enable_memory_check": true, "memory_threshold": 0,
	  "enable_parent_child_check": true,
	  "parent_child_rules": {"allowed_children": {"explorer.exe": ["notepad.exe"]}}
	}`
	rs, err := Load(strings.NewReader(doc))
	require.NoError(t, err)

	assert.False(t, rs.Enabled(types.CategoryBlacklist), "empty blacklist")
	assert.False(t, rs.Enabled(types.CategoryPath), "no prefixes")
	assert.False(t, rs.Enabled(types.CategoryCPU), "threshold unset")
	assert.True(t, rs.Enabled(types.CategoryMemory), "zero is a valid threshold")
	assert.False(t, rs.Enabled(types.CategoryParentChild), "no suspicious parents")
	assert.False(t, rs.Enabled(types.CategoryNetwork), "flag off")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "syntax", doc: `{"enable_cpu_check": true,`},
		{name: "wrong type", doc: `{"blacklist": "malware.exe"}`},
		{name: "negative cpu", doc: `{"enable_cpu_check": true, "cpu_threshold": -1}`},
		{name: "negative memory", doc: `{"memory_threshold": -10}`},
		{name: "unknown category", doc: `{"enabled": ["kernel"]}`},
		{name: "bad glob", doc: `{"blacklist": ["[abc"]}`},
		{name: "not a mapping", doc: `[1, 2, 3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.True(t, IsConfigError(err), "want ConfigError, got %T", err)
		})
	}
}

func TestLoad_EmptyDocumentIsDisabled(t *testing.T) {
	rs, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.True(t, rs.AllDisabled())
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.True(t, os.IsNotExist(ce.Err))
}

func TestLoadOrDisabled(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		rs := LoadOrDisabled(filepath.Join(dir, "missing.json"), nil)
		require.NotNil(t, rs)
		assert.True(t, rs.AllDisabled())
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		rs := LoadOrDisabled(path, nil)
		assert.True(t, rs.AllDisabled())
		assert.Equal(t, path, rs.Source())
	})

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "rules.json")
		require.NoError(t, os.WriteFile(path, []byte(fullDoc), 0o644))
		rs := LoadOrDisabled(path, nil)
		assert.False(t, rs.AllDisabled())
		assert.Equal(t, path, rs.Source())
	})
}

func TestNilRuleSetIsDisabled(t *testing.T) {
	var rs *RuleSet
	for _, c := range types.AllCategories() {
		assert.False(t, rs.Enabled(c))
	}
	_, ok := rs.MatchPathPrefix("/tmp/x")
	assert.False(t, ok)
	_, ok = rs.Blacklist().Match("malware.exe")
	assert.False(t, ok)
	assert.False(t, rs.TerminateBlacklisted())
	assert.Empty(t, rs.Summary().Enabled)
}

func TestMatchPathPrefix_FirstWins(t *testing.T) {
	rs, err := Load(strings.NewReader(`{"enable_path_check": true, "suspicious_paths": ["/tmp/", "/tmp/x/"]}`))
	require.NoError(t, err)

	prefix, ok := rs.MatchPathPrefix("/tmp/x/evil")
	require.True(t, ok)
	assert.Equal(t, "/tmp/", prefix)
}

func TestSummary(t *testing.T) {
	rs, err := Load(strings.NewReader(fullDoc))
	require.NoError(t, err)

	s := rs.Summary()
	assert.Equal(t, 2, s.BlacklistEntries)
	assert.Equal(t, map[string][]string{"explorer.exe": {"notepad.exe"}}, s.SuspiciousParents)
	assert.Len(t, s.Enabled, 6)
}
