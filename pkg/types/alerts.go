package types

import (
	"strings"
	"time"
)

// Category names one detection rule family.
type Category string

const (
	CategoryBlacklist   Category = "blacklist"
	CategoryPath        Category = "path"
	CategoryCPU         Category = "cpu"
	CategoryMemory      Category = "memory"
	CategoryParentChild Category = "parent_child"
	CategoryNetwork     Category = "network"
)

// AllCategories lists every category in evaluation order.
func AllCategories() []Category {
	return []Category{
		CategoryBlacklist,
		CategoryPath,
		CategoryCPU,
		CategoryMemory,
		CategoryParentChild,
		CategoryNetwork,
	}
}

// ParseCategory returns the category for s and whether it is known.
func ParseCategory(s string) (Category, bool) {
	for _, c := range AllCategories() {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Alert is the record handed to alert sinks once per deduplicated finding.
type Alert struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`
	PID       int       `json:"pid"`
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	CPU       float64   `json:"cpu_percent"`
	MemoryMB  float64   `json:"memory_mb"`
	Parent    string    `json:"parent,omitempty"`
	Message   string    `json:"message"`

	// Enforce is set when the alert also requested termination.
	Enforce bool `json:"enforce,omitempty"`
}

// AlertQuery filters stored alerts. Zero fields do not filter.
type AlertQuery struct {
	Categories []Category
	PID        int
	NameLike   string
	Since      *time.Time
	Until      *time.Time

	Limit  int
	Offset int
	Asc    bool
}

// Matches reports whether a satisfies every filter set on q. Limit, Offset and
// Asc are ignored.
func (q AlertQuery) Matches(a Alert) bool {
	if len(q.Categories) > 0 {
		found := false
		for _, c := range q.Categories {
			if c == a.Category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.PID > 0 && a.PID != q.PID {
		return false
	}
	if q.NameLike != "" && !strings.Contains(strings.ToLower(a.Name), strings.ToLower(q.NameLike)) {
		return false
	}
	if q.Since != nil && a.Timestamp.Before(*q.Since) {
		return false
	}
	if q.Until != nil && a.Timestamp.After(*q.Until) {
		return false
	}
	return true
}
