package report

import (
	"time"

	"github.com/procsentry/procsentry/pkg/types"
)

// Level specifies the detail level of a report.
type Level string

const (
	LevelSummary  Level = "summary"
	LevelDetailed Level = "detailed"
)

// Severity indicates the importance of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical" // Blacklisted processes
	SeverityWarning  Severity = "warning"  // Suspicious paths, parent-child anomalies
	SeverityInfo     Severity = "info"     // Resource and network observations
)

// Finding is a notable pattern across the alerts in the report window.
type Finding struct {
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Count       int      `json:"count"`
	Alerts      []string `json:"alerts"` // Related alert IDs
}

// ProcessSummary aggregates alerts raised for one process name.
type ProcessSummary struct {
	Name       string           `json:"name"`
	Alerts     int              `json:"alerts"`
	PIDs       []int            `json:"pids"`
	Categories []types.Category `json:"categories"`
	Enforced   int              `json:"enforced"`
}

// Report summarizes the alerts stored for a time window.
type Report struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Level       Level      `json:"level"`
	Since       *time.Time `json:"since,omitempty"`
	Until       *time.Time `json:"until,omitempty"`

	// First and Last bound the alerts actually found.
	First time.Time `json:"first,omitempty"`
	Last  time.Time `json:"last,omitempty"`

	Total        int                    `json:"total"`
	ByCategory   map[types.Category]int `json:"by_category"`
	Enforcements int                    `json:"enforcements"`
	// Sampled is the number of alerts read for findings, top processes and
	// the timeline. It is below Total when the window holds more than one
	// query returns.
	Sampled int `json:"sampled"`

	Findings     []Finding        `json:"findings"`
	TopProcesses []ProcessSummary `json:"top_processes"`

	// Timeline is only populated for LevelDetailed.
	Timeline []types.Alert `json:"timeline,omitempty"`
}
