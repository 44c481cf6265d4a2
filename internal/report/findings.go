package report

import (
	"fmt"
	"sort"

	"github.com/procsentry/procsentry/pkg/types"
)

// recurringThreshold is how many distinct pids of one name make it recurring.
const recurringThreshold = 3

// detectFindings analyzes alerts and returns notable findings.
func detectFindings(alerts []types.Alert) []Finding {
	var findings []Finding

	byCategory := make(map[types.Category][]string)
	var enforced []string
	namePIDs := make(map[string]map[int]bool)
	nameAlerts := make(map[string][]string)

	for _, a := range alerts {
		byCategory[a.Category] = append(byCategory[a.Category], a.ID)
		if a.Enforce {
			enforced = append(enforced, a.ID)
		}
		if namePIDs[a.Name] == nil {
			namePIDs[a.Name] = make(map[int]bool)
		}
		namePIDs[a.Name][a.PID] = true
		nameAlerts[a.Name] = append(nameAlerts[a.Name], a.ID)
	}

	if ids := byCategory[types.CategoryBlacklist]; len(ids) > 0 {
		findings = append(findings, Finding{
			Severity:    SeverityCritical,
			Category:    string(types.CategoryBlacklist),
			Title:       "Blacklisted processes",
			Description: "Processes matching the blacklist were observed",
			Count:       len(ids),
			Alerts:      ids,
		})
	}
	if len(enforced) > 0 {
		findings = append(findings, Finding{
			Severity:    SeverityCritical,
			Category:    "enforcement",
			Title:       "Terminations requested",
			Description: "Alerts that requested process termination",
			Count:       len(enforced),
			Alerts:      enforced,
		})
	}
	if ids := byCategory[types.CategoryPath]; len(ids) > 0 {
		findings = append(findings, Finding{
			Severity:    SeverityWarning,
			Category:    string(types.CategoryPath),
			Title:       "Suspicious executable paths",
			Description: "Processes running from monitored path prefixes",
			Count:       len(ids),
			Alerts:      ids,
		})
	}
	if ids := byCategory[types.CategoryParentChild]; len(ids) > 0 {
		findings = append(findings, Finding{
			Severity:    SeverityWarning,
			Category:    string(types.CategoryParentChild),
			Title:       "Parent-child anomalies",
			Description: "Children spawned by suspicious parents outside their allow list",
			Count:       len(ids),
			Alerts:      ids,
		})
	}

	for name, pids := range namePIDs {
		if len(pids) < recurringThreshold {
			continue
		}
		findings = append(findings, Finding{
			Severity:    SeverityWarning,
			Category:    "recurring",
			Title:       fmt.Sprintf("Recurring process %s", name),
			Description: fmt.Sprintf("Alerted under %d different pids", len(pids)),
			Count:       len(nameAlerts[name]),
			Alerts:      nameAlerts[name],
		})
	}

	resource := append(append([]string{}, byCategory[types.CategoryCPU]...), byCategory[types.CategoryMemory]...)
	if len(resource) > 0 {
		findings = append(findings, Finding{
			Severity:    SeverityInfo,
			Category:    "resource",
			Title:       "Resource thresholds exceeded",
			Description: "CPU or memory usage above the configured thresholds",
			Count:       len(resource),
			Alerts:      resource,
		})
	}
	if ids := byCategory[types.CategoryNetwork]; len(ids) > 0 {
		findings = append(findings, Finding{
			Severity:    SeverityInfo,
			Category:    string(types.CategoryNetwork),
			Title:       "Network activity",
			Description: "Processes holding network connections",
			Count:       len(ids),
			Alerts:      ids,
		})
	}

	sortFindings(findings)
	return findings
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

func sortFindings(f []Finding) {
	sort.SliceStable(f, func(i, j int) bool {
		ri, rj := severityRank(f[i].Severity), severityRank(f[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return f[i].Title < f[j].Title
	})
}
