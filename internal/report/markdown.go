package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/procsentry/procsentry/pkg/types"
)

const timeLayout = "2006-01-02 15:04:05 UTC"

// FormatMarkdown renders a report as markdown.
func FormatMarkdown(r *Report) string {
	var sb strings.Builder

	sb.WriteString("# Process Alert Report")
	if r.Level == LevelDetailed {
		sb.WriteString(" (Detailed)")
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("**Generated:** %s\n\n", r.GeneratedAt.UTC().Format(timeLayout)))

	sb.WriteString("## Overview\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Window | %s |\n", formatWindow(r)))
	sb.WriteString(fmt.Sprintf("| Alerts | %s |\n", formatNumber(r.Total)))
	if r.Sampled < r.Total {
		sb.WriteString(fmt.Sprintf("| Alerts analyzed | %s (oldest first) |\n", formatNumber(r.Sampled)))
	}
	sb.WriteString(fmt.Sprintf("| Terminations requested | %s |\n", formatNumber(r.Enforcements)))
	if r.Total > 0 {
		sb.WriteString(fmt.Sprintf("| First alert | %s |\n", r.First.UTC().Format(timeLayout)))
		sb.WriteString(fmt.Sprintf("| Last alert | %s |\n", r.Last.UTC().Format(timeLayout)))
	}
	sb.WriteString("\n")

	if r.Total == 0 {
		sb.WriteString("No alerts in this window.\n")
		return sb.String()
	}

	sb.WriteString("## Alerts by Category\n")
	sb.WriteString("| Category | Count |\n")
	sb.WriteString("|----------|-------|\n")
	for _, c := range types.AllCategories() {
		if n := r.ByCategory[c]; n > 0 {
			sb.WriteString(fmt.Sprintf("| %s | %s |\n", c, formatNumber(n)))
		}
	}
	sb.WriteString("\n")

	if len(r.Findings) > 0 {
		sb.WriteString("## Findings\n")
		for _, f := range r.Findings {
			sb.WriteString(fmt.Sprintf("%s **%s** (%d) - %s\n", severityIcon(f.Severity), f.Title, f.Count, f.Description))
		}
		sb.WriteString("\n")
	}

	if len(r.TopProcesses) > 0 {
		sb.WriteString("## Top Processes\n")
		sb.WriteString("| Name | Alerts | PIDs | Categories | Terminations |\n")
		sb.WriteString("|------|--------|------|------------|--------------|\n")
		for _, p := range r.TopProcesses {
			sb.WriteString(fmt.Sprintf("| %s | %d | %s | %s | %d |\n",
				escapeCell(p.Name), p.Alerts, formatPIDs(p.PIDs, 5), formatCategories(p.Categories), p.Enforced))
		}
		sb.WriteString("\n")
	}

	if r.Level == LevelDetailed && len(r.Timeline) > 0 {
		sb.WriteString("## Alert Timeline\n")
		sb.WriteString("| Time | Category | PID | Name | Message |\n")
		sb.WriteString("|------|----------|-----|------|---------|\n")
		for _, a := range r.Timeline {
			sb.WriteString(fmt.Sprintf("| %s | %s | %d | %s | %s |\n",
				a.Timestamp.UTC().Format("15:04:05"), a.Category, a.PID, escapeCell(a.Name), escapeCell(truncate(a.Message, 60))))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func formatWindow(r *Report) string {
	switch {
	case r.Since != nil && r.Until != nil:
		return fmt.Sprintf("%s to %s", r.Since.UTC().Format(timeLayout), r.Until.UTC().Format(timeLayout))
	case r.Since != nil:
		return "since " + r.Since.UTC().Format(timeLayout)
	case r.Until != nil:
		return "until " + r.Until.UTC().Format(timeLayout)
	default:
		return "all stored alerts"
	}
}

func severityIcon(s Severity) string {
	switch s {
	case SeverityCritical:
		return "[CRITICAL]"
	case SeverityWarning:
		return "[WARNING]"
	case SeverityInfo:
		return "[INFO]"
	default:
		return ""
	}
}

func formatPIDs(pids []int, max int) string {
	parts := make([]string, 0, len(pids))
	for i, p := range pids {
		if i == max {
			parts = append(parts, fmt.Sprintf("+%d", len(pids)-max))
			break
		}
		parts = append(parts, fmt.Sprintf("%d", p))
	}
	return strings.Join(parts, ", ")
}

func formatCategories(cats []types.Category) string {
	s := make([]string, len(cats))
	for i, c := range cats {
		s[i] = string(c)
	}
	sort.Strings(s)
	return strings.Join(s, ", ")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// formatNumber formats a number with comma separators, e.g. 12450 -> "12,450".
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if n < 1000 {
		return s
	}
	result := make([]byte, 0, len(s)+len(s)/3)
	for i := len(s) - 1; i >= 0; i-- {
		if (len(s)-1-i) > 0 && (len(s)-1-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, s[i])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}
