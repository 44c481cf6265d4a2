package report

import (
	"context"
	"sort"
	"time"

	"github.com/procsentry/procsentry/internal/store"
	"github.com/procsentry/procsentry/pkg/types"
)

const (
	// DefaultTopN bounds TopProcesses.
	DefaultTopN = 10
	// maxAlerts is the most alerts a single report reads.
	maxAlerts = store.MaxQueryLimit
)

// categoryCounter is implemented by stores that can count alerts without
// reading them, such as the sqlite store.
type categoryCounter interface {
	CountByCategory(ctx context.Context, q types.AlertQuery) (map[types.Category]int, error)
}

// Generator creates reports from stored alerts.
type Generator struct {
	store store.AlertStore
	topN  int
	now   func() time.Time
}

// NewGenerator creates a new report generator.
func NewGenerator(s store.AlertStore) *Generator {
	return &Generator{store: s, topN: DefaultTopN, now: time.Now}
}

// Generate creates a report from the alerts matching q, oldest first. Paging
// fields on q are ignored.
func (g *Generator) Generate(ctx context.Context, q types.AlertQuery, level Level) (*Report, error) {
	q.Asc = true
	q.Limit = maxAlerts
	q.Offset = 0
	alerts, err := g.store.QueryAlerts(ctx, q)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Timestamp.Before(alerts[j].Timestamp) })

	r := &Report{
		GeneratedAt: g.now().UTC(),
		Level:       level,
		Since:       q.Since,
		Until:       q.Until,
		Total:       len(alerts),
		ByCategory:  make(map[types.Category]int),
	}
	if len(alerts) > 0 {
		r.First = alerts[0].Timestamp
		r.Last = alerts[len(alerts)-1].Timestamp
	}
	for _, a := range alerts {
		r.ByCategory[a.Category]++
		if a.Enforce {
			r.Enforcements++
		}
	}
	if cc, ok := g.store.(categoryCounter); ok {
		counts, err := cc.CountByCategory(ctx, q)
		if err != nil {
			return nil, err
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		r.ByCategory = counts
		r.Total = total
	}
	r.Sampled = len(alerts)
	r.Findings = detectFindings(alerts)
	r.TopProcesses = topProcesses(alerts, g.topN)

	if level == LevelDetailed {
		r.Timeline = alerts
	}
	return r, nil
}

func topProcesses(alerts []types.Alert, n int) []ProcessSummary {
	byName := make(map[string]*ProcessSummary)
	pids := make(map[string]map[int]bool)
	cats := make(map[string]map[types.Category]bool)
	for _, a := range alerts {
		ps, ok := byName[a.Name]
		if !ok {
			ps = &ProcessSummary{Name: a.Name}
			byName[a.Name] = ps
			pids[a.Name] = make(map[int]bool)
			cats[a.Name] = make(map[types.Category]bool)
		}
		ps.Alerts++
		if a.Enforce {
			ps.Enforced++
		}
		if !pids[a.Name][a.PID] {
			pids[a.Name][a.PID] = true
			ps.PIDs = append(ps.PIDs, a.PID)
		}
		if !cats[a.Name][a.Category] {
			cats[a.Name][a.Category] = true
			ps.Categories = append(ps.Categories, a.Category)
		}
	}

	out := make([]ProcessSummary, 0, len(byName))
	for _, ps := range byName {
		sort.Ints(ps.PIDs)
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Alerts != out[j].Alerts {
			return out[i].Alerts > out[j].Alerts
		}
		return out[i].Name < out[j].Name
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
