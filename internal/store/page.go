package store

import (
	"sort"

	"github.com/procsentry/procsentry/pkg/types"
)

// MaxQueryLimit caps the alerts returned by one query. A limit of zero means
// MaxQueryLimit.
const MaxQueryLimit = 5000

// EffectiveLimit returns the number of alerts a query with limit n returns at
// most.
func EffectiveLimit(n int) int {
	if n <= 0 || n > MaxQueryLimit {
		return MaxQueryLimit
	}
	return n
}

// Page orders alerts by timestamp (newest first unless q.Asc) and applies
// q.Offset and q.Limit. The slice is sorted in place.
func Page(alerts []types.Alert, q types.AlertQuery) []types.Alert {
	sort.SliceStable(alerts, func(i, j int) bool {
		if q.Asc {
			return alerts[i].Timestamp.Before(alerts[j].Timestamp)
		}
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
	if q.Offset > 0 {
		if q.Offset >= len(alerts) {
			return nil
		}
		alerts = alerts[q.Offset:]
	}
	if limit := EffectiveLimit(q.Limit); len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts
}
