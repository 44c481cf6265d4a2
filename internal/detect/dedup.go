package detect

import "github.com/procsentry/procsentry/pkg/types"

// Dedup remembers which categories already alerted for each live pid. It is
// not safe for concurrent use; the engine touches it from one goroutine.
type Dedup struct {
	seen map[int]map[types.Category]struct{}
}

func NewDedup() *Dedup {
	return &Dedup{seen: make(map[int]map[types.Category]struct{})}
}

// ShouldAlert reports whether (pid, cat) has not alerted yet and records it.
func (d *Dedup) ShouldAlert(pid int, cat types.Category) bool {
	cats, ok := d.seen[pid]
	if !ok {
		cats = make(map[types.Category]struct{}, 1)
		d.seen[pid] = cats
	}
	if _, dup := cats[cat]; dup {
		return false
	}
	cats[cat] = struct{}{}
	return true
}

// Reclaim drops every pid missing from live and returns how many were
// dropped. A reused pid then starts with a clean history.
func (d *Dedup) Reclaim(live map[int]struct{}) int {
	n := 0
	for pid := range d.seen {
		if _, ok := live[pid]; !ok {
			delete(d.seen, pid)
			n++
		}
	}
	return n
}

// Len returns the number of tracked pids.
func (d *Dedup) Len() int { return len(d.seen) }
