package detect

import (
	"fmt"

	"github.com/procsentry/procsentry/pkg/types"
)

// Finding is one rule violation for one process in one tick.
type Finding struct {
	Category types.Category
	PID      int
	Message  string
	// Enforce asks the engine to terminate the process.
	Enforce bool
}

func (f Finding) String() string {
	return fmt.Sprintf("%s pid=%d: %s", f.Category, f.PID, f.Message)
}
