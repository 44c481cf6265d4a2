//go:build unix

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// gone reports whether pid no longer exists. Zombies count as alive until
// their parent reaps them.
func gone(pid int) bool {
	err := unix.Kill(pid, 0)
	return errors.Is(err, unix.ESRCH)
}
