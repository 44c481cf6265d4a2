//go:build !unix

package process

import (
	psprocess "github.com/shirou/gopsutil/v4/process"
)

func gone(pid int) bool {
	ok, err := psprocess.PidExists(int32(pid))
	return err == nil && !ok
}
