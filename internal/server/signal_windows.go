//go:build windows

package server

import "os"

// Windows has no SIGHUP; reload through the API or the file watcher.
func notifyReload(ch chan<- os.Signal) {}
