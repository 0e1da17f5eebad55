package lockfile

import "fmt"

// RunDir is the well-known directory every lock/state file in this
// package lives under. It's a var, not a const, only so
// tests can point it at a temp directory.
var RunDir = "/run/qubes"

// AppViewerLock is the inter-viewer lock's path: shared across every
// daemon on the host and the display server's preload shim.
func AppViewerLock() string {
	return RunDir + "/appviewer.lock"
}

// ShmID is the per-display SharedArgs file path.
func ShmID(display int) string {
	return fmt.Sprintf("%s/shm.id.%d", RunDir, display)
}

// Booting is the short-lived startup lock held during attach/version
// handshake.
func Booting(domID uint32) string {
	return fmt.Sprintf("%s/guid-booting.%d", RunDir, domID)
}

// Running is the long-lived lock held for the daemon's whole lifetime,
// containing its PID.
func Running(domID uint32) string {
	return fmt.Sprintf("%s/guid-running.%d", RunDir, domID)
}
