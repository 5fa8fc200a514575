//go:build unix

package spool

import (
	"os"
	"syscall"
)

// tryFlock takes a non-blocking exclusive advisory lock on f, returning
// ErrSpoolBusy's underlying OS error if another process already holds it.
func tryFlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

// sameDevice reports whether two FileInfos come from the same filesystem.
func sameDevice(a, b os.FileInfo) bool {
	sa, ok := a.Sys().(*syscall.Stat_t)
	sb, ok2 := b.Sys().(*syscall.Stat_t)
	if !ok || !ok2 {
		return true
	}
	return sa.Dev == sb.Dev
}
