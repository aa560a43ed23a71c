//go:build unix

package store

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// readWithSharedLock opens the file, takes a shared flock and reads it.
// The rename-based writer never truncates in place, so a locked read sees
// either the old or the new content, never a torn one.
func readWithSharedLock(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return io.ReadAll(f)
}
