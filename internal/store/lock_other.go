//go:build !unix

package store

import "os"

// Advisory locking is unavailable; the atomic-rename writer still keeps
// reads untorn.
func readWithSharedLock(path string) ([]byte, error) {
	return os.ReadFile(path)
}
