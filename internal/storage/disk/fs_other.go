//go:build !unix

package disk

import "os"

// Single-owner roots are not enforced off Unix.
func tryLockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}
