//go:build unix

package disk

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"pkt.systems/xacoord/internal/storage"
)

// tryLockFile takes an exclusive advisory lock on the store root without
// blocking. A root owned by another process maps to storage.ErrLocked.
func tryLockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: int16(0)}
	err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
		return storage.ErrLocked
	}
	return err
}

func unlockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(0)}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}

// syncFile flushes file contents before a rename publishes them. Log
// entries and staged files must survive a crash once PutObject returns.
func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	for {
		err := unix.Fsync(int(f.Fd()))
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
