//go:build unix

package cache

import (
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// dirLock is a best-effort advisory lock shared with other processes using
// the same cache directory.
type dirLock struct {
	f *os.File
}

func openDirLock(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	return &dirLock{f: f}, nil
}

// acquire takes an exclusive flock. Failure is logged and ignored.
func (l *dirLock) acquire(logger *slog.Logger) func() {
	fd := int(l.f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		logger.Warn("failed to lock cache directory", "error", err)
		return func() {}
	}
	return func() { _ = unix.Flock(fd, unix.LOCK_UN) }
}

func (l *dirLock) close() error {
	return l.f.Close()
}
