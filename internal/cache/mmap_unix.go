//go:build unix

package cache

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapScratch maps a fresh, already unlinked scratch file of size bytes.
func mapScratch(dir string, size int64) ([]byte, func() error, error) {
	f, err := os.CreateTemp(dir, "fscache-mmap-*")
	if err != nil {
		return nil, nil, err
	}
	_ = os.Remove(f.Name())

	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	region, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	release := func() error {
		err := unix.Munmap(region)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return region, release, nil
}
