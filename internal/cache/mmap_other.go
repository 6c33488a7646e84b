//go:build !unix

package cache

import "errors"

func mapScratch(dir string, size int64) ([]byte, func() error, error) {
	return nil, nil, errors.New("mmap not supported on this platform")
}
