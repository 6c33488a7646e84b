package file

import (
	"strings"

	"github.com/objectfs/fscache/pkg/errors"
)

// Mode is the access mode of a handle.
type Mode int

const (
	ModeRead Mode = iota + 1
	ModeWrite
	// ModeReadWrite is only accepted by bidirectional backends.
	ModeReadWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "rb"
	case ModeWrite:
		return "wb"
	case ModeReadWrite:
		return "r+b"
	default:
		return "invalid"
	}
}

// ParseMode accepts the usual fopen spellings: r, rb, w, wb, r+, rb+, r+b.
// The truncating w+ spellings are rejected.
func ParseMode(s string) (Mode, error) {
	switch strings.TrimSpace(s) {
	case "r", "rb", "":
		return ModeRead, nil
	case "w", "wb":
		return ModeWrite, nil
	case "r+", "rb+", "r+b":
		return ModeReadWrite, nil
	case "w+", "wb+", "w+b":
		return 0, errors.Newf(errors.ErrCodeInvalidMode, "mode %q truncates; open with wb to replace the object", s).
			WithComponent("file")
	}
	return 0, errors.Newf(errors.ErrCodeInvalidMode, "unsupported mode %q", s).WithComponent("file")
}
