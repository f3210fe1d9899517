package aof

import (
	"bufio"
	"io"
	"os"

	"github.com/facebookgo/stackerr"
)

// Rotator compacts AOF prefix: it reads records from r and writes shorter
// equivalent sequence into w. Records appended after prefix are replayed
// over result, so every record must be idempotent on top of compacted state.
type Rotator interface {
	Rotate(r ROFile, w io.Writer) error
}

type RotatorFunc func(r ROFile, w io.Writer) error

func (f RotatorFunc) Rotate(r ROFile, w io.Writer) error { return f(r, w) }

// ROFile is read only view of AOF prefix.
type ROFile = io.Reader

// RotateFile passes first size bytes of named file through rot into w.
// Both sides are buffered.
func RotateFile(rot Rotator, name string, size int64, w io.Writer) error {
	src, err := os.Open(name)
	if err != nil {
		return stackerr.Wrap(err)
	}
	defer src.Close()
	out := bufio.NewWriter(w)
	if err := rot.Rotate(bufio.NewReader(io.LimitReader(src, size)), out); err != nil {
		return stackerr.Wrap(err)
	}
	return stackerr.Wrap(out.Flush())
}
