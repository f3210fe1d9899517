package aof

import (
	"errors"

	"github.com/facebookgo/stackerr"
)

var ErrClosed = errors.New("AOF is closed")

type transaction struct{ *AOF }

func (t *transaction) Write(p []byte) (n int, err error) {
	n, err = t.writer.Write(p)
	err = stackerr.Wrap(err)
	t.size += int64(n)
	return
}

func (t *transaction) Close() (err error) {
	if t.AOF == nil {
		return
	}
	if t.isSyncEveryTransaction() {
		err = t.sync()
	}
	startRotate := t.config.RotateSize > 0 && t.size > t.config.RotateSize && !t.rotateInProcess
	if startRotate {
		t.rotateInProcess = true
	}
	t.lock.Unlock()
	if startRotate {
		t.startRotate()
	}
	t.AOF = nil
	return
}

type closedTransaction struct{}

func (closedTransaction) Write(p []byte) (int, error) { return 0, stackerr.Wrap(ErrClosed) }
func (closedTransaction) Close() error                { return nil }
