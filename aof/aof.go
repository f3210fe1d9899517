package aof

import (
	"bufio"
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"sync"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/evictor/log"
)

const MinSyncPeriod = 100 * time.Millisecond
const MinRotateCompress = 0.7
const Perm = 0664

type Config struct {
	Name       string        `json:"name,omitempty"`
	SyncPeriod time.Duration `json:"sync-period,omitempty"`
	RotateSize int64         `json:"rotate-size,omitempty"` // AOF size, after which Rotator will be called. 0 disables rotation.
	BuffSize   int           `json:"buff-size,omitempty"`   // 0 if no buffering.
}

// file is written by AOF. *os.File in production, mock in tests.
type file interface {
	io.WriteCloser
	Sync() error
}

// flusher flushes buffered writer, if buffering is on.
type flusher interface {
	Flush() error
}

type nopFlusher struct{}

func (nopFlusher) Flush() error { return nil }

// AOF represents Append Only File.
type AOF struct {
	config  Config
	rotator Rotator
	log     log.Logger

	// lock protects fields bellow.
	lock sync.Mutex
	// rotated is signaled, when rotation finishes.
	rotated *sync.Cond
	// writer is current proxy io.Writer to write AOF.
	// It can be file, *bufio.Writer or another proxy.
	writer io.Writer
	// If buffering is on, flusher.Flush() flushes buffer into file.
	flusher flusher
	file    file
	// Current AOF size.
	size            int64
	rotateInProcess bool
	stopSync        chan struct{}
}

// Open opens or creates AOF for append. Rotator can be nil, if rotation is disabled.
func Open(l log.Logger, r Rotator, conf Config) (aof *AOF, err error) {
	if r == nil && conf.RotateSize > 0 {
		panic("nil rotator")
	}
	aof = &AOF{
		log:     log.OrNop(l),
		rotator: r,
		config:  conf,
	}
	aof.rotated = sync.NewCond(&aof.lock)
	err = aof.init()
	if err != nil {
		return
	}
	if !aof.isSyncEveryTransaction() {
		aof.startSync()
	}
	return
}

func (f *AOF) init() (err error) {
	var file *os.File
	file, err = os.OpenFile(f.config.Name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, Perm|os.ModeAppend)
	if err != nil {
		return stackerr.Wrap(err)
	}
	stat, err := file.Stat()
	if err != nil {
		return stackerr.Wrap(err)
	}
	f.size = stat.Size()
	f.file = file

	if f.config.BuffSize == 0 {
		f.writer = file
		f.flusher = nopFlusher{}
		return
	}
	bufWriter := bufio.NewWriterSize(f.file, f.config.BuffSize)
	f.writer = bufWriter
	f.flusher = bufWriter
	f.log.Debug("AOF opened.")
	return
}

func (f *AOF) isSyncEveryTransaction() bool {
	return f.config.SyncPeriod < MinSyncPeriod
}

func (f *AOF) sync() (err error) {
	err = f.flusher.Flush()
	if err != nil {
		return stackerr.Wrap(err)
	}
	err = f.file.Sync()
	return stackerr.Wrap(err)
}

func (f *AOF) isClosed() bool {
	return f.file == nil
}

// Size returns current file size, including buffered data.
func (f *AOF) Size() int64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.size
}

// Close waits for rotation in process, syncs and closes file.
func (f *AOF) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	for f.rotateInProcess {
		f.rotated.Wait()
	}
	if f.isClosed() {
		return nil
	}
	if f.stopSync != nil {
		close(f.stopSync)
		f.stopSync = nil
	}
	return f.close()
}

func (f *AOF) close() error {
	err := f.sync()
	if err != nil {
		f.log.Errorf("AOF sync on close failed: %v", err)
	}
	err = f.file.Close()
	f.file = nil // Mark as closed.
	return stackerr.Wrap(err)
}

// NewTransaction create new AOF transaction.
// Returned transaction hold AOF lock until close,
// so callee should write data and close it, as soon as possible.
func (f *AOF) NewTransaction() io.WriteCloser {
	f.lock.Lock()
	if f.isClosed() {
		f.lock.Unlock()
		return closedTransaction{}
	}
	return &transaction{AOF: f}
}

// Append writes p as one framed record in its own transaction.
func (f *AOF) Append(p []byte) error {
	t := f.NewTransaction()
	err := WriteRecord(t, p)
	closeErr := t.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// rotate start background rotation of file snapshot into new file.
// While rotation in process, all appended data is buffering in memory.
// When rotation complete, all buffered data is appended to new file and
// old file is atomically replace with new.
// rotate should be called without acquired lock.
func (f *AOF) startRotate() {
	go func() {
		err := f.rotate()
		if err != nil {
			// Old file is still valid and complete: new data was written
			// into it all the time. Just give up this rotation.
			f.log.Errorf("AOF rotation failed: %v", err)
			f.lock.Lock()
			f.writer = f.unwrapWriter()
			f.rotateInProcess = false
			f.rotated.Broadcast()
			f.lock.Unlock()
			return
		}
		afterFinishTestHook()
	}()
}

func (f *AOF) rotate() (err error) {
	f.log.Info("AOF rotation started.")
	newFile, err := newRotationFile(f.config.Name)
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			newFile.Close()
			os.Remove(newFile.Name())
		}
	}()

	// Buffer for extra data appended after rotation start.
	extra := &bytes.Buffer{}

	// Take file snapshot.
	f.lock.Lock()
	if !f.rotateInProcess {
		f.log.Panic("AOF rotation in process, but flag is not set.")
	}
	// We should to flush data for reader.
	err = f.flusher.Flush()
	if err != nil {
		f.lock.Unlock()
		return stackerr.Wrap(err)
	}
	oldWriter := f.writer
	f.writer = io.MultiWriter(oldWriter, extra)
	size := f.size
	f.lock.Unlock()

	afterFileSnapshotTestHook()

	f.log.Debug("AOF snapshot rotation started.")
	err = RotateFile(f.rotator, f.config.Name, size, newFile)
	if err != nil {
		return
	}
	newFileStat, err := newFile.Stat()
	if err != nil {
		return stackerr.Wrap(err)
	}
	if newFileStat.Size() > size*(MinRotateCompress*100)/100 {
		f.log.Warnf("AOF rotation compressed %v bytes only to %v.", size, newFileStat.Size())
	}
	f.log.Debug("AOF snapshot rotation finished.")

	// Meanwhile extra can grow large. Writing it in background decreases lock time.
	newExtra := &bytes.Buffer{}
	f.lock.Lock()
	f.writer = io.MultiWriter(oldWriter, newExtra)
	f.lock.Unlock()

	_, err = extra.WriteTo(newFile)
	if err != nil {
		return stackerr.Wrap(err)
	}
	err = newFile.Sync() // Do without lock as much work, as we can.
	if err != nil {
		return stackerr.Wrap(err)
	}

	afterExtraWriteTestHook()

	// Write newExtra, replace old with new.
	f.lock.Lock()
	defer f.lock.Unlock()
	_, err = newExtra.WriteTo(newFile)
	if err == nil {
		err = newFile.Close()
	}
	if err != nil {
		return stackerr.Wrap(err)
	}
	if closeErr := f.close(); closeErr != nil {
		f.log.Errorf("AOF close before replace failed: %v", closeErr)
	}
	renameErr := os.Rename(newFile.Name(), f.config.Name) // Atomic. No data corruption on fail.
	// Reopen anyway: old file is still in place on rename failure.
	if initErr := f.init(); initErr != nil {
		f.log.Panicf("AOF reopen after rotation failed: %v", initErr)
	}
	if renameErr != nil {
		return stackerr.Wrap(renameErr)
	}
	f.rotateInProcess = false
	f.rotated.Broadcast()
	f.log.Info("AOF rotation finished.")
	return
}

// unwrapWriter returns writer used before rotation start. Lock required.
func (f *AOF) unwrapWriter() io.Writer {
	if bw, ok := f.flusher.(*bufio.Writer); ok {
		return bw
	}
	return f.file
}

var (
	afterFileSnapshotTestHook = func() {}
	afterExtraWriteTestHook   = func() {}
	afterFinishTestHook       = func() {}
)

func (f *AOF) startSync() {
	stop := make(chan struct{})
	f.stopSync = stop
	go func() {
		ticker := time.NewTicker(f.config.SyncPeriod)
		defer ticker.Stop()
		var prevSize int64
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			f.lock.Lock()
			if f.isClosed() {
				f.lock.Unlock()
				return
			}
			if f.size != prevSize {
				prevSize = f.size
				if err := f.sync(); err != nil {
					f.log.Errorf("AOF background sync failed: %v", err)
				}
			}
			f.lock.Unlock()
		}
	}()
}

func newRotationFile(name string) (file *os.File, err error) {
	file, err = ioutil.TempFile(dirOf(name), "rotating_aof_")
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	err = file.Chmod(Perm)
	err = stackerr.Wrap(err)
	return
}

func dirOf(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if os.IsPathSeparator(name[i]) {
			return name[:i+1]
		}
	}
	return ""
}
