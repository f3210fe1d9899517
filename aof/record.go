package aof

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/facebookgo/stackerr"
)

// Record frame: 4 bytes big endian payload length, 4 bytes CRC32 (IEEE) of
// payload, payload.
const recordHeaderSize = 8

// MaxRecordSize limits payload size, so corrupted length can't cause huge allocation.
const MaxRecordSize = 1 << 30

// WriteRecord writes p as one frame.
func WriteRecord(w io.Writer, p []byte) error {
	if len(p) > MaxRecordSize {
		return stackerr.Newf("record size %v exceeds limit %v", len(p), MaxRecordSize)
	}
	var header [recordHeaderSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(p)))
	binary.BigEndian.PutUint32(header[4:], crc32.ChecksumIEEE(p))
	_, err := w.Write(header[:])
	if err != nil {
		return stackerr.Wrap(err)
	}
	_, err = w.Write(p)
	return stackerr.Wrap(err)
}

// CorruptedError means that file has invalid tail after ValidSize bytes.
type CorruptedError struct {
	ValidSize int64
	Err       error
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("AOF is corrupted after %v valid bytes: %v", e.ValidSize, e.Err)
}

// ReadRecords calls fn for each frame in r. Payload passed to fn is valid only during call.
// Partially written or damaged frame causes *CorruptedError.
// Error returned by fn is returned as is.
func ReadRecords(r io.Reader, fn func(p []byte) error) (validSize int64, err error) {
	var header [recordHeaderSize]byte
	var buf []byte
	for {
		_, err = io.ReadFull(r, header[:])
		if err == io.EOF {
			err = nil
			return
		}
		if err != nil {
			err = &CorruptedError{validSize, err}
			return
		}
		size := binary.BigEndian.Uint32(header[:4])
		sum := binary.BigEndian.Uint32(header[4:])
		if size > MaxRecordSize {
			err = &CorruptedError{validSize, fmt.Errorf("too large record size %v", size)}
			return
		}
		if cap(buf) < int(size) {
			buf = make([]byte, size)
		}
		buf = buf[:size]
		_, err = io.ReadFull(r, buf)
		if err != nil {
			err = &CorruptedError{validSize, err}
			return
		}
		if crc32.ChecksumIEEE(buf) != sum {
			err = &CorruptedError{validSize, fmt.Errorf("checksum mismatch")}
			return
		}
		err = fn(buf)
		if err != nil {
			return
		}
		validSize += recordHeaderSize + int64(size)
	}
}

// ReadFile reads all records of named file. Not existing file has no records.
// If fixCorrupted is true, corrupted tail is truncated and no error returned.
func ReadFile(name string, fixCorrupted bool, fn func(p []byte) error) (err error) {
	var f *os.File
	f, err = os.Open(name)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return stackerr.Wrap(err)
	}
	var validSize int64
	validSize, err = ReadRecords(f, fn)
	f.Close()
	if _, ok := err.(*CorruptedError); !ok || !fixCorrupted {
		return
	}
	err = os.Truncate(name, validSize)
	return stackerr.Wrap(err)
}
