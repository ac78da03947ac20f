/*
Package kv supports reading and writing of a simple file format storing
key-value string pairs, and the directories of such files used as inputs and
outputs of MapReduce jobs.

File format:

	uvarint(key-len) key uvarint(val-len) val
*/
package kv

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"

	"github.com/golangplus/bytes"
	"github.com/golangplus/errors"

	"github.com/daviddengcn/go-villa"
)

var (
	ErrBadFormat = errors.New("bad kv format")
)

// Strings longer than this are read in chunks, so a corrupt length fails at
// the end of the file instead of allocating its size up front.
const maxPrealloc = 64 << 10

// kv.Writer is a struct for generating a kv file. It is not safe for
// concurrent use.
type Writer struct {
	file   *os.File
	writer *bufio.Writer
	objBuf bytesp.Slice
}

// NewWriter returns a *kv.Writer for writing a kv file at the specified path.
// Existing file is truncated.
func NewWriter(fn villa.Path) (*Writer, error) {
	file, err := fn.Create()
	if err != nil {
		return nil, errorsp.WithStacks(err)
	}
	return &Writer{
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// io.Closer interface
func (kvw *Writer) Close() error {
	if err := kvw.writer.Flush(); err != nil {
		kvw.file.Close()
		return errorsp.WithStacks(err)
	}
	return errorsp.WithStacks(kvw.file.Close())
}

// Collect appends a kv pair to the file.
func (kvw *Writer) Collect(key, val string) error {
	kvw.objBuf.Reset()
	kvw.objBuf = binary.AppendUvarint(kvw.objBuf, uint64(len(key)))
	kvw.objBuf = append(kvw.objBuf, key...)
	kvw.objBuf = binary.AppendUvarint(kvw.objBuf, uint64(len(val)))
	kvw.objBuf = append(kvw.objBuf, val...)
	if _, err := kvw.writer.Write(kvw.objBuf); err != nil {
		return errorsp.WithStacksAndMessage(err, "writing key %q failed", key)
	}
	return nil
}

// kv.Reader is a struct for reading a kv file.
type Reader struct {
	file   *os.File
	reader *bufio.Reader
	buf    bytesp.Slice
}

// NewReader returns a *Reader for reading the kv file at the specified path.
func NewReader(fn villa.Path) (*Reader, error) {
	file, err := fn.Open()
	if err != nil {
		return nil, errorsp.WithStacks(err)
	}
	return &Reader{
		file:   file,
		reader: bufio.NewReader(file),
	}, nil
}

// io.Closer interface
func (kvr *Reader) Close() error {
	return errorsp.WithStacks(kvr.file.Close())
}

// Next fetches next key/val pair. io.EOF is returned if no more pairs are
// available. A truncated or corrupt record results in ErrBadFormat.
func (kvr *Reader) Next() (key, val string, err error) {
	l, err := binary.ReadUvarint(kvr.reader)
	if err != nil {
		if err == io.EOF {
			return "", "", io.EOF
		}
		return "", "", errorsp.WithStacksAndMessage(badFormat(err), "reading key length failed")
	}
	if key, err = kvr.readString(l); err != nil {
		return "", "", errorsp.WithStacksAndMessage(err, "reading key failed")
	}

	if l, err = binary.ReadUvarint(kvr.reader); err != nil {
		return "", "", errorsp.WithStacksAndMessage(badFormat(err), "reading value length for key %q failed", key)
	}
	if val, err = kvr.readString(l); err != nil {
		return "", "", errorsp.WithStacksAndMessage(err, "reading value for key %q failed", key)
	}
	return key, val, nil
}

// badFormat converts a length cut by the end of file to ErrBadFormat.
func badFormat(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrBadFormat
	}
	return err
}

func (kvr *Reader) readString(l uint64) (string, error) {
	if l > math.MaxInt64 {
		return "", errorsp.WithStacksAndMessage(ErrBadFormat, "length %d out of range", l)
	}
	if l > maxPrealloc {
		kvr.buf.Reset()
		n, err := io.CopyN(&kvr.buf, kvr.reader, int64(l))
		if err == io.EOF {
			return "", errorsp.WithStacksAndMessage(ErrBadFormat, "expected %d bytes, got %d", l, n)
		}
		if err != nil {
			return "", errorsp.WithStacks(err)
		}
		return string(kvr.buf), nil
	}

	if uint64(cap(kvr.buf)) < l {
		kvr.buf = make(bytesp.Slice, l)
	}
	kvr.buf = kvr.buf[:l]
	if _, err := io.ReadFull(kvr.reader, kvr.buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", errorsp.WithStacksAndMessage(ErrBadFormat, "expected %d bytes", l)
		}
		return "", errorsp.WithStacks(err)
	}
	return string(kvr.buf), nil
}
