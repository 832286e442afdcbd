// Package typed provides bounds-checked, big-endian read and write buffers
// for encoding and decoding the TChannel wire format.
package typed

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrEOF is returned when a read would run past the end of the buffer.
var ErrEOF = errors.New("typed: buffer exhausted")

// ErrFull is returned when a write would run past the end of the buffer.
var ErrFull = errors.New("typed: buffer full")

// ReadBuffer reads big-endian primitives out of a fixed byte slice,
// tracking position and refusing to read past the end.
type ReadBuffer struct {
	buf []byte
	pos int
}

// NewReadBuffer wraps buf for sequential reads.
func NewReadBuffer(buf []byte) *ReadBuffer {
	return &ReadBuffer{buf: buf}
}

// NewReadBufferWithSize allocates a fresh buffer of the given size, intended
// to be filled via FillFrom before reading.
func NewReadBufferWithSize(size int) *ReadBuffer {
	return &ReadBuffer{buf: make([]byte, size)}
}

// FillFrom reads exactly n bytes from r into the buffer, resetting the
// read position to the start. If n exceeds the buffer's length, a new
// buffer of n bytes is allocated.
func (r *ReadBuffer) FillFrom(src io.Reader, n int) (int, error) {
	if n > len(r.buf) {
		r.buf = make([]byte, n)
	}

	read, err := io.ReadFull(src, r.buf[:n])
	r.buf = r.buf[:n]
	r.pos = 0
	return read, err
}

// BytesRemaining returns the number of unread bytes.
func (r *ReadBuffer) BytesRemaining() int {
	return len(r.buf) - r.pos
}

// ReadByte reads a single byte.
func (r *ReadBuffer) ReadByte() (byte, error) {
	if r.BytesRemaining() < 1 {
		return 0, ErrEOF
	}

	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// ReadUint16 reads a big-endian uint16.
func (r *ReadBuffer) ReadUint16() (uint16, error) {
	if r.BytesRemaining() < 2 {
		return 0, ErrEOF
	}

	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadUint32 reads a big-endian uint32.
func (r *ReadBuffer) ReadUint32() (uint32, error) {
	if r.BytesRemaining() < 4 {
		return 0, ErrEOF
	}

	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadUint64 reads a big-endian uint64.
func (r *ReadBuffer) ReadUint64() (uint64, error) {
	if r.BytesRemaining() < 8 {
		return 0, ErrEOF
	}

	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadBytes reads and returns the next n bytes, aliasing the underlying
// buffer (no copy is made).
func (r *ReadBuffer) ReadBytes(n int) ([]byte, error) {
	if r.BytesRemaining() < n {
		return nil, ErrEOF
	}

	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadString8 reads a string prefixed by an 8-bit length.
func (r *ReadBuffer) ReadString8() (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}

	b, err := r.ReadBytes(int(n))
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// ReadString16 reads a string prefixed by a 16-bit length.
func (r *ReadBuffer) ReadString16() (string, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return "", err
	}

	b, err := r.ReadBytes(int(n))
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// Err always returns nil: the buffer keeps no sticky error, because each
// Read* call reports ErrEOF directly when it would run past the end.
func (r *ReadBuffer) Err() error { return nil }

// WriteBuffer writes big-endian primitives into a fixed byte slice,
// tracking position and refusing to write past the end.
type WriteBuffer struct {
	buf []byte
	pos int
}

// NewWriteBuffer wraps buf for sequential writes.
func NewWriteBuffer(buf []byte) *WriteBuffer {
	return &WriteBuffer{buf: buf}
}

// NewWriteBufferWithSize allocates a fresh buffer of the given size.
func NewWriteBufferWithSize(size int) *WriteBuffer {
	return &WriteBuffer{buf: make([]byte, size)}
}

// Reset rewinds the write position to the start of the buffer.
func (w *WriteBuffer) Reset() { w.pos = 0 }

// CurrentPos returns the current write offset.
func (w *WriteBuffer) CurrentPos() int { return w.pos }

// BytesWritten is an alias for CurrentPos, for readability at call sites
// that just flushed a message.
func (w *WriteBuffer) BytesWritten() int { return w.pos }

// BytesRemaining returns the number of bytes left before the buffer is full.
func (w *WriteBuffer) BytesRemaining() int { return len(w.buf) - w.pos }

// Bytes returns the written prefix of the buffer.
func (w *WriteBuffer) Bytes() []byte { return w.buf[:w.pos] }

// WriteByte writes a single byte.
func (w *WriteBuffer) WriteByte(b byte) error {
	if w.BytesRemaining() < 1 {
		return ErrFull
	}

	w.buf[w.pos] = b
	w.pos++
	return nil
}

// WriteUint16 writes a big-endian uint16.
func (w *WriteBuffer) WriteUint16(v uint16) error {
	if w.BytesRemaining() < 2 {
		return ErrFull
	}

	binary.BigEndian.PutUint16(w.buf[w.pos:], v)
	w.pos += 2
	return nil
}

// WriteUint32 writes a big-endian uint32.
func (w *WriteBuffer) WriteUint32(v uint32) error {
	if w.BytesRemaining() < 4 {
		return ErrFull
	}

	binary.BigEndian.PutUint32(w.buf[w.pos:], v)
	w.pos += 4
	return nil
}

// WriteUint64 writes a big-endian uint64.
func (w *WriteBuffer) WriteUint64(v uint64) error {
	if w.BytesRemaining() < 8 {
		return ErrFull
	}

	binary.BigEndian.PutUint64(w.buf[w.pos:], v)
	w.pos += 8
	return nil
}

// WriteBytes copies b into the buffer verbatim.
func (w *WriteBuffer) WriteBytes(b []byte) error {
	if w.BytesRemaining() < len(b) {
		return ErrFull
	}

	copy(w.buf[w.pos:], b)
	w.pos += len(b)
	return nil
}

// WriteString8 writes s prefixed by an 8-bit length. Returns an error if s is
// longer than 255 bytes.
func (w *WriteBuffer) WriteString8(s string) error {
	if len(s) > 0xFF {
		return errStringTooLong
	}

	if err := w.WriteByte(byte(len(s))); err != nil {
		return err
	}

	return w.WriteBytes([]byte(s))
}

// WriteString16 writes s prefixed by a 16-bit length. Returns an error if s
// is longer than 65535 bytes.
func (w *WriteBuffer) WriteString16(s string) error {
	if len(s) > 0xFFFF {
		return errStringTooLong
	}

	if err := w.WriteUint16(uint16(len(s))); err != nil {
		return err
	}

	return w.WriteBytes([]byte(s))
}

var errStringTooLong = errors.New("typed: string exceeds its length prefix")

// FlushTo writes the buffer's written prefix to dst.
func (w *WriteBuffer) FlushTo(dst io.Writer) (int, error) {
	return dst.Write(w.Bytes())
}
