package styx

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DecodeError reports malformed wire bytes. Tag is the tag of the
// offending message when the header could be read, NoTag otherwise; a
// NoTag decode error cannot be answered with Rerror and the connection
// has to be dropped.
type DecodeError struct {
	Tag    Tag
	Reason string
}

func (e *DecodeError) Error() string {
	return "styx: decode: " + e.Reason
}

// EncodeError reports a message that cannot be encoded within the given
// size limit or violates a field width constraint. It indicates a
// programming or configuration error on the sending side.
type EncodeError struct {
	Kind   Kind
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("styx: encode %s: %s", e.Kind, e.Reason)
}

var errShortBuffer = errors.New("buffer shorter than declared length")

// reader consumes little-endian fields from a buffer. The first failure
// sticks in err; every length prefix is checked against the remaining
// buffer before any slicing.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(reason string) {
	if r.err == nil {
		r.err = errors.New(reason)
	}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf)-r.off < n {
		r.err = errShortBuffer
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

// bytesN consumes a count[n]-prefixed byte string; n is 2 for strings and
// stat wrappers, 4 for read/write payloads.
func (r *reader) bytes2() []byte {
	n := int(r.u16())
	if !r.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.buf[r.off:r.off+n])
	r.off += n
	return v
}

func (r *reader) bytes4() []byte {
	n := r.u32()
	if n > uint32(len(r.buf)) {
		r.fail("count field exceeds message length")
		return nil
	}
	if !r.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return v
}

func (r *reader) str() string {
	return string(r.bytes2())
}

// rest reports whether the whole buffer was consumed.
func (r *reader) drained() bool {
	return r.off == len(r.buf)
}

// writer appends little-endian fields to a buffer sized up front.
type writer struct {
	buf []byte
}

func newWriter(n int) *writer {
	return &writer{buf: make([]byte, 0, n)}
}

func (w *writer) bytes() []byte { return w.buf }

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}
