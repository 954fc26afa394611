package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned by Reader methods when the buffer is exhausted
// before a field can be fully read.
var ErrShortBuffer = errors.New("wire: short buffer")

// ErrUnknownTag is returned when a message tag has no known variant.
var ErrUnknownTag = errors.New("wire: unknown message tag")

// Writer accumulates a tagged message body using fixed-width and
// length-prefixed fields. The zero value is ready to use.
type Writer struct {
	buf []byte
}

func NewWriter(tag uint8) *Writer {
	w := &Writer{buf: make([]byte, 0, 64)}
	w.buf = append(w.buf, tag)
	return w
}

func (w *Writer) U8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}
func (w *Writer) U16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *Writer) U32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *Writer) U64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Bytes writes a BE32-length-prefixed byte slice.
func (w *Writer) Bytes(b []byte) {
	w.U32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Str writes a BE16-length-prefixed UTF-8 string.
func (w *Writer) Str(s string) {
	w.U16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// OptStr writes a presence byte followed by the string when present.
func (w *Writer) OptStr(s *string) {
	if s == nil {
		w.Bool(false)
		return
	}
	w.Bool(true)
	w.Str(*s)
}

// OptBytes writes a presence byte followed by the bytes when present.
func (w *Writer) OptBytes(b []byte) {
	if b == nil {
		w.Bool(false)
		return
	}
	w.Bool(true)
	w.Bytes(b)
}

func (w *Writer) Bytes_() []byte { return w.buf }

// Reader consumes fields from a message body in the same order Writer wrote
// them. The first byte (the tag) has already been stripped by the caller.
type Reader struct {
	buf []byte
	off int
}

func NewReader(body []byte) *Reader { return &Reader{buf: body} }

func (r *Reader) need(n int) error {
	if r.off+n > len(r.buf) {
		return ErrShortBuffer
	}
	return nil
}

func (r *Reader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	return v != 0, err
}

func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return out, nil
}

func (r *Reader) Str() (string, error) {
	n, err := r.U16()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *Reader) OptStr() (*string, error) {
	present, err := r.Bool()
	if err != nil || !present {
		return nil, err
	}
	s, err := r.Str()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Reader) OptBytes() ([]byte, error) {
	present, err := r.Bool()
	if err != nil || !present {
		return nil, err
	}
	return r.Bytes()
}
