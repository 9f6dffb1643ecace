package comm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Writer accumulates the payload packed for one destination in one round.
// Values are fixed-width little endian so the reader can check lengths.
type Writer struct {
	buf []byte
}

func (w *Writer) PutInt(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}

func (w *Writer) PutUint(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) PutFloat64(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *Writer) PutInts(vs []int64) {
	for _, v := range vs {
		w.PutInt(v)
	}
}

func (w *Writer) PutFloat64s(vs []float64) {
	for _, v := range vs {
		w.PutFloat64(v)
	}
}

// PutBytes writes a length-prefixed byte block.
func (w *Writer) PutBytes(b []byte) {
	w.PutUint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) Len() int      { return len(w.buf) }
func (w *Writer) Bytes() []byte { return w.buf }

// Reader unpacks a received payload. The first short read sticks: later calls
// return zero values and Err reports the failure.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: want %d bytes at offset %d, have %d", ErrShortRead, n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) Int() int64 {
	return int64(r.Uint())
}

func (r *Reader) Float64() float64 {
	return math.Float64frombits(r.Uint())
}

// Ints reads n values into a fresh slice.
func (r *Reader) Ints(n int) []int64 {
	if n < 0 {
		r.err = fmt.Errorf("%w: negative count %d", ErrShortRead, n)
		return nil
	}
	out := make([]int64, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.Int())
	}
	return out
}

// Float64sInto fills dst.
func (r *Reader) Float64sInto(dst []float64) {
	for i := range dst {
		dst[i] = r.Float64()
	}
}

func (r *Reader) Bytes() []byte {
	n := r.Uint()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)-r.off) {
		r.err = fmt.Errorf("%w: byte block of %d at offset %d", ErrShortRead, n, r.off)
		return nil
	}
	b := r.take(int(n))
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Len is the number of unread bytes.
func (r *Reader) Len() int    { return len(r.buf) - r.off }
func (r *Reader) Offset() int { return r.off }
func (r *Reader) Err() error  { return r.err }
