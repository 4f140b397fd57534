package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var errTruncated = errors.New("index: truncated data")

// maxDimension bounds decoded vector lengths.
const maxDimension = 1 << 16

func errTrailing(n int) error { return fmt.Errorf("index: %d trailing bytes", n) }

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *writer) i32(v int32) { w.u32(uint32(v)) }

func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *writer) f64(v float64) { w.u64(math.Float64bits(v)) }

func (w *writer) bytes() []byte { return w.buf }

type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = errTruncated
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *reader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *reader) remaining() int { return len(r.data) - r.off }

// writeVectors stores: metric(u8) dim(u32) n(u32) then n x [id(u64) vec(f32*dim)].
func writeVectors(w *writer, s *vectors) {
	w.u8(uint8(s.metric))
	w.u32(uint32(s.dim))
	w.u32(uint32(len(s.ids)))
	for i, id := range s.ids {
		w.u64(id)
		for _, x := range s.vecs[i] {
			w.f32(x)
		}
	}
}

func readVectors(r *reader) (Metric, []Record, error) {
	metric := Metric(r.u8())
	dim := int(r.u32())
	n := int(r.u32())
	if r.err != nil {
		return 0, nil, r.err
	}
	if !metric.Valid() {
		return 0, nil, fmt.Errorf("index: unknown metric %d in payload", metric)
	}
	if dim > maxDimension {
		return 0, nil, fmt.Errorf("index: dimension %d exceeds %d", dim, maxDimension)
	}
	if n > 0 && (dim == 0 || r.remaining() < n*(8+4*dim)) {
		return 0, nil, errTruncated
	}
	records := make([]Record, n)
	for i := range records {
		records[i].ID = r.u64()
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = r.f32()
		}
		records[i].Vector = vec
	}
	if r.err != nil {
		return 0, nil, r.err
	}
	return metric, records, nil
}
