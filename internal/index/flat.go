package index

// Flat is the exact linear-scan index: O(n*d) per query.
type Flat struct {
	vectors
}

// NewFlat builds a flat index over records.
func NewFlat(records []Record, metric Metric) (*Flat, error) {
	f := &Flat{}
	if err := f.load(records, metric); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Flat) Kind() Kind { return KindFlat }

// Query scores every stored vector against query.
func (f *Flat) Query(query []float32, k int) (Result, error) {
	if done, err := f.check(query, k); done {
		return Result{}, err
	}
	return f.scan(query, k), nil
}

// MarshalBinary encodes the vectors payload.
func (f *Flat) MarshalBinary() ([]byte, error) {
	w := &writer{}
	writeVectors(w, &f.vectors)
	return w.bytes(), nil
}

// UnmarshalBinary restores the index from MarshalBinary output.
func (f *Flat) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}
	metric, records, err := readVectors(r)
	if err != nil {
		return err
	}
	if r.remaining() != 0 {
		return errTrailing(r.remaining())
	}
	return f.load(records, metric)
}
