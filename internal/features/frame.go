// Package features turns raw time-series frames into model-ready feature
// frames: encoded categoricals, calendar columns, frame-level statistics,
// lags and rolling aggregates, with a final fill pass so no cell is missing.
package features

import (
	"math"
	"time"
)

// Frame is a column-oriented numeric frame aligned to a shared timestamp
// axis. Intermediate cells may be NaN; Prepare's final fill pass removes
// every NaN before the frame is handed to the windower.
type Frame struct {
	Timestamps []time.Time

	order []string
	cols  map[string][]float64
}

func NewFrame(timestamps []time.Time) *Frame {
	return &Frame{
		Timestamps: timestamps,
		cols:       make(map[string][]float64),
	}
}

func (f *Frame) Len() int { return len(f.Timestamps) }

// Columns returns column names in insertion order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

func (f *Frame) Has(name string) bool {
	_, ok := f.cols[name]
	return ok
}

// Col returns the backing slice for name, or nil when absent.
func (f *Frame) Col(name string) []float64 { return f.cols[name] }

// SetCol adds or replaces a column. The slice length must match Len.
func (f *Frame) SetCol(name string, vals []float64) {
	if _, ok := f.cols[name]; !ok {
		f.order = append(f.order, name)
	}
	f.cols[name] = vals
}

// constCol broadcasts a single value to every row.
func (f *Frame) constCol(name string, v float64) {
	vals := make([]float64, f.Len())
	for i := range vals {
		vals[i] = v
	}
	f.SetCol(name, vals)
}

// MissingCells counts NaN cells across every column.
func (f *Frame) MissingCells() int {
	n := 0
	for _, name := range f.order {
		for _, v := range f.cols[name] {
			if math.IsNaN(v) {
				n++
			}
		}
	}
	return n
}

// Row extracts one row restricted to cols. ok is false when any requested
// cell is NaN or the column is absent.
func (f *Frame) Row(i int, cols []string) (vals []float64, ok bool) {
	vals = make([]float64, len(cols))
	ok = true
	for j, name := range cols {
		c, present := f.cols[name]
		if !present || math.IsNaN(c[i]) {
			ok = false
			continue
		}
		vals[j] = c[i]
	}
	return vals, ok
}

// fill applies forward-fill, then backward-fill, then zero-fill to every
// column in place.
func (f *Frame) fill() {
	for _, name := range f.order {
		col := f.cols[name]
		last := math.NaN()
		for i, v := range col {
			if math.IsNaN(v) {
				col[i] = last
			} else {
				last = v
			}
		}
		next := math.NaN()
		for i := len(col) - 1; i >= 0; i-- {
			if math.IsNaN(col[i]) {
				col[i] = next
			} else {
				next = col[i]
			}
		}
		for i, v := range col {
			if math.IsNaN(v) {
				col[i] = 0
			}
		}
	}
}
