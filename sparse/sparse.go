// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sparse implements coordinate-format sparse matrices and a
// compressed file container for them.
package sparse

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// A COO is a sparse matrix in coordinate format: entry k has value
// V[k] at row I[k] and column J[k]. Entries are stored in row-major
// order with no duplicate coordinates.
type COO struct {
	Rows, Cols int
	I, J       []int32
	V          []float64
}

// FromDense returns the nonzero entries of m in coordinate format.
func FromDense(m mat.Matrix) *COO {
	r, c := m.Dims()
	coo := &COO{Rows: r, Cols: c}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); v != 0 {
				coo.I = append(coo.I, int32(i))
				coo.J = append(coo.J, int32(j))
				coo.V = append(coo.V, v)
			}
		}
	}
	return coo
}

// Dims returns the matrix dimensions.
func (m *COO) Dims() (r, c int) { return m.Rows, m.Cols }

// NNZ returns the number of stored entries.
func (m *COO) NNZ() int { return len(m.V) }

// Dense returns m as a dense matrix.
func (m *COO) Dense() *mat.Dense {
	d := mat.NewDense(m.Rows, m.Cols, nil)
	for k, v := range m.V {
		d.Set(int(m.I[k]), int(m.J[k]), v)
	}
	return d
}

// Do calls fn for each stored entry, in storage order.
func (m *COO) Do(fn func(i, j int, v float64)) {
	for k, v := range m.V {
		fn(int(m.I[k]), int(m.J[k]), v)
	}
}

// Validate checks that m is well formed.
func (m *COO) Validate() error {
	if m.Rows < 0 || m.Cols < 0 {
		return fmt.Errorf("invalid dimensions %dx%d", m.Rows, m.Cols)
	}
	if len(m.I) != len(m.V) || len(m.J) != len(m.V) {
		return fmt.Errorf("coordinate lengths %d, %d do not match %d values", len(m.I), len(m.J), len(m.V))
	}
	for k := range m.V {
		if i, j := int(m.I[k]), int(m.J[k]); i < 0 || i >= m.Rows || j < 0 || j >= m.Cols {
			return fmt.Errorf("entry %d: coordinate (%d, %d) out of range for %dx%d matrix", k, i, j, m.Rows, m.Cols)
		}
	}
	return nil
}
