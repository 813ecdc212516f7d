// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distance

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigica/table"
	"gonum.org/v1/gonum/mat"
)

// MinSimilarity is the smallest similarity retained by Threshold.
const MinSimilarity = 0.5

// Similarity returns the thresholded similarity between the
// components of two runs: entry (a, b) is the absolute inner product
// of component a of s1 and component b of s2, passed through
// Threshold. The two component matrices must be indexed by the same
// genes.
func Similarity(s1, s2 *table.Table) (*mat.Dense, error) {
	if len(s1.Rows) != len(s2.Rows) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("distance: component matrices have %d and %d rows", len(s1.Rows), len(s2.Rows)))
	}
	for i := range s1.Rows {
		if s1.Rows[i] != s2.Rows[i] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("distance: row %d labeled %q and %q", i, s1.Rows[i], s2.Rows[i]))
		}
	}
	var sim mat.Dense
	sim.Mul(s1.Data.T(), s2.Data)
	Threshold(&sim)
	return &sim, nil
}

// Threshold takes absolute values of the entries of m in place,
// zeroing those below MinSimilarity and clipping the rest to [0, 1].
// Threshold is idempotent.
func Threshold(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := math.Abs(m.At(i, j))
			switch {
			case v < MinSimilarity:
				v = 0
			case v > 1:
				v = 1
			}
			m.Set(i, j, v)
		}
	}
}
