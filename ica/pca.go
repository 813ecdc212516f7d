// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ica

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultVarianceThreshold is the fraction of variance that the
// selected principal components must explain.
const DefaultVarianceThreshold = 0.99

// Dimensionality returns the number of principal components of x
// needed to explain more than the provided fraction of its variance:
// the smallest k such that the cumulative explained variance ratio of
// the first k components strictly exceeds threshold. Rows of x are
// observations and columns are variables. The pipeline calls
// Dimensionality on the transpose of its input, so that samples are
// the observations.
func Dimensionality(x mat.Matrix, threshold float64) (int, error) {
	if threshold <= 0 || threshold >= 1 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("ica: variance threshold %v not in (0, 1)", threshold))
	}
	if r, _ := x.Dims(); r < 2 {
		return 0, errors.E(errors.Invalid, "ica: need at least two observations")
	}
	var pc stat.PC
	if !pc.PrincipalComponents(x, nil) {
		return 0, errors.E(errors.Invalid, "ica: principal component analysis failed")
	}
	vars := pc.VarsTo(nil)
	var total float64
	for _, v := range vars {
		total += v
	}
	if total == 0 {
		return 0, errors.E(errors.Invalid, "ica: data has no variance")
	}
	var cum float64
	for i, v := range vars {
		cum += v
		if cum/total > threshold {
			return i + 1, nil
		}
	}
	// Rounding can leave the cumulative ratio just short of 1.
	return len(vars), nil
}
