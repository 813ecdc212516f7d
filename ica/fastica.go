// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ica implements the decomposition collaborators of the
// restart pipeline: parallel FastICA with whitening, and
// dimensionality selection by principal component analysis.
//
// Matrices follow the layout of the pipeline's tables: observations
// (genes) are rows, and variables (samples) are columns. Components
// are estimated over the variables, so that a decomposition of an
// n x m matrix into k components yields an n x k source matrix S and
// an m x k mixing matrix A.
package ica

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
)

// DefaultTol is the default convergence tolerance.
const DefaultTol = 1e-7

// FastICA estimates independent components with the parallel
// (symmetric) FastICA algorithm using the logcosh contrast function.
type FastICA struct {
	// Tol is the convergence tolerance. Iteration stops once the
	// unmixing matrix changes direction by less than Tol. If zero,
	// DefaultTol is used.
	Tol float64
	// MaxIter bounds the number of fixed-point iterations. Zero
	// means unbounded; the caller is then expected to bound the
	// decomposition through its context.
	MaxIter int
}

// Decompose centers and whitens x down to k dimensions and estimates
// k independent components from random initial conditions drawn from
// seed. It returns the source matrix S, whose columns have unit norm,
// and the mixing matrix A.
//
// Decompose returns an error of kind errors.TooManyTries if the
// iteration does not converge within MaxIter iterations, and the
// context's error if it is done before convergence.
func (f FastICA) Decompose(ctx context.Context, x mat.Matrix, k int, seed uint64) (s, a *mat.Dense, err error) {
	n, m := x.Dims()
	if k < 1 || k > n || k > m {
		return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("ica: cannot estimate %d components from a %dx%d matrix", k, n, m))
	}
	tol := f.Tol
	if tol == 0 {
		tol = DefaultTol
	}
	xc := centerColumns(x)
	k1, err := whitening(xc, k)
	if err != nil {
		return nil, nil, err
	}
	// x1 = k1 * xc^T * sqrt(n); its rows have unit variance.
	var x1 mat.Dense
	x1.Mul(k1, xc.T())
	x1.Scale(math.Sqrt(float64(n)), &x1)

	r := rand.New(rand.NewSource(int64(seed)))
	w0 := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			w0.Set(i, j, r.NormFloat64())
		}
	}
	w, err := f.iterate(ctx, &x1, w0, tol)
	if err != nil {
		return nil, nil, err
	}

	var unmix mat.Dense
	unmix.Mul(w, k1)
	var st mat.Dense
	st.Mul(&unmix, xc.T())
	s = mat.DenseCopyOf(st.T())
	a, err = pinvRows(&unmix)
	if err != nil {
		return nil, nil, err
	}
	return s, a, nil
}

// iterate runs the parallel FastICA fixed-point iteration on the
// whitened k x n matrix x from the initial unmixing matrix w.
func (f FastICA) iterate(ctx context.Context, x *mat.Dense, w *mat.Dense, tol float64) (*mat.Dense, error) {
	k, n := x.Dims()
	w, err := decorrelate(w)
	if err != nil {
		return nil, err
	}
	var (
		wx   mat.Dense
		gwx  = mat.NewDense(k, n, nil)
		gdwx = make([]float64, k)
		next mat.Dense
		d    mat.Dense
	)
	for iter := 0; f.MaxIter == 0 || iter < f.MaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wx.Mul(w, x)
		for i := 0; i < k; i++ {
			var sum float64
			for j := 0; j < n; j++ {
				g := math.Tanh(wx.At(i, j))
				gwx.Set(i, j, g)
				sum += 1 - g*g
			}
			gdwx[i] = sum / float64(n)
		}
		next.Mul(gwx, x.T())
		next.Scale(1/float64(n), &next)
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				next.Set(i, j, next.At(i, j)-gdwx[i]*w.At(i, j))
			}
		}
		w1, err := decorrelate(&next)
		if err != nil {
			return nil, err
		}
		d.Mul(w1, w.T())
		var lim float64
		for i := 0; i < k; i++ {
			if v := math.Abs(math.Abs(d.At(i, i)) - 1); v > lim {
				lim = v
			}
		}
		w = w1
		if lim < tol {
			return w, nil
		}
	}
	return nil, errors.E(errors.TooManyTries, fmt.Sprintf("ica: no convergence after %d iterations", f.MaxIter))
}

// centerColumns returns a copy of x with each column centered on its
// mean.
func centerColumns(x mat.Matrix) *mat.Dense {
	xc := mat.DenseCopyOf(x)
	n, m := xc.Dims()
	for j := 0; j < m; j++ {
		var mean float64
		for i := 0; i < n; i++ {
			mean += xc.At(i, j)
		}
		mean /= float64(n)
		for i := 0; i < n; i++ {
			xc.Set(i, j, xc.At(i, j)-mean)
		}
	}
	return xc
}

// whitening returns the k x m whitening matrix of the centered n x m
// matrix xc: the leading k left singular vectors of xc^T, each scaled
// by the inverse of its singular value.
func whitening(xc *mat.Dense, k int) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(xc.T(), mat.SVDThin) {
		return nil, errors.E(errors.Invalid, "ica: whitening: SVD failed")
	}
	d := svd.Values(nil)
	var u mat.Dense
	svd.UTo(&u)
	m, _ := u.Dims()
	white := mat.NewDense(k, m, nil)
	for i := 0; i < k; i++ {
		if d[i] == 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("ica: whitening: data has rank %d < %d", i, k))
		}
		for j := 0; j < m; j++ {
			white.Set(i, j, u.At(j, i)/d[i])
		}
	}
	return white, nil
}

// decorrelate returns the symmetric decorrelation (w w^T)^(-1/2) w of
// w. With w = U D V^T, this is U V^T.
func decorrelate(w mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(w, mat.SVDThin) {
		return nil, errors.E(errors.Invalid, "ica: decorrelation: SVD failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var out mat.Dense
	out.Mul(&u, v.T())
	return &out, nil
}

// pinvRows returns the pseudo-inverse of the full row rank matrix b:
// b^T (b b^T)^-1.
func pinvRows(b *mat.Dense) (*mat.Dense, error) {
	var bbt, inv mat.Dense
	bbt.Mul(b, b.T())
	if err := inv.Inverse(&bbt); err != nil {
		return nil, errors.E(errors.Invalid, "ica: mixing matrix", err)
	}
	var a mat.Dense
	a.Mul(b.T(), &inv)
	return &a, nil
}
