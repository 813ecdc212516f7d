// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package icatest provides utilities for testing the stages of the
// ICA pipeline. The utilities here are generally not optimized for
// performance or robustness; they are strictly intended for unit
// testing.
package icatest

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigica/collective"
	"github.com/grailbio/bigica/table"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Run runs fn on n ranks in the current process, each as its own
// goroutine with a local Comm. As a launcher would, Run aborts the
// job with the first error returned by any rank. Run returns the
// errors of each rank, and the first error.
func Run(ctx context.Context, n int, fn func(ctx context.Context, comm collective.Comm) error) ([]error, error) {
	var (
		g    errgroup.Group
		errs = make([]error, n)
	)
	for _, comm := range collective.Local(n) {
		comm := comm
		g.Go(func() error {
			err := fn(ctx, comm)
			if err != nil {
				comm.Abort(err)
			}
			errs[comm.Rank()] = err
			return err
		})
	}
	err := g.Wait()
	return errs, err
}

// WriteInput writes a genes x samples input table of normally
// distributed values to a file in dir, returning its path. Errors are
// reported as fatal to the provided t instance.
func WriteInput(t *testing.T, dir string, genes, samples int, seed int64) string {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	data := mat.NewDense(genes, samples, nil)
	for i := 0; i < genes; i++ {
		for j := 0; j < samples; j++ {
			data.Set(i, j, r.NormFloat64())
		}
	}
	rows := make([]string, genes)
	for i := range rows {
		rows[i] = "gene" + strconv.Itoa(i)
	}
	cols := make([]string, samples)
	for j := range cols {
		cols[j] = "sample" + strconv.Itoa(j)
	}
	path := filepath.Join(dir, "input.csv")
	if err := table.Write(context.Background(), path, table.New(rows, cols, data)); err != nil {
		t.Fatal(err)
	}
	return path
}

// Components returns a genes x k matrix of orthonormal components
// with disjoint supports.
func Components(genes, k int, seed int64) *mat.Dense {
	r := rand.New(rand.NewSource(seed))
	m := mat.NewDense(genes, k, nil)
	width := genes / k
	for c := 0; c < k; c++ {
		var norm float64
		for i := c * width; i < (c+1)*width; i++ {
			v := r.NormFloat64()
			m.Set(i, c, v)
			norm += v * v
		}
		norm = math.Sqrt(norm)
		for i := c * width; i < (c+1)*width; i++ {
			m.Set(i, c, m.At(i, c)/norm)
		}
	}
	return m
}

// A Permuted decomposer returns the columns of Base in an order and
// with signs chosen by the seed, perturbed by Gaussian noise of
// standard deviation Noise. The mixing matrix is random. Base must
// have as many columns as the number of components requested.
type Permuted struct {
	Base  *mat.Dense
	Noise float64
}

// Decompose implements runner.Decomposer.
func (p Permuted) Decompose(ctx context.Context, x mat.Matrix, k int, seed uint64) (s, a *mat.Dense, err error) {
	genes, samples := x.Dims()
	r := rand.New(rand.NewSource(int64(seed)))
	perm := r.Perm(k)
	s = mat.NewDense(genes, k, nil)
	for c := 0; c < k; c++ {
		sign := 1.0
		if r.Intn(2) == 0 {
			sign = -1
		}
		var norm float64
		for i := 0; i < genes; i++ {
			v := sign*p.Base.At(i, perm[c]) + p.Noise*r.NormFloat64()
			s.Set(i, c, v)
			norm += v * v
		}
		norm = math.Sqrt(norm)
		for i := 0; i < genes; i++ {
			s.Set(i, c, s.At(i, c)/norm)
		}
	}
	a = mat.NewDense(samples, k, nil)
	for i := 0; i < samples; i++ {
		for c := 0; c < k; c++ {
			a.Set(i, c, r.NormFloat64())
		}
	}
	return s, a, ctx.Err()
}

// Blocking is a decomposer that never completes: it returns only once
// its context is done.
type Blocking struct{}

// Decompose implements runner.Decomposer.
func (Blocking) Decompose(ctx context.Context, x mat.Matrix, k int, seed uint64) (s, a *mat.Dense, err error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

// Stuck is a decomposer that ignores its context: it sleeps for Delay
// before returning the context's error.
type Stuck struct {
	Delay time.Duration
}

// Decompose implements runner.Decomposer.
func (d Stuck) Decompose(ctx context.Context, x mat.Matrix, k int, seed uint64) (s, a *mat.Dense, err error) {
	time.Sleep(d.Delay)
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return nil, nil, errors.E(errors.Timeout, "decomposition did not converge")
}

// Random is a decomposer that returns normally distributed component
// and mixing matrices of the requested shape.
type Random struct{}

// Decompose implements runner.Decomposer.
func (Random) Decompose(ctx context.Context, x mat.Matrix, k int, seed uint64) (s, a *mat.Dense, err error) {
	genes, samples := x.Dims()
	r := rand.New(rand.NewSource(int64(seed)))
	s = mat.NewDense(genes, k, nil)
	for i := 0; i < genes; i++ {
		for c := 0; c < k; c++ {
			s.Set(i, c, r.NormFloat64())
		}
	}
	a = mat.NewDense(samples, k, nil)
	for i := 0; i < samples; i++ {
		for c := 0; c < k; c++ {
			a.Set(i, c, r.NormFloat64())
		}
	}
	return s, a, ctx.Err()
}
