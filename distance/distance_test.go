// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distance

import (
	"context"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigica/collective"
	"github.com/grailbio/bigica/icatest"
	"github.com/grailbio/bigica/layout"
	"github.com/grailbio/bigica/runner"
	"github.com/grailbio/bigica/sparse"
	"github.com/grailbio/bigica/spmd"
	"github.com/grailbio/bigica/table"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"gonum.org/v1/gonum/mat"
)

// setup runs a runner job of the provided number of runs over two
// workers in dir.
func setup(t *testing.T, dir string, runs int) {
	t.Helper()
	const (
		genes   = 100
		samples = 20
		k       = 3
	)
	job := runner.Job{
		Input:      icatest.WriteInput(t, dir, genes, samples, 1),
		Iterations: runs,
		Dims:       k,
		OutDir:     dir,
		JobID:      "distance",
	}
	d := icatest.Permuted{Base: icatest.Components(genes, k, 1)}
	_, err := icatest.Run(context.Background(), 2, func(ctx context.Context, comm collective.Comm) error {
		return runner.Run(ctx, comm, job, d)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func runDistance(job Job, workers int) error {
	_, err := icatest.Run(context.Background(), workers, func(ctx context.Context, comm collective.Comm) error {
		return Run(ctx, comm, job)
	})
	return err
}

func distFiles(t *testing.T, tmp string) []string {
	t.Helper()
	names, err := filepath.Glob(filepath.Join(tmp, "dist_*"+layout.SparseExt))
	if err != nil {
		t.Fatal(err)
	}
	for i := range names {
		names[i] = filepath.Base(names[i])
	}
	sort.Strings(names)
	return names
}

func TestRun(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	setup(t, dir, 3)
	assert.NoError(t, runDistance(Job{Iterations: 3, OutDir: dir, UseManifest: true}, 2))
	tmp := layout.TmpDir(dir)
	assert.EQ(t, distFiles(t, tmp), []string{
		"dist_0_0.coo.zst", "dist_0_1.coo.zst", "dist_0_2.coo.zst",
		"dist_1_1.coo.zst", "dist_1_2.coo.zst", "dist_2_2.coo.zst",
	})
	ctx := context.Background()
	for _, run := range []int{0, 1, 2} {
		m, err := sparse.ReadFile(ctx, layout.Distance(tmp, run, run))
		assert.NoError(t, err)
		d := m.Dense()
		for c := 0; c < 3; c++ {
			if v := d.At(c, c); math.Abs(v-1) > 1e-9 {
				t.Errorf("run %d: self-similarity of component %d is %v", run, c, v)
			}
		}
	}
	// Runs differ only by permutation and sign of the same orthonormal
	// components, so every pair matches each component exactly once.
	m, err := sparse.ReadFile(ctx, layout.Distance(tmp, 0, 2))
	assert.NoError(t, err)
	assert.EQ(t, m.NNZ(), 3)
}

func TestRunMissing(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	setup(t, dir, 3)
	tmp := layout.TmpDir(dir)
	assert.NoError(t, os.Remove(layout.Components(tmp, 1)))

	err := runDistance(Job{Iterations: 3, OutDir: dir, UseManifest: true}, 2)
	if !errors.Is(errors.Precondition, err) {
		t.Fatalf("got %v, want precondition", err)
	}
	assert.EQ(t, distFiles(t, tmp), []string(nil))

	assert.NoError(t, runDistance(Job{Iterations: 3, OutDir: dir}, 2))
	assert.EQ(t, distFiles(t, tmp), []string{
		"dist_0_0.coo.zst", "dist_0_2.coo.zst", "dist_2_2.coo.zst",
	})
}

func TestRunCorrupt(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	setup(t, dir, 2)
	tmp := layout.TmpDir(dir)
	f, err := os.Create(layout.Components(tmp, 1))
	assert.NoError(t, err)
	_, err = f.WriteString(",0,1\ngene0,1\n")
	assert.NoError(t, err)
	assert.NoError(t, f.Close())
	if err := runDistance(Job{OutDir: dir}, 3); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestAgree(t *testing.T) {
	ctx := context.Background()
	errs, err := icatest.Run(ctx, 3, func(ctx context.Context, comm collective.Comm) error {
		return agree(ctx, comm, []int{0, 1, 3})
	})
	assert.NoError(t, err)
	assert.EQ(t, errs, []error{nil, nil, nil})

	errs, _ = icatest.Run(ctx, 3, func(ctx context.Context, comm collective.Comm) error {
		runs := []int{0, 1, 3}
		if comm.Rank() == 2 {
			// A runner was still writing run 4 when rank 0 listed.
			runs = append(runs, 4)
		}
		return agree(ctx, comm, runs)
	})
	if !errors.Is(errors.Precondition, errs[2]) {
		t.Errorf("got %v, want precondition", errs[2])
	}
}

func TestDiscover(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	for _, name := range []string{
		"proc_10_S.csv", "proc_2_S.csv", "proc_2_A.csv", "proc_x_S.csv",
		"dist_0_0.coo.zst", "proc_0_S.csv", "manifest.json",
	} {
		assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	runs, err := Discover(context.Background(), dir)
	assert.NoError(t, err)
	assert.EQ(t, runs, []int{0, 2, 10})
}

func TestPairs(t *testing.T) {
	assert.EQ(t, Pairs([]int{0, 2, 5}), []Pair{
		{0, 0}, {0, 2}, {0, 5}, {2, 2}, {2, 5}, {5, 5},
	})
	assert.EQ(t, len(Pairs(nil)), 0)
	for k := 0; k < 20; k++ {
		runs := make([]int, k)
		for i := range runs {
			runs[i] = 2 * i
		}
		pairs := Pairs(runs)
		if got, want := len(pairs), k*(k+1)/2; got != want {
			t.Errorf("k=%d: got %v, want %v", k, got, want)
		}
		seen := make(map[Pair]bool)
		for _, p := range pairs {
			if p.I > p.J {
				t.Errorf("pair %s is not ordered", p)
			}
			if seen[p] {
				t.Errorf("duplicate pair %s", p)
			}
			seen[p] = true
		}
	}
}

func TestThreshold(t *testing.T) {
	fz := fuzz.NewWithSeed(31415)
	for iter := 0; iter < 50; iter++ {
		m := mat.NewDense(4, 5, nil)
		for i := 0; i < 4; i++ {
			for j := 0; j < 5; j++ {
				var v int8
				fz.Fuzz(&v)
				m.Set(i, j, float64(v)/64)
			}
		}
		Threshold(m)
		for i := 0; i < 4; i++ {
			for j := 0; j < 5; j++ {
				if v := m.At(i, j); v != 0 && (v < MinSimilarity || v > 1) {
					t.Fatalf("entry (%d, %d) = %v after threshold", i, j, v)
				}
			}
		}
		again := mat.DenseCopyOf(m)
		Threshold(again)
		if !mat.Equal(again, m) {
			t.Fatal("threshold is not idempotent")
		}
	}
}

func TestSimilarity(t *testing.T) {
	rows := []string{"a", "b", "c", "d"}
	s1 := table.New(rows, table.Labels(2), mat.NewDense(4, 2, []float64{
		1, 0,
		0, 0.6,
		0, 0.8,
		0, 0,
	}))
	s2 := table.New(rows, table.Labels(2), mat.NewDense(4, 2, []float64{
		-1, 0,
		0, 0,
		0, 0.4,
		0, 0,
	}))
	sim, err := Similarity(s1, s2)
	assert.NoError(t, err)
	want := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 0,
	})
	if !mat.Equal(sim, want) {
		t.Errorf("got %v, want %v", mat.Formatted(sim), mat.Formatted(want))
	}
	s3 := table.New([]string{"a", "b", "x", "d"}, table.Labels(2), mat.NewDense(4, 2, nil))
	if _, err := Similarity(s1, s3); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestFunc(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	setup(t, dir, 2)
	sess := spmd.Start(spmd.Local)
	defer sess.Shutdown()
	ctx := context.Background()
	assert.NoError(t, sess.Run(ctx, 3, Func, Job{Iterations: 2, OutDir: dir, UseManifest: true}))
	assert.EQ(t, distFiles(t, layout.TmpDir(dir)), []string{
		"dist_0_0.coo.zst", "dist_0_1.coo.zst", "dist_1_1.coo.zst",
	})
	vals := sess.Stats()
	assert.EQ(t, vals["pairs"], int64(3))
	// Each pair of runs matches every one of its three components.
	assert.EQ(t, vals["entries"], int64(9))
	if err := sess.Run(ctx, 2, Func, "job"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}
