// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigica/collective"
	"github.com/grailbio/bigica/distance"
	"github.com/grailbio/bigica/icatest"
	"github.com/grailbio/bigica/layout"
	"github.com/grailbio/bigica/runner"
	"github.com/grailbio/bigica/table"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func TestDBSCAN(t *testing.T) {
	// 0-1-2 form a dense triangle; 3 borders 2; 4-5 are a pair below
	// the minimum; 6 is isolated.
	g := NewGraph(7)
	g.Connect(0, 1)
	g.Connect(1, 2)
	g.Connect(0, 2)
	g.Connect(2, 3)
	g.Connect(4, 5)
	labels, n := DBSCAN(g, 3)
	assert.EQ(t, n, 1)
	assert.EQ(t, labels, []int{0, 0, 0, 0, Noise, Noise, Noise})

	labels, n = DBSCAN(g, 2)
	assert.EQ(t, n, 2)
	assert.EQ(t, labels, []int{0, 0, 0, 0, 1, 1, Noise})

	labels, n = DBSCAN(g, 1)
	assert.EQ(t, n, 3)
	assert.EQ(t, labels, []int{0, 0, 0, 0, 1, 1, 2})
}

func TestDBSCANBorder(t *testing.T) {
	// Point 2 is a border point reached from two core points.
	g := NewGraph(5)
	g.Connect(0, 1)
	g.Connect(1, 2)
	g.Connect(2, 3)
	g.Connect(3, 4)
	g.Connect(0, 4)
	g.Connect(0, 3)
	g.Connect(1, 4)
	labels, n := DBSCAN(g, 4)
	assert.EQ(t, n, 1)
	for i, label := range labels {
		if label != 0 {
			t.Errorf("point %d: got %d, want 0", i, label)
		}
	}

	chain := NewGraph(4)
	chain.Connect(0, 1)
	chain.Connect(1, 2)
	chain.Connect(2, 3)
	labels, n = DBSCAN(chain, 3)
	assert.EQ(t, n, 1)
	assert.EQ(t, labels, []int{0, 0, 0, 0})
}

func TestMinSamples(t *testing.T) {
	for _, c := range []struct {
		frac       float64
		runs, want int
	}{
		{0.5, 6, 4},
		{0.5, 5, 3},
		{0.5, 3, 3},
		{0.5, 1, 1},
		{0.25, 10, 3},
		{0, 10, 1},
	} {
		if got := MinSamples(c.frac, c.runs); got != c.want {
			t.Errorf("MinSamples(%v, %d): got %d, want %d", c.frac, c.runs, got, c.want)
		}
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Job{}.WithDefaults().Validate())
	for _, job := range []Job{
		{Eps: 1, MinFrac: 0.5},
		{Eps: -0.1, MinFrac: 0.5},
		{Eps: 0.1, MinFrac: 2},
	} {
		if err := job.Validate(); !errors.Is(errors.Invalid, err) {
			t.Errorf("%+v: got %v, want Invalid", job, err)
		}
	}
}

const (
	genes   = 100
	samples = 20
	k       = 3
)

// setup runs the runner and distance stages for the provided number
// of runs in dir and returns the base components of the runs.
func setup(t *testing.T, dir string, runs int) *mat.Dense {
	t.Helper()
	base := icatest.Components(genes, k, 1)
	job := runner.Job{
		Input:      icatest.WriteInput(t, dir, genes, samples, 1),
		Iterations: runs,
		Dims:       k,
		OutDir:     dir,
		JobID:      "cluster",
	}
	d := icatest.Permuted{Base: base, Noise: 0.01}
	_, err := icatest.Run(context.Background(), 2, func(ctx context.Context, comm collective.Comm) error {
		if err := runner.Run(ctx, comm, job, d); err != nil {
			return err
		}
		return distance.Run(ctx, comm, distance.Job{Iterations: runs, OutDir: dir, UseManifest: true})
	})
	if err != nil {
		t.Fatal(err)
	}
	return base
}

func TestRun(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	const runs = 6
	base := setup(t, dir, runs)
	ctx := context.Background()
	res, err := Run(ctx, Job{Iterations: runs, OutDir: dir, UseManifest: true})
	assert.NoError(t, err)
	assert.EQ(t, res.Runs, runs)
	assert.EQ(t, len(res.Stats), k)
	for i, s := range res.Stats {
		if got, want := s.Count, runs; got != want {
			t.Errorf("cluster %d: got %d members, want %d", i, got, want)
		}
		if s.SMeanStd <= 0 || s.AMeanStd <= 0 {
			t.Errorf("cluster %d: bad stats %+v", i, s)
		}
	}

	// Each centroid recovers a distinct base component.
	m, err := table.Read(ctx, filepath.Join(dir, CentroidsFile))
	assert.NoError(t, err)
	r, c := m.Dims()
	assert.EQ(t, r, genes)
	assert.EQ(t, c, k)
	assert.EQ(t, m.Cols, table.Labels(k))
	matched := make(map[int]bool)
	for i := 0; i < k; i++ {
		centroid := mat.Col(nil, i, m.Data)
		for j := 0; j < k; j++ {
			if corr := stat.Correlation(centroid, mat.Col(nil, j, base), nil); math.Abs(corr) > 0.99 {
				matched[j] = true
			}
		}
	}
	assert.EQ(t, len(matched), k)

	a, err := table.Read(ctx, filepath.Join(dir, MixingFile))
	assert.NoError(t, err)
	r, c = a.Dims()
	assert.EQ(t, r, k)
	assert.EQ(t, c, samples)
	assert.EQ(t, a.Rows, table.Labels(k))

	stats, err := table.Read(ctx, filepath.Join(dir, ComponentsFile))
	assert.NoError(t, err)
	assert.EQ(t, stats.Cols, []string{"S_mean_std", "A_mean_std", "count"})
	for i := 0; i < k; i++ {
		assert.EQ(t, stats.Data.At(i, 2), float64(runs))
	}

	if _, err := os.Stat(layout.TmpDir(dir)); !os.IsNotExist(err) {
		t.Errorf("temporary directory was not removed: %v", err)
	}
}

func TestRunKeepTmp(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	setup(t, dir, 4)
	_, err := Run(context.Background(), Job{Iterations: 4, OutDir: dir, KeepTmp: true})
	assert.NoError(t, err)
	if _, err := os.Stat(layout.Distance(layout.TmpDir(dir), 0, 3)); err != nil {
		t.Error(err)
	}
}

func TestRunNoClusters(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	setup(t, dir, 4)
	// Each neighborhood holds one component from each of four runs.
	_, err := Run(context.Background(), Job{OutDir: dir, MinFrac: 1, Eps: 0.1, KeepTmp: true})
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestAlign(t *testing.T) {
	ms := []member{
		{s: []float64{-3, 1, 0}, a: []float64{1, 2}},
		{s: []float64{-2.9, 1.1, 0}, a: []float64{1, 2}},
		{s: []float64{3, -1, 0.1}, a: []float64{-1, -2}},
	}
	align(ms)
	assert.EQ(t, ms[0].s, []float64{3, -1, 0})
	assert.EQ(t, ms[0].a, []float64{-1, -2})
	assert.EQ(t, ms[1].s, []float64{2.9, -1.1, 0})
	assert.EQ(t, ms[2].s, []float64{3, -1, 0.1})
	assert.EQ(t, ms[2].a, []float64{-1, -2})
}
