// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cluster implements the final stage of the ICA pipeline: the
// components of all runs are clustered by DBSCAN over the distances
// computed by the distance stage, and each cluster is summarized by
// its centroid. Robust components recur across random restarts, and
// thus form dense clusters.
//
// Clustering runs on the coordinator only. The sparse similarity
// blocks of all pairs are combined into a single neighborhood graph;
// pairs of components whose similarity was thresholded away are never
// neighbors.
package cluster

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigica/distance"
	"github.com/grailbio/bigica/internal/elapsed"
	"github.com/grailbio/bigica/layout"
	"github.com/grailbio/bigica/sparse"
	"github.com/grailbio/bigica/table"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	// DefaultEps is the default maximum distance between neighbors.
	DefaultEps = 0.1
	// DefaultMinFrac is the default minimum neighborhood size of core
	// components, as a fraction of the number of runs.
	DefaultMinFrac = 0.5
)

// Output file names, relative to the output directory.
const (
	CentroidsFile  = "M.csv"
	MixingFile     = "A.csv"
	ComponentsFile = "component_stats.csv"
)

// Job describes a clustering job.
type Job struct {
	// Iterations is the number of runs requested of the runner. It is
	// informational only.
	Iterations int
	// OutDir is the output directory of the runner and distance
	// jobs. If empty, the current working directory is used.
	OutDir string
	// Eps is the maximum distance (one minus similarity) between
	// neighboring components.
	Eps float64
	// MinFrac determines the minimum neighborhood size of core
	// components: round(MinFrac*runs)+1.
	MinFrac float64
	// UseManifest clusters the runs certified by the runner's
	// manifest, if present, instead of the discovered runs.
	UseManifest bool
	// KeepTmp retains the intermediate directory.
	KeepTmp bool
}

// WithDefaults returns a copy of the job with zero-valued parameters
// set to their defaults.
func (j Job) WithDefaults() Job {
	if j.Eps == 0 {
		j.Eps = DefaultEps
	}
	if j.MinFrac == 0 {
		j.MinFrac = DefaultMinFrac
	}
	return j
}

// Validate returns an error of kind errors.Invalid if the job's
// parameters are not valid.
func (j Job) Validate() error {
	if j.Eps <= 0 || j.Eps >= 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("cluster: eps %v not in (0, 1)", j.Eps))
	}
	if j.MinFrac < 0 || j.MinFrac > 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("cluster: min fraction %v not in [0, 1]", j.MinFrac))
	}
	return nil
}

// MinSamples returns the minimum neighborhood size of core components
// among the provided number of runs. Halves are rounded to even.
func MinSamples(minFrac float64, runs int) int {
	return int(math.RoundToEven(minFrac*float64(runs))) + 1
}

// A Stat summarizes a cluster.
type Stat struct {
	// SMeanStd and AMeanStd are the mean standard deviations of the
	// cluster's aligned member components and mixing vectors.
	SMeanStd, AMeanStd float64
	// Count is the number of members of the cluster.
	Count int
}

// Result is the outcome of a clustering job.
type Result struct {
	// Centroids are the centroids of the clusters' components, genes
	// by clusters.
	Centroids *table.Table
	// Mixing holds the centroids of the clusters' mixing vectors,
	// clusters by samples.
	Mixing *table.Table
	// Stats summarize each cluster.
	Stats []Stat
	// Runs is the number of clustered runs.
	Runs int
}

// Run clusters the components of the job's runs and writes the
// centroids and cluster statistics to the output directory. Unless
// KeepTmp is set, the intermediate directory is removed afterwards.
// It returns an error of kind errors.NotExist if no clusters are
// found.
func Run(ctx context.Context, job Job) (*Result, error) {
	job = job.WithDefaults()
	if err := job.Validate(); err != nil {
		return nil, err
	}
	out, err := layout.OutDir(job.OutDir)
	if err != nil {
		return nil, err
	}
	tmp := layout.TmpDir(out)
	start := time.Now()
	runs, err := distance.Runs(ctx, tmp, job.UseManifest)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("cluster: no runs in %s", tmp))
	}
	log.Printf("combining distance matrix of %d runs (%d requested)", len(runs), job.Iterations)
	g, offsets, err := readGraph(ctx, tmp, runs, job.Eps)
	if err != nil {
		return nil, err
	}
	log.Printf("%s; clustering %d components", elapsed.Since(start), g.Len())
	minSamples := MinSamples(job.MinFrac, len(runs))
	labels, n := DBSCAN(g, minSamples)
	log.Printf("identified %d clusters (min samples %d)", n, minSamples)
	if n == 0 {
		return nil, errors.E(errors.NotExist, "cluster: no clusters found")
	}
	res, err := centroids(ctx, tmp, runs, offsets, labels, n)
	if err != nil {
		return nil, err
	}
	res.Runs = len(runs)
	var robust int
	for _, s := range res.Stats {
		if float64(s.Count) > 0.5*float64(len(runs)) {
			robust++
		}
	}
	log.Printf("%d of %d clusters recur in more than half of the runs", robust, n)

	log.Printf("writing files to %s", out)
	if err := table.Write(ctx, file.Join(out, CentroidsFile), res.Centroids); err != nil {
		return nil, err
	}
	if err := table.Write(ctx, file.Join(out, MixingFile), res.Mixing); err != nil {
		return nil, err
	}
	if err := table.Write(ctx, file.Join(out, ComponentsFile), statsTable(res.Stats)); err != nil {
		return nil, err
	}
	if !job.KeepTmp {
		if err := removeAll(ctx, tmp); err != nil {
			return nil, err
		}
	}
	log.Printf("complete: %s", elapsed.Since(start))
	return res, nil
}

// readGraph reads the similarity blocks of all pairs of runs and
// returns the neighborhood graph of their components, together with
// the offset of each run's components in the graph.
func readGraph(ctx context.Context, tmp string, runs []int, eps float64) (*Graph, []int, error) {
	pairs := distance.Pairs(runs)
	blocks := make([]*sparse.COO, len(pairs))
	err := traverse.Each(len(pairs), func(i int) error {
		var err error
		blocks[i], err = sparse.ReadFile(ctx, layout.Distance(tmp, pairs[i].I, pairs[i].J))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	index := make(map[int]int, len(runs))
	for i, run := range runs {
		index[run] = i
	}
	sizes := make([]int, len(runs))
	for i, p := range pairs {
		if p.I == p.J {
			sizes[index[p.I]], _ = blocks[i].Dims()
		}
	}
	offsets := make([]int, len(runs)+1)
	for i, size := range sizes {
		offsets[i+1] = offsets[i] + size
	}
	g := NewGraph(offsets[len(runs)])
	for k, p := range pairs {
		oi, oj := offsets[index[p.I]], offsets[index[p.J]]
		if r, c := blocks[k].Dims(); r != sizes[index[p.I]] || c != sizes[index[p.J]] {
			return nil, nil, errors.E(errors.Integrity,
				fmt.Sprintf("cluster: pair %s has a %dx%d block, want %dx%d", p, r, c, sizes[index[p.I]], sizes[index[p.J]]))
		}
		blocks[k].Do(func(a, b int, v float64) {
			if 1-v > eps {
				return
			}
			// Self blocks are symmetric: connect each pair once.
			if p.I == p.J && a >= b {
				return
			}
			g.Connect(oi+a, oj+b)
		})
	}
	return g, offsets[:len(runs)], nil
}

// member is a component assigned to a cluster.
type member struct {
	s, a []float64
}

// centroids computes the centroid of each cluster's aligned members.
func centroids(ctx context.Context, tmp string, runs, offsets, labels []int, n int) (*Result, error) {
	var (
		members   = make([][]member, n)
		genes     []string
		samples   []string
		haveLabel bool
	)
	for i, run := range runs {
		s, err := table.Read(ctx, layout.Components(tmp, run))
		if err != nil {
			return nil, err
		}
		a, err := table.Read(ctx, layout.Mixing(tmp, run))
		if err != nil {
			return nil, err
		}
		if !haveLabel {
			genes, samples, haveLabel = s.Rows, a.Rows, true
		}
		_, k := s.Dims()
		if _, ka := a.Dims(); ka != k {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("cluster: run %d has %d components and %d mixing vectors", run, k, ka))
		}
		if len(s.Rows) != len(genes) || len(a.Rows) != len(samples) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("cluster: run %d has a different shape", run))
		}
		for c := 0; c < k; c++ {
			label := labels[offsets[i]+c]
			if label == Noise {
				continue
			}
			members[label] = append(members[label], member{
				s: mat.Col(nil, c, s.Data),
				a: mat.Col(nil, c, a.Data),
			})
		}
	}

	res := &Result{
		Centroids: table.New(genes, table.Labels(n), mat.NewDense(len(genes), n, nil)),
		Mixing:    table.New(table.Labels(n), samples, mat.NewDense(n, len(samples), nil)),
		Stats:     make([]Stat, n),
	}
	for label, ms := range members {
		align(ms)
		s, a := mean(ms, func(m member) []float64 { return m.s }), mean(ms, func(m member) []float64 { return m.a })
		res.Centroids.Data.SetCol(label, s)
		res.Mixing.Data.SetRow(label, a)
		res.Stats[label] = Stat{
			SMeanStd: meanStd(ms, func(m member) []float64 { return m.s }),
			AMeanStd: meanStd(ms, func(m member) []float64 { return m.a }),
			Count:    len(ms),
		}
	}
	return res, nil
}

// align orients the members of a cluster: the first member is
// oriented so that its largest magnitude is positive, and the rest
// are oriented to correlate positively with it.
func align(ms []member) {
	base := ms[0]
	if min, max := minMax(base.s); math.Abs(min) > max {
		flip(base)
	}
	for _, m := range ms[1:] {
		if stat.Correlation(m.s, base.s, nil) <= 0 {
			flip(m)
		}
	}
}

func flip(m member) {
	for i := range m.s {
		m.s[i] = -m.s[i]
	}
	for i := range m.a {
		m.a[i] = -m.a[i]
	}
}

func minMax(x []float64) (min, max float64) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, v := range x {
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	return
}

func mean(ms []member, vec func(member) []float64) []float64 {
	sum := make([]float64, len(vec(ms[0])))
	for _, m := range ms {
		for i, v := range vec(m) {
			sum[i] += v
		}
	}
	for i := range sum {
		sum[i] /= float64(len(ms))
	}
	return sum
}

// meanStd returns the mean over members of each member's population
// standard deviation.
func meanStd(ms []member, vec func(member) []float64) float64 {
	var sum float64
	for _, m := range ms {
		x := vec(m)
		_, v := stat.MeanVariance(x, nil)
		n := float64(len(x))
		sum += math.Sqrt(v * (n - 1) / n)
	}
	return sum / float64(len(ms))
}

func statsTable(stats []Stat) *table.Table {
	data := mat.NewDense(len(stats), 3, nil)
	for i, s := range stats {
		data.SetRow(i, []float64{s.SMeanStd, s.AMeanStd, float64(s.Count)})
	}
	return table.New(table.Labels(len(stats)), []string{"S_mean_std", "A_mean_std", "count"}, data)
}

// removeAll removes the files of the intermediate directory tmp, and
// the directory itself if it is local.
func removeAll(ctx context.Context, tmp string) error {
	var paths []string
	lister := file.List(ctx, tmp, true)
	for lister.Scan() {
		paths = append(paths, lister.Path())
	}
	if err := lister.Err(); err != nil {
		return err
	}
	err := traverse.Each(len(paths), func(i int) error {
		return file.Remove(ctx, paths[i])
	})
	if err != nil {
		return err
	}
	if strings.Contains(tmp, "://") {
		return nil
	}
	return os.Remove(tmp)
}
