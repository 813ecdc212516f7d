// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package runner implements the restart stage of the ICA pipeline.
// Each worker of an SPMD job decomposes the shared input matrix once
// for every run assigned to it by round-robin partitioning, writing
// the run's component and mixing matrices to the job's intermediate
// directory. A watchdog bounds the worker's total time; exceeding it
// aborts every worker of the job.
//
// Once all workers have completed their runs, rank 0 writes a
// manifest certifying the complete set of runs, which is consulted
// by the distance stage. Workers return after the manifest is
// written. Rank 0 removes any earlier manifest when the job starts,
// so an aborted job never leaves one behind.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigica/collective"
	"github.com/grailbio/bigica/ica"
	"github.com/grailbio/bigica/internal/elapsed"
	"github.com/grailbio/bigica/layout"
	"github.com/grailbio/bigica/partition"
	"github.com/grailbio/bigica/stats"
	"github.com/grailbio/bigica/table"
	"github.com/spaolacci/murmur3"
	"gonum.org/v1/gonum/mat"
)

// A Decomposer decomposes a genes-by-samples matrix x into k
// components from random initial conditions drawn from seed. s is the
// genes-by-components source matrix and a is the samples-by-components
// mixing matrix. Decompose should return promptly once ctx is done.
type Decomposer interface {
	Decompose(ctx context.Context, x mat.Matrix, k int, seed uint64) (s, a *mat.Dense, err error)
}

// Seed returns the random seed of the provided run of a job.
func Seed(jobID string, run int) uint64 {
	return murmur3.Sum64([]byte(fmt.Sprintf("%s/%d", jobID, run)))
}

// Run runs the calling worker's share of the job: the runs assigned
// to comm's rank among comm.Size() workers. If d is nil, runs are
// decomposed by FastICA with the job's tolerance and unbounded
// iterations.
//
// Run returns the abort cause if the job is aborted, including by the
// worker's own watchdog, even if a decomposition is still in flight.
func Run(ctx context.Context, comm collective.Comm, job Job, d Decomposer) error {
	job = job.WithDefaults()
	if err := job.Validate(); err != nil {
		return err
	}
	if d == nil {
		d = ica.FastICA{Tol: job.Tol}
	}
	out, err := layout.OutDir(job.OutDir)
	if err != nil {
		return err
	}
	tmp := layout.TmpDir(out)
	rank, size := comm.Rank(), comm.Size()
	start := time.Now()
	if rank == 0 {
		log.Printf("setting up job %s: %d runs over %d workers", job.JobID, job.Iterations, size)
		// A manifest left by an earlier job no longer describes the
		// runs in tmp once this job starts writing them.
		if err := layout.RemoveManifest(ctx, tmp); err != nil {
			return err
		}
	}

	x, err := table.Read(ctx, job.Input)
	if err != nil {
		return err
	}
	genes, samples := x.Dims()
	k := job.Dims
	if k == 0 {
		k, err = ica.Dimensionality(x.Data.T(), ica.DefaultVarianceThreshold)
		if err != nil {
			return errors.E(err, fmt.Sprintf("dimensionality of %s", job.Input))
		}
		if rank == 0 {
			log.Printf("data: %d genes x %d samples", genes, samples)
			log.Printf("found %d dimensions from PCA", k)
		}
	}

	runs := make([]int, job.Iterations)
	for i := range runs {
		runs[i] = i
	}
	tasks := partition.Rank(runs, size, rank)
	if rank == 0 {
		log.Debug.Printf("run assignment: %v", partition.Ints(runs, size))
		log.Printf("%s; running ICA", elapsed.Since(start))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wd := NewWatchdog(job.Timeout, comm.Abort)
	wd.Name = fmt.Sprintf("worker %d", rank)
	wd.Start(time.Now())
	defer wd.Stop()

	w := &worker{
		rank:  rank,
		job:   job,
		tmp:   tmp,
		x:     x,
		k:     k,
		d:     d,
		watch: wd,
	}
	errc := make(chan error, 1)
	go func() { errc <- w.runAll(ctx, tasks) }()
	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-comm.Done():
		cancel()
		return comm.Err()
	}
	wd.Done()

	if err := comm.Barrier(ctx); err != nil {
		return err
	}
	if rank == 0 {
		manifest := layout.Manifest{
			Job:        job.JobID,
			Iterations: job.Iterations,
			Components: k,
			Runs:       runs,
			Workers:    size,
			Written:    time.Now().UTC(),
		}
		if err := layout.WriteManifest(ctx, tmp, manifest); err != nil {
			return err
		}
		log.Printf("all ICA runs complete: %s", elapsed.Since(start))
	}
	// Workers return once the manifest is in place.
	return comm.Barrier(ctx)
}

// A worker holds the state of a single rank's runs.
type worker struct {
	rank  int
	job   Job
	tmp   string
	x     *table.Table
	k     int
	d     Decomposer
	watch *Watchdog
}

func (w *worker) runAll(ctx context.Context, tasks []int) error {
	completed := stats.FromContext(ctx).Int("runs")
	last := time.Now()
	for c, run := range tasks {
		w.watch.Running(run)
		if err := w.run(ctx, run); err != nil {
			return errors.E(errors.Fatal, fmt.Sprintf("worker %d: run %d", w.rank, run), err)
		}
		completed.Add(1)
		logf := log.Debug.Printf
		if w.rank == 0 {
			logf = log.Printf
		}
		logf("completed run %d of %d on worker %d: %s", c+1, len(tasks), w.rank, elapsed.Since(last))
		last = time.Now()
	}
	return nil
}

func (w *worker) run(ctx context.Context, run int) error {
	s, a, err := w.d.Decompose(ctx, w.x.Data, w.k, Seed(w.job.JobID, run))
	if err != nil {
		return err
	}
	genes, samples := w.x.Dims()
	if r, c := s.Dims(); r != genes || c != w.k {
		return errors.E(errors.Invalid, fmt.Sprintf("component matrix is %dx%d, want %dx%d", r, c, genes, w.k))
	}
	if r, c := a.Dims(); r != samples || c != w.k {
		return errors.E(errors.Invalid, fmt.Sprintf("mixing matrix is %dx%d, want %dx%d", r, c, samples, w.k))
	}
	labels := table.Labels(w.k)
	if err := table.Write(ctx, layout.Components(w.tmp, run), table.New(w.x.Rows, labels, s)); err != nil {
		return err
	}
	return table.Write(ctx, layout.Mixing(w.tmp, run), table.New(w.x.Cols, labels, a))
}
