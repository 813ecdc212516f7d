// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package distance implements the distance stage of the ICA pipeline:
// the thresholded similarity between the components of every pair of
// completed runs. Pairs are partitioned round-robin across the
// workers of an SPMD job; each worker holds at most two component
// matrices in memory at a time and persists each pair's similarity as
// a sparse matrix in the job's intermediate directory.
package distance

import (
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigica/collective"
	"github.com/grailbio/bigica/internal/elapsed"
	"github.com/grailbio/bigica/layout"
	"github.com/grailbio/bigica/partition"
	"github.com/grailbio/bigica/sparse"
	"github.com/grailbio/bigica/stats"
	"github.com/grailbio/bigica/table"
	"github.com/spaolacci/murmur3"
)

func init() {
	gob.Register(Job{})
}

// Job describes a distance job.
type Job struct {
	// Iterations is the number of runs requested of the runner. It is
	// informational only: the compared runs are those present in the
	// intermediate directory.
	Iterations int
	// OutDir is the output directory of the runner job. If empty, the
	// current working directory is used.
	OutDir string
	// UseManifest compares the runs certified by the runner's
	// manifest, if present, instead of the discovered runs.
	UseManifest bool
}

// Run computes the calling worker's share of the similarity matrices
// of the job: the pairs assigned to comm's rank among comm.Size()
// workers. Run returns once every worker has written its pairs.
func Run(ctx context.Context, comm collective.Comm, job Job) error {
	out, err := layout.OutDir(job.OutDir)
	if err != nil {
		return err
	}
	tmp := layout.TmpDir(out)
	rank, size := comm.Rank(), comm.Size()
	start := time.Now()
	runs, err := Runs(ctx, tmp, job.UseManifest)
	if err != nil {
		return err
	}
	if err := agree(ctx, comm, runs); err != nil {
		return err
	}
	pairs := Pairs(runs)
	if rank == 0 {
		log.Printf("computing distances: %d runs of %d requested, %d pairs over %d workers",
			len(runs), job.Iterations, len(pairs), size)
	}
	var mine []Pair
	for _, k := range partition.RoundRobin(len(pairs), size)[rank] {
		mine = append(mine, pairs[k])
	}

	errc := make(chan error, 1)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { errc <- computeAll(ctx, tmp, rank, mine) }()
	select {
	case err := <-errc:
		if err != nil {
			return errors.E(errors.Fatal, fmt.Sprintf("distance: worker %d", rank), err)
		}
	case <-comm.Done():
		return comm.Err()
	}
	if err := comm.Barrier(ctx); err != nil {
		return err
	}
	if rank == 0 {
		log.Printf("distance matrix completed: %s", elapsed.Since(start))
	}
	return nil
}

// agree checks that every rank discovered the same runs as rank 0.
// Ranks that disagree would otherwise partition different pair lists.
func agree(ctx context.Context, comm collective.Comm, runs []int) error {
	fp := fingerprint(runs)
	want, err := comm.Bcast(ctx, 0, fp)
	if err != nil {
		return err
	}
	if fp != want {
		return errors.E(errors.Precondition, fmt.Sprintf("distance: worker %d discovered runs %v, which differ from those of worker 0", comm.Rank(), runs))
	}
	return nil
}

func fingerprint(runs []int) int {
	h := murmur3.New32()
	var buf [8]byte
	for _, run := range runs {
		binary.LittleEndian.PutUint64(buf[:], uint64(run))
		h.Write(buf[:])
	}
	return int(h.Sum32())
}

// computeAll computes and writes the similarity matrices of pairs.
// Pairs sharing their first run consecutively reuse its component
// matrix.
func computeAll(ctx context.Context, tmp string, rank int, pairs []Pair) error {
	var (
		s1    *table.Table
		s1run = -1
		total data.Size
	)
	counters := stats.FromContext(ctx)
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.I != s1run {
			var err error
			if s1, err = table.Read(ctx, layout.Components(tmp, p.I)); err != nil {
				return err
			}
			s1run = p.I
		}
		s2 := s1
		if p.J != p.I {
			var err error
			if s2, err = table.Read(ctx, layout.Components(tmp, p.J)); err != nil {
				return err
			}
		}
		sim, err := Similarity(s1, s2)
		if err != nil {
			return errors.E(err, fmt.Sprintf("pair %s", p))
		}
		m := sparse.FromDense(sim)
		if err := sparse.WriteFile(ctx, layout.Distance(tmp, p.I, p.J), m); err != nil {
			return err
		}
		total += data.Size(12 * m.NNZ())
		counters.Int("pairs").Add(1)
		counters.Int("entries").Add(int64(m.NNZ()))
		log.Debug.Printf("worker %d: pair %s: %d of %d entries retained", rank, p, m.NNZ(), m.Rows*m.Cols)
	}
	log.Debug.Printf("worker %d: wrote %d pairs, %s of entries", rank, len(pairs), total)
	return nil
}
