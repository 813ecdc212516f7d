// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Bigica runs the complete ICA pipeline in a single launch: ICA with
// random restarts, the distances between the components of all runs,
// and their clustering. The restart and distance stages share the
// session's workers.
package main

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigica/cluster"
	"github.com/grailbio/bigica/distance"
	"github.com/grailbio/bigica/ica"
	"github.com/grailbio/bigica/icacmd"
	"github.com/grailbio/bigica/internal/elapsed"
	"github.com/grailbio/bigica/runner"
	"github.com/grailbio/bigica/spmd"
)

func main() {
	var (
		input      = flag.String("f", "", "path to expression data file")
		iterations = flag.Int("i", 0, "number of ICA runs")
		dims       = flag.Int("d", 0, "number of dimensions to search for; 0 selects by PCA")
		tol        = flag.Float64("tol", ica.DefaultTol, "ICA convergence tolerance")
		timeout    = flag.Int("time", int(runner.DefaultTimeout/time.Second), "timeout of each worker's runs in seconds")
		out        = flag.String("o", "", "path to output file directory (default: current directory)")
		eps        = flag.Float64("dist", cluster.DefaultEps, "maximum distance between points in a cluster")
		minFrac    = flag.Float64("m", cluster.DefaultMinFrac, "minimum fraction of runs in a cluster")
		keepTmp    = flag.Bool("keeptmp", false, "keep the intermediate directory")
	)
	flag.Float64Var(tol, "t", ica.DefaultTol, "shorthand for -tol")
	icacmd.Main(func(sess *spmd.Session, workers int, args []string) error {
		if *input == "" {
			return errors.New("missing flag -f")
		}
		if *iterations < 1 {
			return errors.New("flag -i must be positive")
		}
		ctx := context.Background()
		start := time.Now()
		run := runner.Job{
			Input:      *input,
			Iterations: *iterations,
			Dims:       *dims,
			Tol:        *tol,
			Timeout:    time.Duration(*timeout) * time.Second,
			OutDir:     *out,
			JobID:      uuid.New().String(),
		}
		if err := sess.Run(ctx, workers, runner.Func, run); err != nil {
			return err
		}
		dist := distance.Job{
			Iterations:  *iterations,
			OutDir:      *out,
			UseManifest: true,
		}
		if err := sess.Run(ctx, workers, distance.Func, dist); err != nil {
			return err
		}
		_, err := cluster.Run(ctx, cluster.Job{
			Iterations:  *iterations,
			OutDir:      *out,
			Eps:         *eps,
			MinFrac:     *minFrac,
			UseManifest: true,
			KeepTmp:     *keepTmp,
		})
		if err != nil {
			return err
		}
		log.Printf("pipeline complete: %s; %s", elapsed.Since(start), sess.Stats())
		return nil
	})
}
