// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Restartica runs ICA with random initializations over a number of
// workers. The components and mixing matrices of each run are
// written to the tmp directory of the output directory.
package main

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/bigica/ica"
	"github.com/grailbio/bigica/icacmd"
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
	)
	flag.Float64Var(tol, "t", ica.DefaultTol, "shorthand for -tol")
	icacmd.Main(func(sess *spmd.Session, workers int, args []string) error {
		if *input == "" {
			return errors.New("missing flag -f")
		}
		if *iterations < 1 {
			return errors.New("flag -i must be positive")
		}
		job := runner.Job{
			Input:      *input,
			Iterations: *iterations,
			Dims:       *dims,
			Tol:        *tol,
			Timeout:    time.Duration(*timeout) * time.Second,
			OutDir:     *out,
			JobID:      uuid.New().String(),
		}
		return sess.Run(context.Background(), workers, runner.Func, job)
	})
}
