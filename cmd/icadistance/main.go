// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Icadistance computes the thresholded similarity between the
// components of every pair of ICA runs written by restartica.
package main

import (
	"context"
	"errors"
	"flag"

	"github.com/grailbio/bigica/distance"
	"github.com/grailbio/bigica/icacmd"
	"github.com/grailbio/bigica/spmd"
)

func main() {
	var (
		iterations = flag.Int("i", 0, "number of ICA runs")
		out        = flag.String("o", "", "path to output file directory (default: current directory)")
		manifest   = flag.Bool("manifest", true, "compare the runs certified by the runner's manifest, if present")
	)
	icacmd.Main(func(sess *spmd.Session, workers int, args []string) error {
		if *iterations < 1 {
			return errors.New("flag -i must be positive")
		}
		job := distance.Job{
			Iterations:  *iterations,
			OutDir:      *out,
			UseManifest: *manifest,
		}
		return sess.Run(context.Background(), workers, distance.Func, job)
	})
}
