// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Clustercomponents clusters the independent components of all ICA
// runs using DBSCAN over the distances computed by icadistance. It
// runs on the driver only.
package main

import (
	"context"
	"errors"
	"flag"

	"github.com/grailbio/bigica/cluster"
	"github.com/grailbio/bigica/icacmd"
	"github.com/grailbio/bigica/spmd"
)

func main() {
	var (
		iterations = flag.Int("i", 0, "number of ICA runs")
		eps        = flag.Float64("dist", cluster.DefaultEps, "maximum distance between points in a cluster")
		minFrac    = flag.Float64("m", cluster.DefaultMinFrac, "minimum fraction of runs in a cluster")
		out        = flag.String("o", "", "path to output file directory (default: current directory)")
		keepTmp    = flag.Bool("keeptmp", false, "keep the intermediate directory")
		manifest   = flag.Bool("manifest", true, "cluster the runs certified by the runner's manifest, if present")
	)
	icacmd.Main(func(_ *spmd.Session, _ int, args []string) error {
		if *iterations < 1 {
			return errors.New("flag -i must be positive")
		}
		_, err := cluster.Run(context.Background(), cluster.Job{
			Iterations:  *iterations,
			OutDir:      *out,
			Eps:         *eps,
			MinFrac:     *minFrac,
			UseManifest: *manifest,
			KeepTmp:     *keepTmp,
		})
		return err
	})
}
