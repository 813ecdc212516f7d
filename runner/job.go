// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runner

import (
	"encoding/gob"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigica/ica"
)

// DefaultTimeout is the default bound on the time a worker may spend
// on its runs.
const DefaultTimeout = 7200 * time.Second

func init() {
	gob.Register(Job{})
}

// Job describes a restart job: Iterations independent decompositions
// of the same input matrix, each from different random initial
// conditions.
type Job struct {
	// Input is the path of the input table: genes by samples, with row
	// labels in the first column and sample labels in the header.
	Input string
	// Iterations is the number of decompositions to run.
	Iterations int
	// Dims is the number of components to estimate. If zero, it is
	// chosen by principal component analysis of the input.
	Dims int
	// Tol is the decomposition's convergence tolerance.
	Tol float64
	// Timeout bounds the time each worker may spend on its runs.
	// Exceeding it aborts the whole job.
	Timeout time.Duration
	// OutDir is the job's output directory. Intermediate files are
	// written to its "tmp" subdirectory. If empty, the current
	// working directory is used.
	OutDir string
	// JobID identifies the job in its manifest and seeds the random
	// initial conditions of each run.
	JobID string
}

// WithDefaults returns a copy of the job with zero-valued optional
// parameters set to their defaults.
func (j Job) WithDefaults() Job {
	if j.Tol == 0 {
		j.Tol = ica.DefaultTol
	}
	if j.Timeout == 0 {
		j.Timeout = DefaultTimeout
	}
	return j
}

// Validate returns an error of kind errors.Invalid if the job's
// parameters are not valid.
func (j Job) Validate() error {
	switch {
	case j.Input == "":
		return errors.E(errors.Invalid, "runner: no input file")
	case j.Iterations < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("runner: invalid number of iterations %d", j.Iterations))
	case j.Dims < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("runner: invalid number of dimensions %d", j.Dims))
	case j.Tol < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("runner: invalid tolerance %v", j.Tol))
	case j.Timeout < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("runner: invalid timeout %s", j.Timeout))
	}
	return nil
}
