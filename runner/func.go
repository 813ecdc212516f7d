// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runner

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigica/collective"
	"github.com/grailbio/bigica/spmd"
)

// Func runs a runner job on the workers of an SPMD session. Its
// argument is a Job; runs are decomposed by FastICA.
var Func = spmd.Func("bigica/runner", func(ctx context.Context, comm collective.Comm, arg interface{}) error {
	job, ok := arg.(Job)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("runner: argument of type %T, want Job", arg))
	}
	return Run(ctx, comm, job, nil)
})
