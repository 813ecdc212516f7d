// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distance

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigica/collective"
	"github.com/grailbio/bigica/spmd"
)

// Func runs a distance job on the workers of an SPMD session. Its
// argument is a Job.
var Func = spmd.Func("bigica/distance", func(ctx context.Context, comm collective.Comm, arg interface{}) error {
	job, ok := arg.(Job)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("distance: argument of type %T, want Job", arg))
	}
	return Run(ctx, comm, job)
})
