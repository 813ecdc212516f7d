// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package collective implements the minimal set of collective
// operations needed by SPMD jobs: a broadcast from a root rank, a
// barrier (a broadcast with a trivial payload), and a job-wide abort.
//
// All collectives of a job rendezvous at a Hub owned by rank 0.
// Arrivals are grouped by epoch: each Comm numbers its collectives
// sequentially, and since every rank runs the same program, the n-th
// collective of each rank meets the n-th collective of every other.
package collective

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// A Comm is a rank's handle to the collectives of a job. Barrier and
// Bcast must be called by every rank in the same order, and from a
// single goroutine per rank. Abort, Done, and Err may be called
// concurrently.
type Comm interface {
	// Rank returns the rank of the caller, 0 <= Rank() < Size().
	Rank() int
	// Size returns the number of ranks in the job.
	Size() int
	// Barrier returns once all ranks have entered the barrier.
	Barrier(ctx context.Context) error
	// Bcast returns the value provided by the root rank once all
	// ranks have arrived. Values provided by other ranks are ignored.
	Bcast(ctx context.Context, root, value int) (int, error)
	// Abort aborts the job with the provided cause. Pending and
	// future collectives of every rank fail with the cause.
	Abort(err error)
	// Done is closed when the job has been aborted.
	Done() <-chan struct{}
	// Err returns the abort cause, or nil if the job has not been
	// aborted.
	Err() error
}

// An Arrival describes a single rank's arrival at a collective.
type Arrival struct {
	// Job identifies the job; it is used to locate the job's hub.
	Job string
	// Epoch is the collective's sequence number within the job.
	Epoch uint64
	// Rank is the arriving rank.
	Rank int
	// Size is the job size as known by the arriving rank.
	Size int
	// Root is the rank whose value is broadcast.
	Root int
	// Value is the arriving rank's value.
	Value int
}

func (a Arrival) String() string {
	return fmt.Sprintf("%s#%d rank %d/%d root %d", a.Job, a.Epoch, a.Rank, a.Size, a.Root)
}

// A Transport carries a rank's arrivals and abort requests to the
// job's hub.
type Transport interface {
	Arrive(ctx context.Context, a Arrival) (int, error)
	Abort(ctx context.Context, cause error) error
}

func aborted(err error) error {
	if err == nil {
		err = errors.E(errors.Canceled, "collective: job aborted")
	}
	return err
}
