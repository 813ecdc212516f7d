// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package spmd launches SPMD jobs: a registered func is run by a
// fixed number of ranks, each a separate bigmachine machine (or, in
// local mode, goroutine), that coordinate through the collectives of
// package collective. Rank 0 hosts the job's rendezvous hub.
//
// A job fails as a whole: the first error returned by any rank
// aborts every other rank, and is returned to the caller.
//
// Like bigmachine, spmd re-executes the driver binary to create
// worker processes. Funcs must therefore be registered during
// package initialization, and Start must be called early in main:
// in worker processes, Start does not return.
//
//	var Job = spmd.Func("job", func(ctx context.Context, comm collective.Comm, arg interface{}) error {
//		...
//		return comm.Barrier(ctx)
//	})
//
//	func main() {
//		sess := spmd.Start(spmd.Bigmachine(bigmachine.Local))
//		defer sess.Shutdown()
//		if err := sess.Run(ctx, 8, Job, arg); err != nil {
//			log.Fatal(err)
//		}
//	}
package spmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigica/stats"
	"github.com/grailbio/bigmachine"
)

// A job is a single run of an SPMD func.
type job struct {
	id    string
	fn    *FuncValue
	n     int
	arg   interface{}
	group *status.Group
}

// An executor runs the ranks of jobs.
type executor interface {
	// Name returns the executor's name.
	Name() string
	// Start starts the executor, returning a function that releases
	// its resources.
	Start(sess *Session) (shutdown func())
	// Run runs every rank of the provided job, returning the job's
	// aggregated counters and error.
	Run(ctx context.Context, j job) (stats.Values, error)
	// HandleDebug adds executor-specific debug handlers to the provided
	// mux.
	HandleDebug(mux *http.ServeMux)
}

// Session is an SPMD session. A session shares a binary and
// executor, and is valid for the run of the binary. A session can run
// multiple jobs in sequence.
type Session struct {
	executor executor
	shutdown func()
	status   *status.Status
	eventer  eventlog.Eventer

	mu    sync.Mutex
	total stats.Values
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session to run the ranks of each job as
// goroutines of the calling process.
var Local Option = func(s *Session) {
	s.executor = localExecutor{}
}

// Bigmachine configures a session to run each rank of a job on its
// own machine of the provided bigmachine system. If any params are
// provided, they are applied to each machine.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Status configures the session with a status object to which
// job statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Eventer configures the session with an Eventer that is used to log
// job events.
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// Start creates and starts a new session, configured according to
// the provided options. If no executor is configured, the session
// uses bigmachine's local system.
func Start(options ...Option) *Session {
	s := &Session{eventer: eventlog.Nop{}, total: make(stats.Values)}
	for _, opt := range options {
		opt(s)
	}
	if s.executor == nil {
		s.executor = newBigmachineExecutor(bigmachine.Local)
	}
	s.shutdown = s.executor.Start(s)
	s.eventer.Event("bigica:sessionStart", "executorType", s.executor.Name())
	return s
}

// Status returns the session's status, or nil if none was
// configured.
func (s *Session) Status() *status.Status { return s.status }

// Run runs fn on n ranks with the provided argument and returns
// once every rank has returned. If any rank fails, the job is
// aborted, and the first failure is returned.
func (s *Session) Run(ctx context.Context, n int, fn *FuncValue, arg interface{}) error {
	if n < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("spmd: invalid number of ranks %d", n))
	}
	if Lookup(fn.Name()) != fn {
		return errors.E(errors.Invalid, fmt.Sprintf("spmd: func %s is not registered", fn))
	}
	j := job{
		id:  uuid.New().String(),
		fn:  fn,
		n:   n,
		arg: arg,
	}
	if s.status != nil {
		j.group = s.status.Groupf("%s [%s]", fn, j.id[:8])
	}
	s.eventer.Event("bigica:jobStart",
		"func", fn.Name(),
		"job", j.id,
		"workers", n)
	log.Printf("job %s: starting %s over %d workers", j.id, fn, n)
	start := time.Now()
	vals, err := s.executor.Run(ctx, j)
	s.mu.Lock()
	s.total.Add(vals)
	s.mu.Unlock()
	errString := ""
	if err != nil {
		errString = err.Error()
		log.Error.Printf("job %s: %s failed: %v", j.id, fn, err)
	}
	s.eventer.Event("bigica:jobDone",
		"func", fn.Name(),
		"job", j.id,
		"workers", n,
		"duration", time.Since(start).Seconds(),
		"stats", vals.String(),
		"error", errString)
	if err == nil {
		log.Printf("job %s: %s done: %s", j.id, fn, vals)
	}
	if j.group != nil {
		if err != nil {
			j.group.Printf("failed: %v", err)
		} else {
			j.group.Printf("done in %s: %s", time.Since(start).Round(time.Millisecond), vals)
		}
	}
	return err
}

// Stats returns the counters of all jobs run by the session, summed
// over their ranks.
func (s *Session) Stats() stats.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals := make(stats.Values)
	vals.Add(s.total)
	return vals
}

// HandleDebug registers the session's debug handlers on the provided
// mux.
func (s *Session) HandleDebug(mux *http.ServeMux) {
	s.executor.HandleDebug(mux)
}

// Shutdown tears down resources associated with this session.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
}
