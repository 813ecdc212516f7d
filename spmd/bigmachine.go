// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package spmd

import (
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigica/collective"
	"github.com/grailbio/bigica/stats"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&worker{})
}

// dialPolicy is the retry policy used to reach the coordinator.
var dialPolicy = retry.Backoff(500*time.Millisecond, 5*time.Second, 1.5)

// maxDialRetries bounds the attempts made to reach the coordinator.
const maxDialRetries = 8

// bigmachineExecutor runs each rank of a job on its own machine. The
// machines of a job are kept for subsequent jobs of the same size.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	b      *bigmachine.B
	status *status.Group

	mu       sync.Mutex
	machines []*bigmachine.Machine
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (x *bigmachineExecutor) Name() string { return "bigmachine:" + x.system.Name() }

// Start starts the underlying bigmachine. In worker processes, Start
// does not return.
func (x *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	x.b = bigmachine.Start(x.system)
	if status := sess.Status(); status != nil {
		x.status = status.Group("bigmachine")
	}
	return x.b.Shutdown
}

func (x *bigmachineExecutor) HandleDebug(mux *http.ServeMux) {
	x.b.HandleDebug(mux)
}

func (x *bigmachineExecutor) Run(ctx context.Context, j job) (stats.Values, error) {
	machines, err := x.acquire(ctx, j.n)
	if err != nil {
		return nil, err
	}
	var (
		mu    sync.Mutex
		total = make(stats.Values)
	)
	g, gctx := errgroup.WithContext(ctx)
	for rank := range machines {
		req := runRequest{
			Job:         j.id,
			Func:        j.fn.Name(),
			Rank:        rank,
			Size:        j.n,
			Coordinator: machines[0].Addr,
			Arg:         j.arg,
		}
		m := machines[rank]
		var task *status.Task
		if j.group != nil {
			task = j.group.Startf("rank %d", rank)
			task.Title(m.Addr)
			task.Print("running")
		}
		g.Go(func() error {
			var vals stats.Values
			err := m.Call(gctx, "Worker.Run", req, &vals)
			mu.Lock()
			total.Add(vals)
			mu.Unlock()
			if err != nil {
				err = unwrapRemote(err)
				if gctx.Err() == nil {
					log.Error.Printf("job %s: rank %d on %s: %v", req.Job, req.Rank, m.Addr, err)
				}
			}
			if task != nil {
				if err != nil {
					task.Printf("failed: %v", err)
				} else {
					task.Print("done")
				}
				task.Done()
			}
			return err
		})
	}
	err = g.Wait()
	if err != nil {
		// Ranks may still be running the func; the machines cannot be
		// reused.
		x.release()
	}
	return total, err
}

// acquire returns n running machines, starting new ones if
// the current machines are of a different number or are no longer
// running.
func (x *bigmachineExecutor) acquire(ctx context.Context, n int) ([]*bigmachine.Machine, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.machines) == n {
		ok := true
		for _, m := range x.machines {
			if m.State() != bigmachine.Running {
				ok = false
			}
		}
		if ok {
			return x.machines, nil
		}
	}
	x.releaseLocked()
	params := append([]bigmachine.Param{bigmachine.Services{"Worker": &worker{}}}, x.params...)
	machines, err := x.b.Start(ctx, n, params...)
	if err != nil {
		return nil, err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range machines {
		m := machines[i]
		var task *status.Task
		if x.status != nil {
			task = x.status.Start()
			task.Print("waiting for machine to boot")
		}
		g.Go(func() error {
			select {
			case <-m.Wait(bigmachine.Running):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := m.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", m.Addr, err)
				if task != nil {
					task.Printf("failed to start: %v", err)
					task.Done()
				}
				return errors.E(errors.Unavailable, fmt.Sprintf("machine %s failed to start", m.Addr), err)
			}
			if task != nil {
				task.Title(m.Addr)
				task.Print("running")
			}
			log.Printf("machine %v is ready", m.Addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, m := range machines {
			m.Cancel()
		}
		return nil, err
	}
	x.machines = machines
	return machines, nil
}

func (x *bigmachineExecutor) release() {
	x.mu.Lock()
	x.releaseLocked()
	x.mu.Unlock()
}

func (x *bigmachineExecutor) releaseLocked() {
	for _, m := range x.machines {
		m.Cancel()
	}
	x.machines = nil
}

// unwrapRemote strips the remote error wrappers from err, exposing the
// error returned by the remote func.
func unwrapRemote(err error) error {
	for {
		e, ok := err.(*errors.Error)
		if !ok || e.Kind != errors.Remote || e.Err == nil {
			return err
		}
		err = e.Err
	}
}

// A runRequest asks a machine to run a rank of a job.
type runRequest struct {
	// Job is the job's identifier.
	Job string
	// Func is the name of the func to run.
	Func string
	// Rank and Size are the rank to run and the job's size.
	Rank, Size int
	// Coordinator is the address of the machine running rank 0.
	Coordinator string
	// Arg is the func's argument.
	Arg interface{}
}

// An abortRequest asks the coordinator to abort a job.
type abortRequest struct {
	Job string
	// Size is the job size, needed to create the hub if rank 0 has
	// not yet started.
	Size     int
	Kind     errors.Kind
	Severity errors.Severity
	Message  string
}

// worker is the bigmachine service that runs the ranks of jobs. The
// worker running rank 0 of a job hosts the job's hub.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b *bigmachine.B

	mu   sync.Mutex
	hubs map[string]*collective.Hub
}

func (w *worker) Init(b *bigmachine.B) error {
	w.b = b
	w.hubs = make(map[string]*collective.Hub)
	return nil
}

// hub returns the hub of the provided job, creating it if needed.
// Ranks may arrive before the coordinator's rank has started.
func (w *worker) hub(job string, size int) *collective.Hub {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.hubs[job]
	if h == nil {
		h = collective.NewHub(size)
		w.hubs[job] = h
	}
	return h
}

// Run runs a rank of a job, replying with the rank's counters.
func (w *worker) Run(ctx context.Context, req runRequest, vals *stats.Values) (err error) {
	f := Lookup(req.Func)
	if f == nil {
		return errors.E(errors.NotExist, fmt.Sprintf("spmd: func %s is not registered in worker; registered funcs: %v", req.Func, Names()))
	}
	var (
		comm collective.Comm
		hub  *collective.Hub
	)
	if req.Rank == 0 {
		hub = w.hub(req.Job, req.Size)
		comm = collective.Remote(req.Job, req.Rank, req.Size, collective.HubTransport(hub))
		defer func() {
			w.mu.Lock()
			delete(w.hubs, req.Job)
			w.mu.Unlock()
		}()
	} else {
		comm = collective.Remote(req.Job, req.Rank, req.Size, &machineTransport{
			b:    w.b,
			addr: req.Coordinator,
			job:  req.Job,
			size: req.Size,
		})
	}
	if hub != nil {
		// Aborts requested by other ranks are observed directly.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-hub.Done():
				comm.Abort(hub.Err())
			case <-ctx.Done():
			}
		}()
	}
	log.Debug.Printf("job %s: running %s rank %d/%d", req.Job, req.Func, req.Rank, req.Size)
	*vals, err = call(ctx, f, comm, req.Arg)
	return err
}

// Arrive registers an arrival at the hub of a job hosted by this
// worker.
func (w *worker) Arrive(ctx context.Context, a collective.Arrival, value *int) (err error) {
	*value, err = w.hub(a.Job, a.Size).Arrive(ctx, a)
	return err
}

// Abort aborts a job hosted by this worker. An abort that arrives
// before rank 0 has started creates the job's hub, so that rank 0
// observes it once it runs.
func (w *worker) Abort(ctx context.Context, req abortRequest, _ *struct{}) error {
	log.Printf("job %s: aborted: %s", req.Job, req.Message)
	w.hub(req.Job, req.Size).Abort(errors.E(req.Kind, req.Severity, req.Message))
	return nil
}

// machineTransport carries a rank's collectives to the job's
// coordinator machine.
type machineTransport struct {
	b    *bigmachine.B
	addr string
	job  string
	size int

	mu sync.Mutex
	m  *bigmachine.Machine
}

func (t *machineTransport) machine(ctx context.Context) (*bigmachine.Machine, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m != nil {
		return t.m, nil
	}
	for retries := 0; ; retries++ {
		m, err := t.b.Dial(ctx, t.addr)
		if err == nil {
			t.m = m
			return m, nil
		}
		if retries == maxDialRetries {
			return nil, errors.E(errors.Net, fmt.Sprintf("dial coordinator %s", t.addr), err)
		}
		log.Error.Printf("job %s: dial coordinator %s: %v; retrying", t.job, t.addr, err)
		if err := retry.Wait(ctx, dialPolicy, retries); err != nil {
			return nil, err
		}
	}
}

func (t *machineTransport) Arrive(ctx context.Context, a collective.Arrival) (int, error) {
	m, err := t.machine(ctx)
	if err != nil {
		return 0, err
	}
	var value int
	err = m.Call(ctx, "Worker.Arrive", a, &value)
	return value, unwrapRemote(err)
}

func (t *machineTransport) Abort(ctx context.Context, cause error) error {
	m, err := t.machine(ctx)
	if err != nil {
		return err
	}
	e := errors.Recover(cause)
	req := abortRequest{
		Job:      t.job,
		Size:     t.size,
		Kind:     e.Kind,
		Severity: e.Severity,
		Message:  cause.Error(),
	}
	return m.Call(ctx, "Worker.Abort", req, nil)
}
