// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package spmd

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/bigica/collective"
	"github.com/grailbio/bigica/stats"
)

var (
	// funcs is the global registry of funcs, keyed by name. Worker
	// processes run the same binary as the driver, and so have
	// registered the same funcs.
	funcsMu sync.Mutex
	funcs   = make(map[string]*FuncValue)
)

// A FuncValue is an SPMD function, as returned by Func.
type FuncValue struct {
	name string
	fn   func(ctx context.Context, comm collective.Comm, arg interface{}) error
}

// Name returns the name under which f was registered.
func (f *FuncValue) Name() string { return f.name }

func (f *FuncValue) String() string { return f.name }

// Func registers fn under the provided name. SPMD funcs are run by
// every rank of a job, each with its own comm; all ranks receive the
// same argument. Arguments are transmitted to worker processes with
// gob, so their concrete types must be registered with gob.
//
// Func should be called during package initialization, so that
// worker processes register the same funcs as the driver. Func panics
// if a func is already registered under name.
func Func(name string, fn func(ctx context.Context, comm collective.Comm, arg interface{}) error) *FuncValue {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	if _, ok := funcs[name]; ok {
		panic(fmt.Sprintf("spmd.Func: func %s registered twice", name))
	}
	f := &FuncValue{name: name, fn: fn}
	funcs[name] = f
	return f
}

// Lookup returns the func registered under name, or nil.
func Lookup(name string) *FuncValue {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	return funcs[name]
}

// Names returns the names of all registered funcs, sorted.
func Names() []string {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// call runs f on the rank of comm and returns the counters recorded
// by f. It returns when f returns, when the job is aborted, or when
// ctx is done, whichever happens first. Errors returned by f abort
// the job.
func call(ctx context.Context, f *FuncValue, comm collective.Comm, arg interface{}) (stats.Values, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	counters := stats.NewMap()
	ctx = stats.NewContext(ctx, counters)
	errc := make(chan error, 1)
	go func() {
		errc <- f.fn(ctx, comm, arg)
	}()
	var err error
	select {
	case err = <-errc:
		if err != nil {
			comm.Abort(err)
		}
	case <-comm.Done():
		err = comm.Err()
	case <-ctx.Done():
		err = ctx.Err()
		comm.Abort(err)
	}
	return counters.Snapshot(), err
}
