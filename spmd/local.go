// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package spmd

import (
	"context"
	"net/http"
	"sync"

	"github.com/grailbio/base/status"
	"github.com/grailbio/bigica/collective"
	"github.com/grailbio/bigica/stats"
	"golang.org/x/sync/errgroup"
)

// localExecutor runs the ranks of a job as goroutines sharing a
// local hub.
type localExecutor struct{}

func (localExecutor) Name() string { return "local" }

func (localExecutor) Start(*Session) (shutdown func()) {
	return func() {}
}

func (localExecutor) HandleDebug(*http.ServeMux) {}

func (localExecutor) Run(ctx context.Context, j job) (stats.Values, error) {
	var (
		g     errgroup.Group
		mu    sync.Mutex
		total = make(stats.Values)
	)
	for _, comm := range collective.Local(j.n) {
		comm := comm
		var task *status.Task
		if j.group != nil {
			task = j.group.Startf("rank %d", comm.Rank())
			task.Print("running")
		}
		g.Go(func() error {
			vals, err := call(ctx, j.fn, comm, j.arg)
			mu.Lock()
			total.Add(vals)
			mu.Unlock()
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
	err := g.Wait()
	return total, err
}
