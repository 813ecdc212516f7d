// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"sync/atomic"
)

// Local returns the comms of an n-rank job whose ranks share the
// calling process. Comm i has rank i.
func Local(n int) []Comm {
	hub := NewHub(n)
	comms := make([]Comm, n)
	for i := range comms {
		comms[i] = &localComm{hub: hub, rank: i}
	}
	return comms
}

type localComm struct {
	hub   *Hub
	rank  int
	epoch uint64
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.hub.Size() }

func (c *localComm) Barrier(ctx context.Context) error {
	_, err := c.Bcast(ctx, 0, 0)
	return err
}

func (c *localComm) Bcast(ctx context.Context, root, value int) (int, error) {
	return c.hub.Arrive(ctx, Arrival{
		Job:   "local",
		Epoch: atomic.AddUint64(&c.epoch, 1),
		Rank:  c.rank,
		Size:  c.hub.Size(),
		Root:  root,
		Value: value,
	})
}

func (c *localComm) Abort(err error)       { c.hub.Abort(err) }
func (c *localComm) Done() <-chan struct{} { return c.hub.Done() }
func (c *localComm) Err() error            { return c.hub.Err() }
