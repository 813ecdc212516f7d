// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/log"
)

// abortTimeout bounds the time spent notifying the hub of an abort.
const abortTimeout = 10 * time.Second

// Remote returns a comm for the provided rank of a job whose hub is
// reached through transport t.
func Remote(job string, rank, size int, t Transport) Comm {
	return &remoteComm{
		job:   job,
		rank:  rank,
		size:  size,
		t:     t,
		donec: make(chan struct{}),
	}
}

type remoteComm struct {
	job        string
	rank, size int
	t          Transport
	epoch      uint64

	mu    sync.Mutex
	err   error
	donec chan struct{}
}

func (c *remoteComm) Rank() int { return c.rank }
func (c *remoteComm) Size() int { return c.size }

func (c *remoteComm) Barrier(ctx context.Context) error {
	_, err := c.Bcast(ctx, 0, 0)
	return err
}

func (c *remoteComm) Bcast(ctx context.Context, root, value int) (int, error) {
	if err := c.Err(); err != nil {
		return 0, err
	}
	v, err := c.t.Arrive(ctx, Arrival{
		Job:   c.job,
		Epoch: atomic.AddUint64(&c.epoch, 1),
		Rank:  c.rank,
		Size:  c.size,
		Root:  root,
		Value: value,
	})
	if err != nil && ctx.Err() == nil {
		// The hub failed the collective: the job is over for this rank.
		c.fail(err)
	}
	return v, err
}

func (c *remoteComm) Abort(err error) {
	err = aborted(err)
	if !c.fail(err) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if terr := c.t.Abort(ctx, err); terr != nil {
		log.Error.Printf("collective %s: rank %d: failed to notify hub of abort: %v", c.job, c.rank, terr)
	}
}

// fail records the abort cause err, reporting whether it was the
// first one.
func (c *remoteComm) fail(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false
	}
	c.err = err
	close(c.donec)
	return true
}

func (c *remoteComm) Done() <-chan struct{} { return c.donec }

func (c *remoteComm) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// HubTransport returns a transport that delivers arrivals directly to
// hub h. It is used by the rank that owns the hub.
func HubTransport(h *Hub) Transport {
	return hubTransport{h}
}

type hubTransport struct{ hub *Hub }

func (t hubTransport) Arrive(ctx context.Context, a Arrival) (int, error) {
	return t.hub.Arrive(ctx, a)
}

func (t hubTransport) Abort(_ context.Context, cause error) error {
	t.hub.Abort(cause)
	return nil
}
