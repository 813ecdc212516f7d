// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
)

// A Hub is the rendezvous point of a job's collectives. It is safe
// for concurrent use.
type Hub struct {
	size int

	mu     sync.Mutex
	epochs map[uint64]*rendezvous
	err    error
	donec  chan struct{}
}

type rendezvous struct {
	root    int
	value   int
	arrived []bool
	n       int
	// waitc is closed once all ranks have arrived.
	waitc chan struct{}
}

// NewHub returns a hub for a job of the provided size.
func NewHub(size int) *Hub {
	if size < 1 {
		panic(fmt.Sprintf("collective.NewHub: invalid size %d", size))
	}
	return &Hub{
		size:   size,
		epochs: make(map[uint64]*rendezvous),
		donec:  make(chan struct{}),
	}
}

// Size returns the hub's job size.
func (h *Hub) Size() int { return h.size }

// Arrive registers the arrival a and blocks until every rank has
// arrived at the same epoch, the hub is aborted, or the context is
// done. Arrive returns the root's value.
func (h *Hub) Arrive(ctx context.Context, a Arrival) (int, error) {
	if a.Size != h.size {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("collective %s: hub has size %d", a, h.size))
	}
	if a.Rank < 0 || a.Rank >= h.size || a.Root < 0 || a.Root >= h.size {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("collective %s: rank out of range", a))
	}
	h.mu.Lock()
	if h.err != nil {
		err := h.err
		h.mu.Unlock()
		return 0, err
	}
	r := h.epochs[a.Epoch]
	if r == nil {
		r = &rendezvous{
			root:    a.Root,
			arrived: make([]bool, h.size),
			waitc:   make(chan struct{}),
		}
		h.epochs[a.Epoch] = r
	}
	switch {
	case r.arrived[a.Rank]:
		h.mu.Unlock()
		return 0, errors.E(errors.Invalid, fmt.Sprintf("collective %s: duplicate arrival", a))
	case r.root != a.Root:
		h.mu.Unlock()
		return 0, errors.E(errors.Invalid, fmt.Sprintf("collective %s: root mismatch: others use root %d", a, r.root))
	}
	r.arrived[a.Rank] = true
	r.n++
	if a.Rank == a.Root {
		r.value = a.Value
	}
	if r.n == h.size {
		delete(h.epochs, a.Epoch)
		close(r.waitc)
		h.mu.Unlock()
		return r.value, nil
	}
	h.mu.Unlock()
	select {
	case <-r.waitc:
		return r.value, nil
	case <-h.donec:
		// Prefer a completed rendezvous over a concurrent abort.
		select {
		case <-r.waitc:
			return r.value, nil
		default:
		}
		return 0, h.Err()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Abort aborts the hub with the provided cause. Only the first cause
// is retained.
func (h *Hub) Abort(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return
	}
	h.err = aborted(err)
	close(h.donec)
}

// Done is closed when the hub is aborted.
func (h *Hub) Done() <-chan struct{} { return h.donec }

// Err returns the hub's abort cause.
func (h *Hub) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
