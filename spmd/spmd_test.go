// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package spmd

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigica/collective"
	"github.com/grailbio/bigica/stats"
	"github.com/grailbio/bigmachine/testsystem"
)

var (
	collectives = Func("spmd_test.collectives", func(ctx context.Context, comm collective.Comm, arg interface{}) error {
		for i := 0; i < arg.(int); i++ {
			if err := comm.Barrier(ctx); err != nil {
				return err
			}
		}
		root := comm.Size() - 1
		v, err := comm.Bcast(ctx, root, 10*comm.Rank())
		if err != nil {
			return err
		}
		if got, want := v, 10*root; got != want {
			return fmt.Errorf("rank %d: got %v, want %v", comm.Rank(), got, want)
		}
		return nil
	})

	failing = Func("spmd_test.failing", func(ctx context.Context, comm collective.Comm, arg interface{}) error {
		if comm.Rank() == arg.(int) {
			return errors.E(errors.Timeout, errors.Fatal, fmt.Sprintf("rank %d timed out", comm.Rank()))
		}
		// The other ranks wait for the failing rank forever.
		return comm.Barrier(ctx)
	})

	counting = Func("spmd_test.counting", func(ctx context.Context, comm collective.Comm, arg interface{}) error {
		counters := stats.FromContext(ctx)
		counters.Int("ranks").Add(1)
		counters.Int("rank").Add(int64(comm.Rank()))
		return nil
	})

	blocking = Func("spmd_test.blocking", func(ctx context.Context, comm collective.Comm, arg interface{}) error {
		<-ctx.Done()
		return ctx.Err()
	})
)

func sessions(t *testing.T) map[string]*Session {
	t.Helper()
	return map[string]*Session{
		"local":      Start(Local),
		"bigmachine": Start(Bigmachine(testsystem.New())),
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	for name, sess := range sessions(t) {
		t.Run(name, func(t *testing.T) {
			defer sess.Shutdown()
			for _, n := range []int{1, 3} {
				if err := sess.Run(ctx, n, collectives, 2); err != nil {
					t.Errorf("n=%d: %v", n, err)
				}
			}
			// Machines are reused by subsequent jobs of the same size.
			if err := sess.Run(ctx, 3, collectives, 0); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	for name, sess := range sessions(t) {
		t.Run(name, func(t *testing.T) {
			defer sess.Shutdown()
			if err := sess.Run(ctx, 3, counting, nil); err != nil {
				t.Fatal(err)
			}
			if got, want := sess.Stats().String(), "rank:3 ranks:3"; got != want {
				t.Errorf("got %q, want %q", got, want)
			}
			if err := sess.Run(ctx, 1, counting, nil); err != nil {
				t.Fatal(err)
			}
			if got, want := sess.Stats().String(), "rank:3 ranks:4"; got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		})
	}
}

func TestRunError(t *testing.T) {
	ctx := context.Background()
	for name, sess := range sessions(t) {
		t.Run(name, func(t *testing.T) {
			defer sess.Shutdown()
			done := make(chan error, 1)
			go func() { done <- sess.Run(ctx, 3, failing, 1) }()
			select {
			case err := <-done:
				if !errors.Is(errors.Timeout, err) {
					t.Errorf("got %v, want timeout", err)
				}
			case <-time.After(time.Minute):
				t.Fatal("job was not aborted")
			}
			// The session remains usable after a failed job.
			if err := sess.Run(ctx, 2, collectives, 1); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestRunCanceled(t *testing.T) {
	for name, sess := range sessions(t) {
		t.Run(name, func(t *testing.T) {
			defer sess.Shutdown()
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			if err := sess.Run(ctx, 2, blocking, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunInvalid(t *testing.T) {
	sess := Start(Local)
	defer sess.Shutdown()
	ctx := context.Background()
	if err := sess.Run(ctx, 0, collectives, 0); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	unregistered := &FuncValue{name: "unregistered"}
	if err := sess.Run(ctx, 1, unregistered, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestFunc(t *testing.T) {
	if got, want := Lookup("spmd_test.failing"), failing; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if Lookup("nonexistent") != nil {
		t.Error("unexpected func")
	}
	names := Names()
	if !sort.StringsAreSorted(names) {
		t.Errorf("names not sorted: %v", names)
	}
	if i := sort.SearchStrings(names, "spmd_test.failing"); i == len(names) || names[i] != "spmd_test.failing" {
		t.Errorf("spmd_test.failing missing from %v", names)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Func("spmd_test.failing", nil)
}

func TestAbortBeforeCoordinator(t *testing.T) {
	var w worker
	if err := w.Init(nil); err != nil {
		t.Fatal(err)
	}
	req := abortRequest{
		Job:      "early",
		Size:     2,
		Kind:     errors.Timeout,
		Severity: errors.Fatal,
		Message:  "worker 1 timed out",
	}
	if err := w.Abort(context.Background(), req, nil); err != nil {
		t.Fatal(err)
	}
	// Rank 0 finds the aborted hub once it starts.
	h := w.hub("early", 2)
	select {
	case <-h.Done():
	default:
		t.Fatal("hub was not aborted")
	}
	if err := h.Err(); !errors.Is(errors.Timeout, err) {
		t.Errorf("got %v, want timeout", err)
	}
}
