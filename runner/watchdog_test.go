// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

func TestWatchdogTimeout(t *testing.T) {
	abortc := make(chan error, 1)
	w := NewWatchdog(50*time.Millisecond, func(err error) { abortc <- err })
	w.Name = "worker 3"
	w.Interval = 10 * time.Millisecond
	w.Running(7)
	w.Start(time.Now())
	defer w.Stop()
	select {
	case err := <-abortc:
		if !errors.Is(errors.Timeout, err) {
			t.Errorf("got %v, want timeout", err)
		}
		if msg := err.Error(); !strings.Contains(msg, "worker 3") || !strings.Contains(msg, "run 7") {
			t.Errorf("error %q does not name the worker and run", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not abort")
	}
}

func TestWatchdogDone(t *testing.T) {
	aborted := make(chan error, 1)
	w := NewWatchdog(50*time.Millisecond, func(err error) { aborted <- err })
	w.Interval = 10 * time.Millisecond
	w.Start(time.Now())
	w.Done()
	w.Done()
	time.Sleep(100 * time.Millisecond)
	w.Stop()
	select {
	case err := <-aborted:
		t.Errorf("unexpected abort: %v", err)
	default:
	}
}

func TestWatchdogStopUnstarted(t *testing.T) {
	w := NewWatchdog(time.Second, func(error) { t.Error("unexpected abort") })
	w.Stop()
}

func TestWatchdogPastEpoch(t *testing.T) {
	abortc := make(chan error, 1)
	w := NewWatchdog(time.Second, func(err error) { abortc <- err })
	w.Interval = 10 * time.Millisecond
	w.Start(time.Now().Add(-time.Hour))
	defer w.Stop()
	select {
	case err := <-abortc:
		if strings.Contains(err.Error(), "during run") {
			t.Errorf("error %q names a run, but none was in flight", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not abort")
	}
}
