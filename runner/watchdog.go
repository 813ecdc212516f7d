// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runner

import (
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
)

// Interval is the default polling interval of watchdogs.
var Interval = time.Second

// A Watchdog bounds the wall-clock time of a worker's runs. Once
// started, it polls the elapsed time every Interval; if the time
// exceeds the watchdog's timeout before Done is called, the watchdog
// calls its abort function with an error of kind errors.Timeout.
type Watchdog struct {
	// Name names the watched worker in timeout errors.
	Name string
	// Interval is the watchdog's polling interval.
	Interval time.Duration

	timeout time.Duration
	abort   func(error)

	mu      sync.Mutex
	started bool
	run     int
	running bool

	once  sync.Once
	donec chan struct{}
	exitc chan struct{}
}

// NewWatchdog returns a new watchdog that calls abort when the
// provided timeout is exceeded.
func NewWatchdog(timeout time.Duration, abort func(error)) *Watchdog {
	return &Watchdog{
		Name:     "worker",
		Interval: Interval,
		timeout:  timeout,
		abort:    abort,
		donec:    make(chan struct{}),
		exitc:    make(chan struct{}),
	}
}

// Start starts watching the time elapsed since epoch. Start must be
// called at most once.
func (w *Watchdog) Start(epoch time.Time) {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.watch(epoch)
}

func (w *Watchdog) watch(epoch time.Time) {
	defer close(w.exitc)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.donec:
			return
		case now := <-ticker.C:
			if elapsed := now.Sub(epoch); elapsed > w.timeout {
				w.abort(w.timedOut(elapsed))
				return
			}
		}
	}
}

func (w *Watchdog) timedOut(elapsed time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := fmt.Sprintf("%s timed out after %s (timeout %s)", w.Name, elapsed.Round(time.Millisecond), w.timeout)
	if w.running {
		msg += fmt.Sprintf(" during run %d", w.run)
	}
	return errors.E(errors.Timeout, errors.Fatal, msg)
}

// Running records that run is in flight.
func (w *Watchdog) Running(run int) {
	w.mu.Lock()
	w.run = run
	w.running = true
	w.mu.Unlock()
}

// Done signals that all runs have completed: the watchdog will no
// longer abort. Done may be called multiple times.
func (w *Watchdog) Done() {
	w.once.Do(func() { close(w.donec) })
}

// Stop stops the watchdog and waits for it to exit.
func (w *Watchdog) Stop() {
	w.Done()
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.exitc
	}
}
