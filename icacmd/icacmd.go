// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package icacmd provides utilities for implementing the command line
// tools of the ICA pipeline. The main entry point, icacmd.Main,
// configures an SPMD session according to a common set of flags, and
// then invokes the tool's driver code.
//
// A tool follows this form:
//
//	func main() {
//		var (
//			input = flag.String("i", "", "input file")
//			...
//		)
//		icacmd.Main(func(sess *spmd.Session, workers int, args []string) error {
//			return sess.Run(context.Background(), workers, myFunc, myArg)
//		})
//	}
//
// Paths with the s3:// scheme are supported by every tool.
package icacmd

import (
	"flag"
	"net/http"
	_ "net/http/pprof" // Pprof is exposed on the diagnostic web server.
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigica/spmd"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(s3file.NewDefaultProvider(), s3file.Options{})
	})
}

// Exit codes of failed commands.
const (
	ExitFailure = 1
	// ExitTimeout is returned when a job exceeds its time limit.
	ExitTimeout = 2
)

// Main is the entry point of a tool. Main parses (global) flags,
// starts a session accordingly, and invokes the provided func with the
// session, the number of workers selected by the -p flag, and the
// unparsed arguments. Main does not return: the process exits once
// the func returns. Failures are logged and exit with ExitFailure,
// or ExitTimeout if the func failed with an error of kind
// errors.Timeout.
//
// In worker processes, Main never invokes the func: the session
// serves the driver instead.
func Main(main func(sess *spmd.Session, workers int, args []string) error) {
	var fl Flags
	RegisterFlags(flag.CommandLine, &fl)
	log.AddFlags()
	flag.Parse()
	sess := Init(fl)
	err := main(sess, fl.NumWorkers(), flag.Args())
	sess.Shutdown()
	if err != nil {
		log.Error.Printf("%v", err)
		os.Exit(ExitCode(err))
	}
	os.Exit(0)
}

// ExitCode returns the process exit code for the provided error.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(errors.Timeout, err):
		return ExitTimeout
	default:
		return ExitFailure
	}
}

// Init starts a session according to the supplied flags, and
// displays its status as requested.
func Init(fl Flags) *spmd.Session {
	sess := spmd.Start(fl.Options()...)
	DisplayStatus(fl, sess)
	return sess
}

// DisplayStatus arranges for the session's status to be displayed on
// the console and/or a web page depending on the flags. The web page
// is hosted at /debug/status on http.DefaultServeMux.
func DisplayStatus(fl Flags, sess *spmd.Session) {
	if fl.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if fl.HTTPAddress.Address == "" {
		return
	}
	sess.HandleDebug(http.DefaultServeMux)
	http.Handle("/debug/status", status.Handler(sess.Status()))
	go func() {
		log.Printf("HTTP status at: %v", fl.HTTPAddress)
		if err := http.ListenAndServe(fl.HTTPAddress.Address, nil); err != nil {
			log.Error.Printf("failed to start HTTP at %v: %v", fl.HTTPAddress, err)
		}
	}()
}
