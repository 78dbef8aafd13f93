// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package clustercmd provides utilities for implementing
// clusterrun-based command line tools. The main entry point,
// clustercmd.Main, configures a session according to a common set of
// flags, and then invokes the user's driver code.
//
// A clustercmd tool follows this form:
//
//	var analyze = clusterrun.Func(func(subject string) bool { ... })
//
//	func main() {
//		var batch clustercmd.BatchFlags
//		clustercmd.RegisterBatchFlags(flag.CommandLine, &batch, "")
//		clustercmd.Main(func(sess *exec.Session, args []string) error {
//			ctx := context.Background()
//			opts, err := batch.RunOptions(ctx)
//			if err != nil {
//				return err
//			}
//			return sess.Checked(ctx, analyze, args, opts...)
//		})
//	}
package clustercmd

import (
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/clusterrun/exec"
)

// Main is a convenient entry point for a clustercmd. Main does not
// return; it should be called after other initialization is
// performed. Main parses (global) flags, configures a session
// accordingly, and invokes the provided func with the session and
// the unparsed arguments.
//
// Main starts a diagnostic web server (default address :3333) that
// serves the session's status, its counters, pprof handlers, and the
// debug handlers of the session's bigmachine instance.
//
// Main terminates the program after the user func returns. If it
// returns with an error, it is reported and the process exits with
// code 1, otherwise it exits successfully.
func Main(main func(sess *exec.Session, args []string) error) {
	var fl Flags
	RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	RegisterS3()
	sess, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	err = main(sess, flag.Args())
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init starts a session according to the supplied flags.
func Init(cf Flags) (*exec.Session, error) {
	if cf.SystemHelp {
		providers, profiles := ProvidersAndProfiles()
		sort.Strings(providers)
		wr := cf.Output()
		fmt.Fprintf(wr, "%s\n\n", SystemHelpLong)
		fmt.Fprintf(wr, "The available providers are: %v\n", strings.Join(providers, ", "))
		var str []string
		for k, v := range profiles {
			str = append(str, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
		}
		sort.Strings(str)
		for _, s := range str {
			fmt.Fprint(wr, s)
		}
		os.Exit(0)
	}
	options, err := cf.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(cf, sess)
	return sess, nil
}

// DisplayStatus arranges for the session's status to be displayed on
// the console and/or served over HTTP, depending on the flags.
func DisplayStatus(cf Flags, sess *exec.Session) {
	if cf.ConsoleStatus && sess.Status() != nil {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(cf.HTTPAddress.Address) > 0 {
		go func() {
			log.Printf("HTTP status at: %v", cf.HTTPAddress)
			err := http.ListenAndServe(cf.HTTPAddress.Address, Handler(sess))
			if err != nil {
				log.Error.Printf("failed to start HTTP at %v: %v", cf.HTTPAddress, err)
			}
		}()
	}
}

// Handler returns the diagnostic HTTP handler of the session:
//
//	/debug/status     the status of the session's batches
//	/debug/stats      the session's batch counters
//	/debug/trace      the session's invocations in the Chrome tracing format
//	/debug/pprof/     pprof handlers of this process
//	/debug/bigmachine/ bigmachine's handlers, if the session has machines
func Handler(sess *exec.Session) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/debug/status", func(w http.ResponseWriter, req *http.Request) {
		if sess.Status() == nil {
			http.Error(w, "no status configured", http.StatusNotFound)
			return
		}
		status.Handler(sess.Status()).ServeHTTP(w, req)
	})
	r.Get("/debug/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, sess.Stats())
	})
	r.Get("/debug/trace", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := sess.WriteTrace(w); err != nil {
			log.Error.Printf("/debug/trace: marshal: %v", err)
		}
	})
	r.HandleFunc("/debug/pprof/*", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	// Bigmachine registers its handlers by full path.
	mux := http.NewServeMux()
	sess.HandleDebug(mux)
	r.Mount("/debug/bigmachine", mux)
	return r
}
