// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/clusterrun/scheduler"
	"github.com/grailbio/clusterrun/stats"
)

// DefaultPollInterval is the default interval at which batch results
// are polled from the profile directory.
const DefaultPollInterval = 5 * time.Second

// Session represents a clusterrun session. A session is valid for the
// run of the binary and can run any number of batches, concurrently
// or in sequence.
//
// Batches run on SGE and Slurm, and bigmachine machines, are run by
// copies of the current binary, called workers. Start never returns
// in workers: it runs the worker's share of the batch and exits.
//
// All funcs must be registered before Start is called, and must be
// registered in a deterministic order. This is provided by default
// when funcs are created as part of package initialization:
//
//	var Analyze = clusterrun.Func(func(subject string) bool {
//		// ...
//		return true
//	})
//
//	func main() {
//		sess := exec.Start()
//		defer sess.Shutdown()
//		if err := sess.Checked(ctx, Analyze, subjects); err != nil {
//			log.Fatal(err)
//		}
//	}
type Session struct {
	context.Context
	index        int32
	profile      string
	executor     scheduler.Executor
	newScheduler func(scheduler.Kind, scheduler.Executor) (scheduler.Scheduler, error)
	output       io.Writer
	status       *status.Status
	eventer      eventlog.Eventer
	pollInterval time.Duration
	stats        *stats.Map
	tracePath    string
	tracer       *tracer

	system   bigmachine.System
	params   []bigmachine.Param
	machines *bigmachine.B
}

// nextSessionIndex is the index of the next session that will be
// started by Start. There should be only one session per process,
// but tests create many.
var nextSessionIndex int32

func newSession() *Session {
	return &Session{
		Context:      backgroundcontext.Get(),
		index:        atomic.AddInt32(&nextSessionIndex, 1) - 1,
		executor:     new(scheduler.Shell),
		newScheduler: scheduler.New,
		output:       os.Stdout,
		eventer:      eventlog.Nop{},
		pollInterval: DefaultPollInterval,
		stats:        stats.NewMap(),
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Bigmachine configures the session to run batches whose scheduler is
// "bigmachine" on machines of the provided system. If any params are
// provided, they are applied to each machine.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.system = system
		s.params = params
	}
}

// Profile configures the profile directory of the session. Batches
// run on SGE and Slurm stage their invocations and results beneath
// it, so it must be visible to the cluster's nodes. The profile may be
// any path supported by github.com/grailbio/base/file, including S3
// URLs. It defaults to $HOME/.clusterrun.
func Profile(dir string) Option {
	return func(s *Session) {
		s.profile = dir
	}
}

// Executor configures the executor used to run scheduler commands.
func Executor(executor scheduler.Executor) Option {
	return func(s *Session) {
		s.executor = executor
	}
}

// Output configures the writer to which batch outcomes are reported
// by Checked. It defaults to standard output.
func Output(w io.Writer) Option {
	return func(s *Session) {
		s.output = w
	}
}

// Status configures the session with a status object to which batch
// statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("clusterrun-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used to
// log session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// TracePath configures the path to which a trace of the session's
// invocations is written on shutdown, in the Chrome tracing format.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// PollInterval configures the interval at which the results of SGE
// and Slurm batches are polled.
func PollInterval(d time.Duration) Option {
	if d <= 0 {
		panic("exec.PollInterval: d <= 0")
	}
	return func(s *Session) {
		s.pollInterval = d
	}
}

// Start creates and starts a new clusterrun session, configuring it
// according to the provided options. Only one session should be
// created in a single binary invocation. In worker processes, Start
// does not return.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	s.start()
	return s
}

func (s *Session) start() {
	if s.profile == "" {
		s.profile = DefaultProfile()
	}
	if dir := os.Getenv(BatchEnv); dir != "" {
		runBatchWorker(s, dir)
		panic("not reached")
	}
	if s.system != nil {
		s.machines = bigmachine.Start(s.system)
	}
	s.tracer = newTracer()
	name := fmt.Sprintf("clusterrun-%02d-trace", s.index)
	dump.Register(name, func(ctx context.Context, w io.Writer) error {
		return s.tracer.Marshal(w)
	})
	s.eventer.Event("clusterrun:sessionStart",
		"command", command(),
		"profile", s.profile,
		"bigmachine", s.system != nil)
}

// DefaultProfile returns the default profile directory,
// $HOME/.clusterrun.
func DefaultProfile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Error.Printf("clusterrun: cannot determine home directory: %v", err)
		return ".clusterrun"
	}
	return filepath.Join(home, ".clusterrun")
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.machines != nil {
		s.machines.Shutdown()
	}
	if s.tracePath != "" {
		writeTraceFile(s.Context, s.tracer, s.tracePath)
	}
}

// WriteTrace writes the trace of the session's invocations to w in
// the Chrome tracing format.
func (s *Session) WriteTrace(w io.Writer) error {
	return s.tracer.Marshal(w)
}

// Profile returns the session's profile directory.
func (s *Session) Profile() string {
	return s.profile
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// Stats returns a snapshot of the session's batch counters.
func (s *Session) Stats() stats.Values {
	return s.stats.Snapshot()
}

// Scheduler returns the command line scheduler of the given kind,
// driven by the session's executor.
func (s *Session) Scheduler(kind scheduler.Kind) (scheduler.Scheduler, error) {
	return s.newScheduler(kind, s.executor)
}

// HandleDebug registers the debug handlers of the session's
// bigmachine instance, if any, with the provided mux.
func (s *Session) HandleDebug(mux *http.ServeMux) {
	if s.machines != nil {
		s.machines.HandleDebug(mux)
	}
}
