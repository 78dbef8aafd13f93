// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements the submission of batches of func
// invocations to SGE, Slurm, bigmachine, or local goroutines, and the
// collection and checking of their results.
package exec

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/clusterrun"
	"github.com/grailbio/clusterrun/scheduler"
	"github.com/grailbio/clusterrun/stats"
	"github.com/grailbio/clusterrun/typecheck"
	"github.com/spaolacci/murmur3"
)

// Run applies fn to every element of params on the backend named by
// the scheduler attribute of the settings supplied with WithSettings
// (SGE if there is none), and returns the results in parameter order.
// Params may be any slice whose elements are assignable to fn's
// argument type.
//
// Resources are resolved by Resolve with DefaultResources as the
// defaults: explicit options take precedence over settings, which
// take precedence over the defaults. Run requests min(len(params),
// MaxJobs) jobs. The jobs are released when Run returns, whether or
// not it succeeds. An error returned by any invocation aborts the
// batch and is returned by Run.
func (s *Session) Run(ctx context.Context, fn *clusterrun.FuncValue, params interface{}, opts ...RunOption) ([]interface{}, error) {
	o := makeRunOptions(opts)
	var tag string
	if o.settings != nil {
		tag = o.settings.Scheduler
	}
	kind, err := scheduler.Parse(tag)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, kind, fn, params, Resolve(o.settings, o.explicit, DefaultResources))
}

// RunSGE is like Run, but always runs the batch on SGE, with
// SGEDefaults as the resource defaults.
func (s *Session) RunSGE(ctx context.Context, fn *clusterrun.FuncValue, params interface{}, opts ...RunOption) ([]interface{}, error) {
	o := makeRunOptions(opts)
	return s.run(ctx, scheduler.SGE, fn, params, Resolve(o.settings, o.explicit, SGEDefaults))
}

// RunSlurm is like Run, but always runs the batch on Slurm, with
// SlurmDefaults as the resource defaults.
func (s *Session) RunSlurm(ctx context.Context, fn *clusterrun.FuncValue, params interface{}, opts ...RunOption) ([]interface{}, error) {
	o := makeRunOptions(opts)
	return s.run(ctx, scheduler.Slurm, fn, params, Resolve(o.settings, o.explicit, SlurmDefaults))
}

// A batch is a single application of a func to a parameter list.
type batch struct {
	// Name uniquely names the batch.
	Name string
	// Kind is the backend running the batch.
	Kind scheduler.Kind
	// Func is the applied func.
	Func *clusterrun.FuncValue
	// Invocations contains one invocation per parameter, in order.
	Invocations []clusterrun.Invocation
	// Jobs is the number of jobs requested.
	Jobs int
	// Resources are the resources forwarded to the backend.
	Resources Resources

	status       *status.Group
	done, failed *stats.Int
	tracer       *tracer
	ndone        int64
}

// progress records the completion of an invocation.
func (b *batch) progress() {
	b.done.Add(1)
	n := atomic.AddInt64(&b.ndone, 1)
	b.status.Printf("%d/%d invocations done", n, len(b.Invocations))
}

// A view is a scoped connection to a backend, through which a
// batch's invocations are mapped. A view must be closed.
type view interface {
	// Map runs all invocations of the batch and returns their results,
	// indexed by invocation index.
	Map(ctx context.Context) ([]interface{}, error)
	// Close releases the backend's resources.
	Close(ctx context.Context) error
}

var batchSeq uint64

func batchName(fn *clusterrun.FuncValue) string {
	key := fmt.Sprintf("%s %d %d %d", fn.Location(), os.Getpid(), time.Now().UnixNano(), atomic.AddUint64(&batchSeq, 1))
	return fmt.Sprintf("clusterrun-%016x", murmur3.Sum64([]byte(key)))
}

func (s *Session) run(ctx context.Context, kind scheduler.Kind, fn *clusterrun.FuncValue, params interface{}, res Resources) (results []interface{}, err error) {
	list, err := typecheck.Params(fn.In(), params)
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("func %s", fn.Location()), err)
	}
	if err := res.validate(); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return []interface{}{}, nil
	}
	b := &batch{
		Name:        batchName(fn),
		Kind:        kind,
		Func:        fn,
		Invocations: make([]clusterrun.Invocation, len(list)),
		Jobs:        res.Jobs(len(list)),
		Resources:   res.forBackend(kind),
		done:        s.stats.Int(stats.Done),
		failed:      s.stats.Int(stats.Failed),
		tracer:      s.tracer,
	}
	for i, arg := range list {
		if err := fn.Typecheck(arg); err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("parameter %d", i), err)
		}
		b.Invocations[i] = clusterrun.Invocation{Func: fn.Index(), Index: i, Arg: arg}
	}
	if s.status != nil {
		b.status = s.status.Groupf("batch %s [%s, %d jobs]", fn.Location(), kind, b.Jobs)
	}
	s.stats.Int(stats.Invocations).Add(int64(len(list)))
	s.stats.Int(stats.Jobs).Add(int64(b.Jobs))
	s.eventer.Event("clusterrun:batchStart",
		"batch", b.Name,
		"func", fn.Location(),
		"scheduler", kind.String(),
		"invocations", len(list),
		"jobs", b.Jobs)
	start := time.Now()
	defer func() {
		if err != nil {
			b.status.Printf("failed: %v", err)
		} else {
			b.status.Printf("%d invocations done in %s", len(list), time.Since(start).Round(time.Second))
		}
		s.eventer.Event("clusterrun:batchFinish",
			"batch", b.Name,
			"duration", time.Since(start).Seconds(),
			"ok", err == nil)
	}()

	v, err := s.open(ctx, b)
	if err != nil {
		return nil, err
	}
	defer func() {
		// The view is released on the session's context, so that jobs
		// are cancelled even if ctx is done.
		if cerr := v.Close(s.Context); cerr != nil {
			log.Error.Printf("%s: releasing %s jobs: %v", b.Name, kind, cerr)
		}
	}()
	results, err = v.Map(ctx)
	if err != nil {
		return nil, err
	}
	if len(results) != len(list) {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("%s: got %d results for %d parameters", b.Name, len(results), len(list)))
	}
	return results, nil
}

func (s *Session) open(ctx context.Context, b *batch) (view, error) {
	log.Debug.Printf("%s: opening %s view with %d jobs for %d invocations", b.Name, b.Kind, b.Jobs, len(b.Invocations))
	switch b.Kind {
	case scheduler.Local:
		return newLocalView(b), nil
	case scheduler.Bigmachine:
		if s.machines == nil {
			return nil, errors.E(errors.Invalid, "scheduler bigmachine: session has no bigmachine system")
		}
		return openBigmachineView(ctx, s, b)
	case scheduler.SGE, scheduler.Slurm:
		return openBatchView(ctx, s, b)
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown scheduler %s", b.Kind))
}
