// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"reflect"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/clusterrun"
	"github.com/grailbio/clusterrun/scheduler"
	"github.com/grailbio/clusterrun/settings"
	"github.com/grailbio/clusterrun/typecheck"
)

var typeOfEmptyInterface = reflect.TypeOf((*interface{})(nil)).Elem()

// FailedError is returned by Checked when some of a batch's results
// are falsy.
type FailedError struct {
	// Failed is the number of falsy results.
	Failed int
	// Total is the number of results.
	Total int
}

// Error implements error.
func (e *FailedError) Error() string {
	if e.Failed == e.Total {
		return fmt.Sprintf("All %d jobs failed!", e.Total)
	}
	return fmt.Sprintf("%d of %d jobs failed!", e.Failed, e.Total)
}

// CheckResults applies the success policy of Checked to the results of
// a batch run on params. A result succeeds if it is truthy, as
// defined by clusterrun.Truthy. If all results succeed, CheckResults
// reports their number to w. If all fail, it returns a *FailedError.
// Otherwise it reports the parameters of the failed results to w, one
// per line, and returns a *FailedError. The parameter of result i is
// params[i].
func CheckResults(w io.Writer, params interface{}, results []interface{}) error {
	list, err := typecheck.Params(typeOfEmptyInterface, params)
	if err != nil {
		return errors.E(errors.Invalid, err)
	}
	var failed int
	for _, result := range results {
		if !clusterrun.Truthy(result) {
			failed++
		}
	}
	switch failed {
	case 0:
		fmt.Fprintf(w, "All %d jobs successful.\n", len(results))
		return nil
	case len(results):
		return &FailedError{Failed: failed, Total: len(results)}
	}
	fmt.Fprintln(w, "Error on job parameters:")
	for i, result := range results {
		if clusterrun.Truthy(result) {
			continue
		}
		if i < len(list) {
			fmt.Fprintf(w, "  %v\n", list[i])
		} else {
			fmt.Fprintf(w, "  <no parameter %d>\n", i)
		}
	}
	return &FailedError{Failed: failed, Total: len(results)}
}

// Checked runs a batch with Run and applies the success policy of
// CheckResults to its results, reporting to the session's output.
func (s *Session) Checked(ctx context.Context, fn *clusterrun.FuncValue, params interface{}, opts ...RunOption) error {
	results, err := s.Run(ctx, fn, params, opts...)
	if err != nil {
		return err
	}
	return CheckResults(s.output, params, results)
}

// CheckedSGE is like Checked, but runs with scheduler SGE. The
// scheduler is forced on a clone of the settings supplied with
// WithSettings; the caller's settings keep their scheduler.
func (s *Session) CheckedSGE(ctx context.Context, fn *clusterrun.FuncValue, params interface{}, opts ...RunOption) error {
	return s.Checked(ctx, fn, params, forceScheduler(scheduler.SGE, opts)...)
}

// CheckedSlurm is like Checked, but runs with scheduler Slurm. The
// scheduler is forced on a clone of the settings supplied with
// WithSettings; the caller's settings keep their scheduler.
func (s *Session) CheckedSlurm(ctx context.Context, fn *clusterrun.FuncValue, params interface{}, opts ...RunOption) error {
	return s.Checked(ctx, fn, params, forceScheduler(scheduler.Slurm, opts)...)
}

// forceScheduler appends to opts a settings option whose scheduler is
// kind: a copy of the supplied settings, or fresh settings.
func forceScheduler(kind scheduler.Kind, opts []RunOption) []RunOption {
	o := makeRunOptions(opts)
	var forced *settings.Settings
	if o.settings != nil {
		forced = o.settings.Clone()
	} else {
		forced = new(settings.Settings)
	}
	forced.Scheduler = kind.String()
	return append(opts[:len(opts):len(opts)], WithSettings(forced))
}
