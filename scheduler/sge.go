// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

const (
	// DefaultSGEQueue is the queue to which SGE jobs are submitted
	// when none is given.
	DefaultSGEQueue = "RAM.q"
	// SGEParallelEnv is the parallel environment through which SGE
	// tasks request their cores.
	SGEParallelEnv = "python-round-robin"
)

// SGEScheduler drives a Grid Engine cluster with qsub, qstat and qdel.
type SGEScheduler struct {
	executor Executor
}

// NewSGE returns an SGE scheduler that runs its commands with the
// provided executor.
func NewSGE(executor Executor) *SGEScheduler {
	return &SGEScheduler{executor: executor}
}

// Kind implements Scheduler.
func (*SGEScheduler) Kind() Kind { return SGE }

// SubmitArgs returns the qsub command line that submits job.
func (s *SGEScheduler) SubmitArgs(job *ArrayJob) []string {
	queue := job.Queue
	if queue == "" {
		queue = DefaultSGEQueue
	}
	cores := job.CoresPerTask
	if cores < 1 {
		cores = 1
	}
	argv := []string{
		"qsub", "-terse",
		"-N", jobName(job.Name),
		"-t", fmt.Sprintf("1-%d", job.Tasks),
		"-q", queue,
		"-pe", SGEParallelEnv, strconv.Itoa(cores),
		"-cwd", "-V", "-j", "y",
	}
	if job.TimeLimit > 0 {
		argv = append(argv, "-l", "h_rt="+formatSeconds(job.TimeLimit))
	}
	if job.LogDir != "" {
		argv = append(argv, "-o", job.LogDir)
	}
	if len(job.Env) > 0 {
		argv = append(argv, "-v", envList(job.Env))
	}
	argv = append(argv, "-b", "y")
	return append(argv, job.Command...)
}

// Submit implements Scheduler. Qsub reports array job IDs as
// "ID.FIRST-LAST:STEP"; Submit returns only the ID.
func (s *SGEScheduler) Submit(ctx context.Context, job *ArrayJob) (string, error) {
	if job.Tasks < 1 {
		return "", errors.E(errors.Invalid, "qsub: job array has no tasks")
	}
	out, err := s.executor.Exec(ctx, s.SubmitArgs(job))
	if err != nil {
		log.Error.Printf("qsub failed: %v", err)
		return "", err
	}
	id := trimOutput(out)
	if i := strings.IndexByte(id, '.'); i >= 0 {
		id = id[:i]
	}
	if _, err := strconv.Atoi(id); err != nil {
		return "", errors.E(errors.Invalid, fmt.Sprintf("qsub: unexpected output %q", trimOutput(out)))
	}
	return id, nil
}

// Active implements Scheduler. Qstat fails for jobs that it no
// longer knows about; these are inactive.
func (s *SGEScheduler) Active(ctx context.Context, id string) (bool, error) {
	out, err := s.executor.Exec(ctx, []string{"qstat", "-j", id})
	if err != nil {
		if strings.Contains(out, "do not exist") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Cancel implements Scheduler.
func (s *SGEScheduler) Cancel(ctx context.Context, id string) error {
	_, err := s.executor.Exec(ctx, []string{"qdel", id})
	if err != nil {
		log.Error.Printf("qdel %s failed: %v", id, err)
	}
	return err
}

// Queue implements Scheduler.
func (s *SGEScheduler) Queue(ctx context.Context, user string) (string, error) {
	return s.executor.Exec(ctx, []string{"qstat", "-u", user})
}

// envList renders env as a sorted, comma separated list of
// assignments.
func envList(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, len(keys))
	for i, k := range keys {
		list[i] = k + "=" + env[k]
	}
	return strings.Join(list, ",")
}

func jobName(name string) string {
	if name == "" {
		return "clusterrun"
	}
	return name
}
