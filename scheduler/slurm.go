// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

const (
	// DefaultSlurmPartition is the partition to which Slurm jobs are
	// submitted when none is given.
	DefaultSlurmPartition = "RAM"
	// DefaultSlurmTimeLimit is the time limit requested for Slurm
	// tasks when none is given.
	DefaultSlurmTimeLimit = 7 * 24 * time.Hour
)

// SlurmScheduler drives a Slurm cluster with sbatch, squeue and scancel.
type SlurmScheduler struct {
	executor Executor
}

// NewSlurm returns a Slurm scheduler that runs its commands with the
// provided executor.
func NewSlurm(executor Executor) *SlurmScheduler {
	return &SlurmScheduler{executor: executor}
}

// Kind implements Scheduler.
func (*SlurmScheduler) Kind() Kind { return Slurm }

// SubmitArgs returns the sbatch command line that submits job.
func (s *SlurmScheduler) SubmitArgs(job *ArrayJob) []string {
	partition := job.Queue
	if partition == "" {
		partition = DefaultSlurmPartition
	}
	cores := job.CoresPerTask
	if cores < 1 {
		cores = 1
	}
	limit := job.TimeLimit
	if limit <= 0 {
		limit = DefaultSlurmTimeLimit
	}
	argv := []string{
		"sbatch", "--parsable",
		"--job-name=" + jobName(job.Name),
		fmt.Sprintf("--array=0-%d", job.Tasks-1),
		"--partition=" + partition,
		"--cpus-per-task=" + strconv.Itoa(cores),
		"--time=" + FormatTimeLimit(limit),
	}
	if job.Mem != "" {
		argv = append(argv, "--mem="+job.Mem)
	}
	if job.Account != "" {
		argv = append(argv, "--account="+job.Account)
	}
	if job.LogDir != "" {
		argv = append(argv, "--output="+path.Join(job.LogDir, "%A_%a.log"))
	}
	export := "ALL"
	if len(job.Env) > 0 {
		export += "," + envList(job.Env)
	}
	argv = append(argv, "--export="+export)
	return append(argv, "--wrap="+ShellQuote(job.Command))
}

// Submit implements Scheduler. On federated clusters sbatch
// --parsable reports "ID;CLUSTER"; Submit returns only the ID.
func (s *SlurmScheduler) Submit(ctx context.Context, job *ArrayJob) (string, error) {
	if job.Tasks < 1 {
		return "", errors.E(errors.Invalid, "sbatch: job array has no tasks")
	}
	out, err := s.executor.Exec(ctx, s.SubmitArgs(job))
	if err != nil {
		log.Error.Printf("sbatch failed: %v", err)
		return "", err
	}
	id := trimOutput(out)
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}
	if _, err := strconv.Atoi(id); err != nil {
		return "", errors.E(errors.Invalid, fmt.Sprintf("sbatch: unexpected output %q", trimOutput(out)))
	}
	return id, nil
}

// Active implements Scheduler. Squeue lists nothing, or fails with
// "Invalid job id", once a job has left the queue.
func (s *SlurmScheduler) Active(ctx context.Context, id string) (bool, error) {
	out, err := s.executor.Exec(ctx, []string{"squeue", "-h", "-j", id, "-o", "%T"})
	if err != nil {
		if strings.Contains(out, "Invalid job id") {
			return false, nil
		}
		return false, err
	}
	return trimOutput(out) != "", nil
}

// Cancel implements Scheduler.
func (s *SlurmScheduler) Cancel(ctx context.Context, id string) error {
	_, err := s.executor.Exec(ctx, []string{"scancel", id})
	if err != nil {
		log.Error.Printf("scancel %s failed: %v", id, err)
	}
	return err
}

// Queue implements Scheduler.
func (s *SlurmScheduler) Queue(ctx context.Context, user string) (string, error) {
	return s.executor.Exec(ctx, []string{"squeue", "-u", user})
}
