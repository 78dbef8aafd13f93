// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/clusterrun"
	"github.com/grailbio/clusterrun/scheduler"
)

// stageParallelism is the number of invocations staged concurrently.
const stageParallelism = 32

// retryPolicy is used to retry transient errors when polling the
// batch store or the scheduler.
var retryPolicy = retry.MaxTries(retry.Backoff(time.Second, 5*time.Second, 1.5), 10)

// BatchView is a view that runs a batch as a job array on SGE or
// Slurm. Invocations and results are exchanged through a batchStore
// in the session's profile directory: the view stages the
// invocations, submits an array of Jobs tasks that rerun the current
// binary as batch workers, and polls the store for results.
type batchView struct {
	sess  *Session
	b     *batch
	sched scheduler.Scheduler
	store *batchStore
	// id is the scheduler's job ID, once submitted.
	id string
}

func openBatchView(ctx context.Context, s *Session, b *batch) (_ *batchView, err error) {
	sched, err := s.newScheduler(b.Kind, s.executor)
	if err != nil {
		return nil, err
	}
	v := &batchView{
		sess:  s,
		b:     b,
		sched: sched,
		store: &batchStore{Prefix: file.Join(s.profile, "batches", b.Name)},
	}
	defer func() {
		if err != nil {
			if rerr := v.store.Remove(s.Context); rerr != nil {
				log.Error.Printf("%s: removing staged batch: %v", b.Name, rerr)
			}
		}
	}()
	b.status.Printf("staging %d invocations", len(b.Invocations))
	err = v.store.WriteManifest(ctx, batchManifest{
		Func:   b.Func.Index(),
		Count:  len(b.Invocations),
		Jobs:   b.Jobs,
		Digest: clusterrun.FuncLocationsDigest(),
	})
	if err != nil {
		return nil, errors.E("staging batch manifest", err)
	}
	err = traverse.Limit(stageParallelism).Each(len(b.Invocations), func(i int) error {
		return v.store.WriteInvocation(ctx, b.Invocations[i])
	})
	if err != nil {
		return nil, errors.E("staging invocations", err)
	}
	command, err := workerCommand()
	if err != nil {
		return nil, err
	}
	job := &scheduler.ArrayJob{
		Name:         b.Name,
		Queue:        b.Resources.Queue,
		Tasks:        b.Jobs,
		CoresPerTask: b.Resources.CoresPerJob,
		Mem:          b.Resources.Mem,
		TimeLimit:    b.Resources.TimeLimit,
		Command:      command,
		Env:          map[string]string{BatchEnv: v.store.Prefix},
	}
	if b.Kind == scheduler.Slurm {
		if job.Account, err = scheduler.CurrentUser(); err != nil {
			return nil, errors.E("determining Slurm account", err)
		}
	}
	// Scheduler logs must be written to a local (shared) directory.
	if isLocal(s.profile) {
		job.LogDir = file.Join(s.profile, "logs", b.Name)
		if err = os.MkdirAll(job.LogDir, 0777); err != nil {
			return nil, err
		}
	}
	b.status.Printf("submitting %d %s jobs", b.Jobs, b.Kind)
	if v.id, err = sched.Submit(ctx, job); err != nil {
		return nil, errors.E(fmt.Sprintf("submitting %s job array", b.Kind), err)
	}
	log.Printf("%s: submitted %s job %s: %d tasks for %d invocations", b.Name, b.Kind, v.id, b.Jobs, len(b.Invocations))
	b.status.Printf("%s job %s: waiting for results", b.Kind, v.id)
	for _, inv := range b.Invocations {
		b.tracer.Event(v.taskHost(inv.Index), b.Name, inv.Index, "B")
	}
	return v, nil
}

// taskHost names the array task that runs invocation index.
func (v *batchView) taskHost(index int) string {
	return fmt.Sprintf("%s job %s task %d", v.b.Kind, v.id, index%v.b.Jobs)
}

// Map polls the batch store until every invocation has a result. It
// fails on the first stored invocation failure, when the job has left
// the scheduler's queue with results missing, and when the scheduler
// cannot be queried within retryPolicy.
func (v *batchView) Map(ctx context.Context) ([]interface{}, error) {
	var (
		n         = len(v.b.Invocations)
		results   = make([]interface{}, n)
		have      = make([]bool, n)
		remaining = n
		retries   int
		failures  int
		inactive  bool
	)
	for {
		indices, err := v.store.Completed(ctx)
		if err != nil {
			if !errors.IsTemporary(err) {
				return nil, err
			}
			log.Error.Printf("%s: polling results (%d): %v", v.b.Name, retries, err)
			retries++
			if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
				return nil, err
			}
			continue
		}
		retries = 0
		for _, i := range indices {
			if i < 0 || i >= n || have[i] {
				continue
			}
			result, err := v.store.ReadResult(ctx, v.b.Func.Index(), i)
			v.b.tracer.Event(v.taskHost(i), v.b.Name, i, "E", "ok", err == nil)
			if err != nil {
				v.b.failed.Add(1)
				return nil, errors.E(fmt.Sprintf("%s job %s", v.b.Kind, v.id), err)
			}
			results[i] = result
			have[i] = true
			remaining--
			v.b.progress()
		}
		if remaining == 0 {
			return results, nil
		}
		if inactive {
			return nil, errors.E(errors.Unavailable,
				fmt.Sprintf("%s job %s left the queue with %d of %d results missing", v.b.Kind, v.id, remaining, n))
		}
		// Results of tasks that finish between listing and this check
		// are collected by one more listing.
		active, err := v.sched.Active(ctx, v.id)
		if err != nil {
			log.Error.Printf("%s: checking %s job %s (%d): %v", v.b.Name, v.b.Kind, v.id, failures, err)
			failures++
			if werr := retry.Wait(ctx, retryPolicy, failures); werr != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, errors.E(errors.Unavailable,
					fmt.Sprintf("%s job %s: scheduler unreachable after %d attempts", v.b.Kind, v.id, failures), err)
			}
			continue
		}
		failures = 0
		if !active {
			inactive = true
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(v.sess.pollInterval):
		}
	}
}

// Close cancels the job if it is still queued or running, and
// removes the staged batch. Scheduler logs are kept.
func (v *batchView) Close(ctx context.Context) error {
	var err error
	if active, aerr := v.sched.Active(ctx, v.id); aerr != nil || active {
		log.Printf("%s: cancelling %s job %s", v.b.Name, v.b.Kind, v.id)
		err = v.sched.Cancel(ctx, v.id)
	}
	if rerr := v.store.Remove(ctx); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
