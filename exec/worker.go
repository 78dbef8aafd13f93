// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/clusterrun"
	"github.com/grailbio/clusterrun/scheduler"
)

// BatchEnv is the environment variable through which array tasks
// receive the directory of their batch. Start runs a process in which
// it is set as a batch worker.
const BatchEnv = "CLUSTERRUN_BATCH"

// runBatchWorker runs the current array task's share of the batch
// stored in dir, and exits the process.
func runBatchWorker(s *Session, dir string) {
	task, err := scheduler.TaskIndex(os.Getenv)
	if err != nil {
		log.Fatalf("clusterrun worker: %v", err)
	}
	log.Printf("clusterrun worker: batch %s task %d", dir, task)
	if err := runBatchTask(s.Context, &batchStore{Prefix: dir}, task); err != nil {
		log.Fatalf("clusterrun worker: batch %s task %d: %v", dir, task, err)
	}
	os.Exit(0)
}

// runBatchTask runs the invocations of array task task: those with
// index i ≡ task (mod jobs), in order. The result of each invocation
// is stored before the next is run; the first failure is stored as
// the invocation's result and ends the task.
func runBatchTask(ctx context.Context, store *batchStore, task int) error {
	m, err := store.ReadManifest(ctx)
	if err != nil {
		return err
	}
	if task < 0 || task >= m.Jobs {
		return errors.E(errors.Invalid, fmt.Sprintf("task %d out of range [0, %d)", task, m.Jobs))
	}
	if digest := clusterrun.FuncLocationsDigest(); digest != m.Digest {
		err := errors.E(errors.Fatal, fmt.Sprintf("worker funcs (digest %x) differ from driver funcs (digest %x); check for local or non-deterministic Func creation", digest, m.Digest))
		if task < m.Count {
			if werr := store.WriteError(ctx, task, err); werr != nil {
				log.Error.Printf("storing error: %v", werr)
			}
		}
		return err
	}
	for i := task; i < m.Count; i += m.Jobs {
		if err := runStoredInvocation(ctx, store, m.Func, i); err != nil {
			if werr := store.WriteError(ctx, i, err); werr != nil {
				log.Error.Printf("storing error of invocation %d: %v", i, werr)
			}
			return err
		}
	}
	return nil
}

func runStoredInvocation(ctx context.Context, store *batchStore, fn uint64, index int) error {
	inv, err := store.ReadInvocation(ctx, index)
	if err != nil {
		return err
	}
	if inv.Func != fn || inv.Index != index {
		return errors.E(errors.Integrity, fmt.Sprintf("stored invocation %d is func %d index %d", index, inv.Func, inv.Index))
	}
	log.Debug.Printf("invocation %d: %s", index, clusterrun.FuncByIndex(fn).Location())
	result, err := inv.Invoke(ctx)
	if err != nil {
		return err
	}
	return store.WriteResult(ctx, fn, index, result)
}
