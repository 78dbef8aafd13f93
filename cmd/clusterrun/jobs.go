// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/clusterrun/scheduler"
)

// schedulerFlag registers the -scheduler flag shared by the job
// commands.
func schedulerFlag(flags *flag.FlagSet) *string {
	return flags.String("scheduler", "sge", "cluster scheduler: sge or slurm")
}

func commandScheduler(name string) scheduler.Scheduler {
	kind, err := scheduler.Parse(name)
	must.Nil(err)
	sched, err := scheduler.New(kind, new(scheduler.Shell))
	must.Nil(err)
	return sched
}

func jobsCmd(args []string) {
	var (
		flags = flag.NewFlagSet("clusterrun jobs", flag.ExitOnError)
		sched = schedulerFlag(flags)
		user  = flags.String("user", "", "list jobs of this user instead of the current user")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: clusterrun jobs [-scheduler sge|slurm] [-user name]")
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}
	must.Nil(listJobs(context.Background(), os.Stdout, commandScheduler(*sched), *user))
}

func listJobs(ctx context.Context, w io.Writer, sched scheduler.Scheduler, user string) error {
	if user == "" {
		var err error
		if user, err = scheduler.CurrentUser(); err != nil {
			return err
		}
	}
	queue, err := sched.Queue(ctx, user)
	if err != nil {
		return err
	}
	if queue == "" {
		fmt.Fprintf(w, "no %s jobs for %s\n", sched.Kind(), user)
		return nil
	}
	fmt.Fprintln(w, queue)
	return nil
}

func cancelCmd(args []string) {
	var (
		flags = flag.NewFlagSet("clusterrun cancel", flag.ExitOnError)
		sched = schedulerFlag(flags)
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: clusterrun cancel [-scheduler sge|slurm] jobid...")
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() == 0 {
		flags.Usage()
	}
	must.Nil(cancelJobs(context.Background(), commandScheduler(*sched), flags.Args()))
}

// cancelJobs cancels each job, continuing past failures, and returns
// the first error.
func cancelJobs(ctx context.Context, sched scheduler.Scheduler, ids []string) error {
	var first error
	for _, id := range ids {
		if err := sched.Cancel(ctx, id); err != nil {
			log.Error.Printf("cancel %s job %s: %v", sched.Kind(), id, err)
			if first == nil {
				first = errors.E("cancel", id, err)
			}
			continue
		}
		log.Printf("cancelled %s job %s", sched.Kind(), id)
	}
	return first
}
