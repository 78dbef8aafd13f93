// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package clusterrun applies a function to a list of parameters on a
// compute cluster managed by a batch scheduler (SGE or Slurm), and
// collects the per-parameter results in input order.
//
// Because Go cannot serialize code to be sent over the wire and
// executed remotely, clusterrun programs follow a few rules:
//
//  1. Functions run on the cluster must be registered with
//     clusterrun.Func, and all such registrations must happen before
//     exec.Start is called. Registering funcs as global variables and
//     calling exec.Start from main is compliant.
//
//  2. Workers are copies of the driver binary launched by the scheduler.
//     The binary must therefore be runnable on the cluster's nodes, and
//     its path must be visible to them (typically on a shared home
//     directory).
//
//  3. Func arguments and results cross process boundaries with
//     encoding/gob, so they must be gob-encodable.
//
// A typical program:
//
//	var Analyze = clusterrun.Func(func(subject string) bool {
//		// Compute and save results for subject.
//		return true
//	})
//
//	func main() {
//		sess := exec.Start()
//		defer sess.Shutdown()
//		s := new(settings.Settings)
//		s.Scheduler = "slurm"
//		s.MaxJobs = 16
//		s.Mem = "20GB"
//		subjects := []string{"R1642J", "R1644T", "R1646T"}
//		if err := sess.Checked(context.Background(), Analyze, subjects, exec.WithSettings(s)); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// The session (package exec) selects the backend named by the settings'
// scheduler: "sge" (the default), "slurm", "local" (in-process
// goroutines), or "bigmachine".
package clusterrun
