// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/clusterrun/scheduler"
	"github.com/grailbio/clusterrun/settings"
)

// Resources describes the cluster resources requested for a batch.
// Zero values are unset.
type Resources struct {
	// MaxJobs is the maximum number of concurrently running jobs.
	MaxJobs int
	// CoresPerJob is the number of cores allocated to each job.
	CoresPerJob int
	// Mem is the memory allocated to each job, e.g. "5GB". It is
	// forwarded only to Slurm.
	Mem string
	// Queue is the SGE queue or Slurm partition.
	Queue string
	// TimeLimit is the wall clock limit of each job.
	TimeLimit time.Duration
}

var (
	// DefaultResources are the defaults used by Run.
	DefaultResources = Resources{MaxJobs: 100, CoresPerJob: 1, Mem: "5GB"}
	// SGEDefaults are the defaults used by RunSGE.
	SGEDefaults = Resources{MaxJobs: 100, CoresPerJob: 1, Queue: scheduler.DefaultSGEQueue}
	// SlurmDefaults are the defaults used by RunSlurm.
	SlurmDefaults = Resources{
		MaxJobs:     64,
		CoresPerJob: 1,
		Mem:         "5GB",
		Queue:       scheduler.DefaultSlurmPartition,
		TimeLimit:   scheduler.DefaultSlurmTimeLimit,
	}
)

// Resolve merges resource requests. Each resource is taken from
// explicit if set there, else from the settings if the settings
// carry the attribute, else from defaults. The settings may be nil.
func Resolve(s *settings.Settings, explicit, defaults Resources) Resources {
	var fromSettings Resources
	if s != nil {
		fromSettings = Resources{
			MaxJobs:     s.MaxJobs,
			CoresPerJob: s.CoresPerJob,
			Mem:         s.Mem,
			Queue:       s.Queue,
			TimeLimit:   s.TimeLimit,
		}
	}
	return explicit.or(fromSettings).or(defaults)
}

// or returns r with its unset resources taken from other.
func (r Resources) or(other Resources) Resources {
	if r.MaxJobs == 0 {
		r.MaxJobs = other.MaxJobs
	}
	if r.CoresPerJob == 0 {
		r.CoresPerJob = other.CoresPerJob
	}
	if r.Mem == "" {
		r.Mem = other.Mem
	}
	if r.Queue == "" {
		r.Queue = other.Queue
	}
	if r.TimeLimit == 0 {
		r.TimeLimit = other.TimeLimit
	}
	return r
}

// Jobs returns the number of jobs requested for a batch of n
// invocations: min(n, r.MaxJobs).
func (r Resources) Jobs(n int) int {
	if n < r.MaxJobs {
		return n
	}
	return r.MaxJobs
}

func (r Resources) validate() error {
	if r.MaxJobs < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("max jobs must be positive, got %d", r.MaxJobs))
	}
	if r.CoresPerJob < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("cores per job must be positive, got %d", r.CoresPerJob))
	}
	if r.TimeLimit < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("negative time limit %s", r.TimeLimit))
	}
	return nil
}

// forBackend returns the resources actually forwarded to a backend of
// the given kind: backend defaults fill the queue and time limit, and
// memory is dropped for SGE.
func (r Resources) forBackend(kind scheduler.Kind) Resources {
	switch kind {
	case scheduler.SGE:
		r.Mem = ""
		r = r.or(Resources{Queue: SGEDefaults.Queue})
	case scheduler.Slurm:
		r = r.or(Resources{Queue: SlurmDefaults.Queue, TimeLimit: SlurmDefaults.TimeLimit})
	}
	return r
}

// A RunOption configures a single batch.
type RunOption func(*runOptions)

type runOptions struct {
	settings *settings.Settings
	explicit Resources
}

func makeRunOptions(opts []RunOption) runOptions {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithSettings supplies settings from which the scheduler and any
// resources not given explicitly are taken.
func WithSettings(s *settings.Settings) RunOption {
	return func(o *runOptions) {
		o.settings = s
	}
}

// MaxJobs sets the maximum number of concurrently running jobs.
func MaxJobs(n int) RunOption {
	if n <= 0 {
		panic("exec.MaxJobs: n <= 0")
	}
	return func(o *runOptions) {
		o.explicit.MaxJobs = n
	}
}

// CoresPerJob sets the number of cores allocated to each job.
func CoresPerJob(n int) RunOption {
	if n <= 0 {
		panic("exec.CoresPerJob: n <= 0")
	}
	return func(o *runOptions) {
		o.explicit.CoresPerJob = n
	}
}

// Mem sets the memory allocated to each Slurm job, e.g. "20GB".
func Mem(mem string) RunOption {
	return func(o *runOptions) {
		o.explicit.Mem = mem
	}
}

// Queue sets the SGE queue or Slurm partition.
func Queue(queue string) RunOption {
	return func(o *runOptions) {
		o.explicit.Queue = queue
	}
}

// TimeLimit sets the wall clock limit of each job.
func TimeLimit(d time.Duration) RunOption {
	if d <= 0 {
		panic("exec.TimeLimit: d <= 0")
	}
	return func(o *runOptions) {
		o.explicit.TimeLimit = d
	}
}
