// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package scheduler drives cluster batch schedulers (SGE and Slurm)
// through their command line tools, and names the backends that a
// batch may be run on.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
)

// Kind names a batch backend.
type Kind int

const (
	// SGE runs batches as Sun/Univa Grid Engine array jobs. It is the
	// default.
	SGE Kind = iota
	// Slurm runs batches as Slurm job arrays.
	Slurm
	// Local runs batches in the current process.
	Local
	// Bigmachine runs batches on bigmachine machines.
	Bigmachine
)

var kindNames = map[Kind]string{
	SGE:        "sge",
	Slurm:      "slurm",
	Local:      "local",
	Bigmachine: "bigmachine",
}

// String returns the settings tag of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Parse returns the kind named by tag. Tags are case insensitive;
// the empty tag names the default, SGE.
func Parse(tag string) (Kind, error) {
	if tag == "" {
		return SGE, nil
	}
	for k, name := range kindNames {
		if strings.EqualFold(tag, name) {
			return k, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown scheduler %q", tag))
}

// Executor runs scheduler commands.
type Executor interface {
	// Exec runs the command argv and returns its combined output.
	Exec(ctx context.Context, argv []string) (string, error)
}

// An ArrayJob describes a job array: Tasks copies of Command, each
// run with the scheduler's array task index in its environment.
type ArrayJob struct {
	// Name of the job.
	Name string
	// Queue is the SGE queue or Slurm partition to submit to.
	Queue string
	// Tasks is the number of array tasks.
	Tasks int
	// CoresPerTask is the number of cores allocated to each task.
	CoresPerTask int
	// Mem is the memory allocated to each task (Slurm only).
	Mem string
	// TimeLimit is the wall clock limit of each task. Zero means
	// no limit is requested.
	TimeLimit time.Duration
	// Account is the account charged for the job (Slurm only).
	Account string
	// Command is the command run by each task.
	Command []string
	// Env contains additional environment variables for the tasks.
	Env map[string]string
	// LogDir is the directory to which task output is written.
	LogDir string
}

// Scheduler submits and manages job arrays.
type Scheduler interface {
	// Kind returns the kind of the scheduler.
	Kind() Kind
	// Submit submits the job array and returns its job ID.
	Submit(ctx context.Context, job *ArrayJob) (string, error)
	// Active tells whether any task of the job is still queued or
	// running.
	Active(ctx context.Context, id string) (bool, error)
	// Cancel cancels all tasks of the job.
	Cancel(ctx context.Context, id string) error
	// Queue returns the scheduler's listing of the user's jobs.
	Queue(ctx context.Context, user string) (string, error)
}

// New returns the scheduler of the given kind. Only SGE and Slurm
// are driven by command line tools.
func New(kind Kind, executor Executor) (Scheduler, error) {
	switch kind {
	case SGE:
		return NewSGE(executor), nil
	case Slurm:
		return NewSlurm(executor), nil
	}
	return nil, errors.E(errors.NotSupported, fmt.Sprintf("scheduler %s has no job arrays", kind))
}

// TaskIndex returns the zero-based array task index of the current
// process, as provided by SGE or Slurm in the environment read by
// getenv. TaskIndex returns an errors.NotExist error if the process
// is not an array task.
func TaskIndex(getenv func(string) string) (int, error) {
	if v := getenv("SLURM_ARRAY_TASK_ID"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, errors.E(errors.Invalid, "SLURM_ARRAY_TASK_ID", err)
		}
		return i, nil
	}
	if v := getenv("SGE_TASK_ID"); v != "" && v != "undefined" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, errors.E(errors.Invalid, "SGE_TASK_ID", err)
		}
		// SGE task ids are 1-based.
		return i - 1, nil
	}
	return 0, errors.E(errors.NotExist, "not an array task")
}

// FormatTimeLimit formats d as a Slurm time limit, "D-HH:MM:SS".
func FormatTimeLimit(d time.Duration) string {
	secs := int64(d / time.Second)
	days := secs / 86400
	secs %= 86400
	return fmt.Sprintf("%d-%02d:%02d:%02d", days, secs/3600, secs%3600/60, secs%60)
}

// formatSeconds formats d as "HH:MM:SS", as used by SGE resource
// requests.
func formatSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
}

// CurrentUser returns the name of the invoking user, from $USER or,
// if unset, from the system's user database.
func CurrentUser() (string, error) {
	if name := os.Getenv("USER"); name != "" {
		return name, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// ShellQuote quotes argv for use in a POSIX shell command line.
func ShellQuote(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		if arg != "" && strings.IndexFunc(arg, needsQuote) < 0 {
			quoted[i] = arg
			continue
		}
		quoted[i] = "'" + strings.Replace(arg, "'", `'\''`, -1) + "'"
	}
	return strings.Join(quoted, " ")
}

func needsQuote(r rune) bool {
	switch {
	case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,+@%", r)
}

func trimOutput(out string) string {
	return strings.TrimSpace(strings.TrimRight(out, "\n"))
}
