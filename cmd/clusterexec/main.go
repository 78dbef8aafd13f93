// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command clusterexec runs a shell command once for each of a list
// of parameters on the cluster, and reports the parameters for which
// it failed.
//
//	clusterexec -scheduler slurm -max-jobs 32 -params subjects.txt 'analyze {} > out/{}.txt'
//
// Each occurrence of {} in the command is replaced by the parameter,
// which is also available to the command as $CLUSTERRUN_PARAM. A
// parameter succeeds if the command exits with status 0.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/clusterrun"
	"github.com/grailbio/clusterrun/clustercmd"
	clusterexec "github.com/grailbio/clusterrun/exec"
)

// ParamEnv is the environment variable that holds the parameter of
// a command.
const ParamEnv = "CLUSTERRUN_PARAM"

// Task is a single command invocation.
type Task struct {
	Command string
	Param   string
}

// String returns the task's parameter, so that failed tasks are
// reported by parameter.
func (t Task) String() string { return t.Param }

var runTask = clusterrun.Func(func(ctx context.Context, task Task) (bool, error) {
	return runCommand(ctx, task, os.Stderr)
})

// runCommand runs the task's command with sh. It returns false if
// the command ran and exited unsuccessfully, and an error if it could
// not be run.
func runCommand(ctx context.Context, task Task, output io.Writer) (bool, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", strings.Replace(task.Command, "{}", task.Param, -1))
	cmd.Env = append(os.Environ(), ParamEnv+"="+task.Param)
	cmd.Stdout = output
	cmd.Stderr = output
	err := cmd.Run()
	if _, ok := err.(*exec.ExitError); ok {
		log.Printf("%s: %v", task.Param, err)
		return false, nil
	}
	if err != nil {
		return false, errors.E("run", task.Param, err)
	}
	return true, nil
}

// readParams reads one parameter per non-empty line from r.
func readParams(r io.Reader) ([]string, error) {
	var params []string
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		if line := strings.TrimSpace(scan.Text()); line != "" {
			params = append(params, line)
		}
	}
	return params, scan.Err()
}

func loadParams(ctx context.Context, path string) ([]string, error) {
	if path == "-" {
		return readParams(os.Stdin)
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	return readParams(f.Reader(ctx))
}

func tasks(command string, params []string) []Task {
	tasks := make([]Task, len(params))
	for i, p := range params {
		tasks[i] = Task{Command: command, Param: p}
	}
	return tasks
}

func main() {
	var (
		batch  clustercmd.BatchFlags
		params = flag.String("params", "", "file with one parameter per line, or - for standard input; defaults to the arguments after the command")
	)
	clustercmd.RegisterBatchFlags(flag.CommandLine, &batch, "")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: clusterexec [flags] command [param...]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	clustercmd.Main(func(sess *clusterexec.Session, args []string) error {
		if len(args) == 0 {
			flag.Usage()
		}
		ctx := context.Background()
		command, list := args[0], args[1:]
		if *params != "" {
			var err error
			if list, err = loadParams(ctx, *params); err != nil {
				return err
			}
		}
		opts, err := batch.RunOptions(ctx)
		if err != nil {
			return err
		}
		return sess.Checked(ctx, runTask, tasks(command, list), opts...)
	})
}
