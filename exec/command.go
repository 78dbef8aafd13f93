// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/clusterrun/scheduler"
)

// command returns the command line of the current execution. The
// format can be directly pasted into sh to be run.
func command() string {
	return scheduler.ShellQuote(os.Args)
}

// workerCommand returns the command line with which array tasks rerun
// the current binary. The executable path must be visible to the
// cluster's nodes.
func workerCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.E("cannot determine executable path", err)
	}
	return append([]string{exe}, os.Args[1:]...), nil
}
