// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Shell is an Executor that runs commands as subprocesses of the
// current process, as the invoking user.
type Shell struct{}

// Exec implements Executor.
func (*Shell) Exec(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", errors.E(errors.Invalid, "exec: empty command")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return "", errors.E(errors.NotExist, fmt.Sprintf("exec %s: scheduler command not found", argv[0]), err)
	}
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	log.Debug.Printf("exec: %s", strings.Join(argv, " "))
	out, err := c.CombinedOutput()
	if err != nil {
		return string(out), errors.E(fmt.Sprintf("exec %s: %s", argv[0], trimOutput(string(out))), err)
	}
	return string(out), nil
}
