// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/grailbio/base/status"
	"github.com/grailbio/clusterrun/exec"
	"github.com/grailbio/clusterrun/settings"
	"github.com/grailbio/testutil"
)

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	ok, err := runCommand(ctx, Task{Command: "echo {} $CLUSTERRUN_PARAM", Param: "R1642J"}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("command failed")
	}
	if got, want := out.String(), "R1642J R1642J\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	ok, err = runCommand(ctx, Task{Command: "exit 3"}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("command succeeded")
	}
}

func TestReadParams(t *testing.T) {
	params, err := readParams(strings.NewReader("a\n\n  b \nc"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := strings.Join(params, ","), "a,b,c"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCheckedLocal(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	var out bytes.Buffer
	sess := exec.Start(exec.Profile(dir), exec.Output(&out), exec.Status(new(status.Status)))
	defer sess.Shutdown()
	s := &settings.Settings{Scheduler: "local"}
	ctx := context.Background()
	err := sess.Checked(ctx, runTask, tasks(`test "{}" != bad`, []string{"ok1", "bad", "ok2"}), exec.WithSettings(s))
	if err == nil {
		t.Fatal("expected error")
	}
	fe, ok := err.(*exec.FailedError)
	if !ok {
		t.Fatalf("got %T, want *exec.FailedError", err)
	}
	if got, want := fe.Failed, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !strings.Contains(out.String(), "Error on job parameters:\n  bad\n") {
		t.Errorf("failed parameter not reported: %q", out.String())
	}
}
