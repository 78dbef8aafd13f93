// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package clustercmd_test

import (
	"context"
	"flag"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/clusterrun/clustercmd"
	"github.com/grailbio/clusterrun/exec"
	"github.com/grailbio/clusterrun/settings"
	"github.com/grailbio/testutil"
)

func TestProvider(t *testing.T) {
	for _, c := range []struct {
		provider clustercmd.Provider
		name     string
	}{
		{&clustercmd.None{}, "none"},
		{&clustercmd.Local{}, "local"},
		{&clustercmd.EC2{}, "EC2"},
	} {
		if got, want := c.provider.Name(), c.name; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if (&clustercmd.None{}).ExecOption() != nil {
		t.Error("none provider returned an option")
	}
	ec2 := &clustercmd.EC2{}
	if err := ec2.Set("x=y"); err == nil {
		t.Errorf("expected an error")
	}
	if err := ec2.Set("dataspace=122"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if ec2.ExecOption() == nil {
		t.Error("ec2 provider returned no option")
	}
}

func TestSystemFlag(t *testing.T) {
	var sys clustercmd.SystemFlag
	if err := sys.Set("local"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := sys.Set("local:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	if err := sys.Set("bogus"); err == nil {
		t.Errorf("expected an error")
	}
	sys = clustercmd.SystemFlag{}
	if err := sys.Set("ec2:dataspace=200,rootsize=10"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := sys.String(), "EC2:dataspace=200,rootsize=10"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSystemProfile(t *testing.T) {
	clustercmd.RegisterSystemProfile("test-ec2", "ec2:instance=m5.xlarge")
	var sys clustercmd.SystemFlag
	if err := sys.Set("test-ec2:ondemand=true"); err != nil {
		t.Fatal(err)
	}
	if got, want := sys.String(), "EC2:instance=m5.xlarge,ondemand=true"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	_, profiles := clustercmd.ProvidersAndProfiles()
	if got, want := profiles["test-ec2"], "ec2:instance=m5.xlarge"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFlags(t *testing.T) {
	var (
		fs = flag.NewFlagSet("test", flag.ContinueOnError)
		cf clustercmd.Flags
	)
	fs.SetOutput(ioutil.Discard)
	clustercmd.RegisterFlags(fs, &cf, "cluster-")
	if got, want := cf.System.String(), "none"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := cf.PollInterval, exec.DefaultPollInterval; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := fs.Parse([]string{"-cluster-profile", "/shared/clusterrun", "-cluster-poll-interval", "2s"}); err != nil {
		t.Fatal(err)
	}
	if got, want := cf.Profile, "/shared/clusterrun"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	options, err := cf.ExecOptions()
	if err != nil {
		t.Fatal(err)
	}
	// Status, poll interval, and profile.
	if got, want := len(options), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	cf.PollInterval = 0
	if _, err := cf.ExecOptions(); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestBatchFlags(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	path := filepath.Join(dir, "settings.yaml")
	s := &settings.Settings{Scheduler: "slurm", MaxJobs: 8, Mem: "10GB"}
	if err := s.Save(ctx, path); err != nil {
		t.Fatal(err)
	}

	var (
		fs = flag.NewFlagSet("test", flag.ContinueOnError)
		bf clustercmd.BatchFlags
	)
	clustercmd.RegisterBatchFlags(fs, &bf, "")
	if err := fs.Parse([]string{"-settings", path, "-max-jobs", "2", "-time-limit", "1h"}); err != nil {
		t.Fatal(err)
	}
	opts, err := bf.RunOptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// WithSettings, MaxJobs, and TimeLimit.
	if got, want := len(opts), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	bf = clustercmd.BatchFlags{Scheduler: "pbs"}
	if _, err := bf.RunOptions(ctx); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	bf = clustercmd.BatchFlags{MaxJobs: -1}
	if _, err := bf.RunOptions(ctx); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	bf = clustercmd.BatchFlags{Settings: filepath.Join(dir, "missing.gob")}
	if _, err := bf.RunOptions(ctx); err == nil {
		t.Error("expected error")
	}
	bf = clustercmd.BatchFlags{Scheduler: "local", TimeLimit: time.Minute}
	opts, err = bf.RunOptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(opts), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
