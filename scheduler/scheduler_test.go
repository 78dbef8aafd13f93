// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package scheduler_test

import (
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/clusterrun/scheduler"
)

func TestParse(t *testing.T) {
	for _, c := range []struct {
		tag  string
		kind scheduler.Kind
	}{
		{"", scheduler.SGE},
		{"sge", scheduler.SGE},
		{"SGE", scheduler.SGE},
		{"slurm", scheduler.Slurm},
		{"Slurm", scheduler.Slurm},
		{"local", scheduler.Local},
		{"bigmachine", scheduler.Bigmachine},
	} {
		kind, err := scheduler.Parse(c.tag)
		if err != nil {
			t.Errorf("%q: %v", c.tag, err)
			continue
		}
		if got, want := kind, c.kind; got != want {
			t.Errorf("%q: got %v, want %v", c.tag, got, want)
		}
	}
	if _, err := scheduler.Parse("torque"); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestKindString(t *testing.T) {
	for _, kind := range []scheduler.Kind{scheduler.SGE, scheduler.Slurm, scheduler.Local, scheduler.Bigmachine} {
		parsed, err := scheduler.Parse(kind.String())
		if err != nil {
			t.Fatal(err)
		}
		if parsed != kind {
			t.Errorf("got %v, want %v", parsed, kind)
		}
	}
	if got, want := scheduler.Kind(42).String(), "Kind(42)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNew(t *testing.T) {
	s, err := scheduler.New(scheduler.Slurm, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := s.Kind(), scheduler.Slurm; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, ok := s.(*scheduler.SlurmScheduler); !ok {
		t.Errorf("got %T, want *scheduler.SlurmScheduler", s)
	}
	s, err = scheduler.New(scheduler.SGE, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*scheduler.SGEScheduler); !ok {
		t.Errorf("got %T, want *scheduler.SGEScheduler", s)
	}
	if got, want := s.Kind(), scheduler.SGE; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := scheduler.New(scheduler.Local, nil); !errors.Is(errors.NotSupported, err) {
		t.Errorf("expected not supported error, got %v", err)
	}
}

func TestTaskIndex(t *testing.T) {
	env := func(m map[string]string) func(string) string {
		return func(k string) string { return m[k] }
	}
	for _, c := range []struct {
		env   map[string]string
		index int
	}{
		{map[string]string{"SGE_TASK_ID": "1"}, 0},
		{map[string]string{"SGE_TASK_ID": "17"}, 16},
		{map[string]string{"SLURM_ARRAY_TASK_ID": "0"}, 0},
		{map[string]string{"SLURM_ARRAY_TASK_ID": "5", "SGE_TASK_ID": "1"}, 5},
	} {
		index, err := scheduler.TaskIndex(env(c.env))
		if err != nil {
			t.Errorf("%v: %v", c.env, err)
			continue
		}
		if got, want := index, c.index; got != want {
			t.Errorf("%v: got %v, want %v", c.env, got, want)
		}
	}
	for _, m := range []map[string]string{
		{},
		{"SGE_TASK_ID": "undefined"},
	} {
		if _, err := scheduler.TaskIndex(env(m)); !errors.Is(errors.NotExist, err) {
			t.Errorf("%v: expected not exist error, got %v", m, err)
		}
	}
	if _, err := scheduler.TaskIndex(env(map[string]string{"SLURM_ARRAY_TASK_ID": "x"})); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestFormatTimeLimit(t *testing.T) {
	for _, c := range []struct {
		d    time.Duration
		want string
	}{
		{7 * 24 * time.Hour, "7-00:00:00"},
		{90 * time.Minute, "0-01:30:00"},
		{25*time.Hour + 61*time.Second, "1-01:01:01"},
		{0, "0-00:00:00"},
	} {
		if got := scheduler.FormatTimeLimit(c.d); got != c.want {
			t.Errorf("%v: got %q, want %q", c.d, got, c.want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	for _, c := range []struct {
		argv []string
		want string
	}{
		{[]string{"/bin/prog", "-x=1"}, "/bin/prog -x=1"},
		{[]string{"echo", "hello world"}, "echo 'hello world'"},
		{[]string{"echo", "it's"}, `echo 'it'\''s'`},
		{[]string{"echo", ""}, "echo ''"},
		{[]string{"sh", "-c", "a && b"}, "sh -c 'a && b'"},
	} {
		if got := scheduler.ShellQuote(c.argv); got != c.want {
			t.Errorf("%q: got %q, want %q", c.argv, got, c.want)
		}
	}
}
