// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package settings

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
)

func TestNew(t *testing.T) {
	s, err := New(map[string]interface{}{
		"scheduler":     "slurm",
		"max_jobs":      16,
		"cores_per_job": int64(2),
		"mem":           "20GB",
		"time_limit":    "48h",
		"somelist":      []int{1, 2, 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := &Settings{
		Scheduler:   "slurm",
		MaxJobs:     16,
		CoresPerJob: 2,
		Mem:         "20GB",
		TimeLimit:   48 * time.Hour,
		Extra:       map[string]interface{}{"somelist": []int{1, 2, 3}},
	}
	if got := s; !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
	if _, err := New(map[string]interface{}{"max_jobs": "many"}); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestAttributes(t *testing.T) {
	s := new(Settings)
	if s.Has(KeyScheduler) {
		t.Error("unexpected scheduler")
	}
	if err := s.Set(KeyScheduler, "sge"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("importantstring", "saveme"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(KeyMaxJobs, 4.0); err != nil {
		t.Fatal(err)
	}
	if got, want := s.Keys(), []string{"scheduler", "max_jobs", "importantstring"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	v, ok := s.Get("importantstring")
	if !ok || v != "saveme" {
		t.Errorf("got %v, %v", v, ok)
	}
	c := s.Clone()
	c.Delete("importantstring")
	c.Delete(KeyMaxJobs)
	if !s.Has("importantstring") || !s.Has(KeyMaxJobs) {
		t.Error("clone shares state with original")
	}
	if got, want := c.Keys(), []string{"scheduler"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStrings(t *testing.T) {
	s := &Settings{
		Scheduler: "slurm",
		MaxJobs:   16,
		Extra:     map[string]interface{}{"somelist": []int{1, 2, 3}},
	}
	if got, want := s.GoString(), `Settings(scheduler="slurm", max_jobs=16, somelist=[]int{1, 2, 3})`; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := s.String(), "scheduler: slurm\nmax_jobs: 16\nsomelist: [1 2 3]"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := new(Settings).GoString(), "Settings()"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func fuzzSettings(fz *fuzz.Fuzzer) *Settings {
	s := new(Settings)
	fz.Fuzz(&s.Scheduler)
	fz.Fuzz(&s.MaxJobs)
	fz.Fuzz(&s.CoresPerJob)
	fz.Fuzz(&s.Mem)
	fz.Fuzz(&s.Queue)
	fz.Fuzz(&s.TimeLimit)
	var (
		strs map[string]string
		ints map[string]int
	)
	fz.Fuzz(&strs)
	fz.Fuzz(&ints)
	s.Extra = make(map[string]interface{})
	for k, v := range strs {
		s.Extra["s"+k] = v
	}
	for k, v := range ints {
		s.Extra["i"+k] = v
	}
	return s
}

func TestSaveLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	fz := fuzz.New()
	fz.NilChance(0)
	fz.NumElements(1, 10)
	fz.Funcs(func(s *string, c fuzz.Continue) {
		b := make([]byte, 1+c.Intn(16))
		for i := range b {
			b[i] = alphabet[c.Intn(len(alphabet))]
		}
		*s = string(b)
	})
	for i, name := range []string{"settings.gob", "settings.yaml"} {
		want := fuzzSettings(fz)
		if name == "settings.yaml" {
			// YAML decodes durations from their string form only.
			want.TimeLimit = time.Duration(i) * time.Hour
		}
		path := filepath.Join(dir, name)
		if err := want.Save(ctx, path); err != nil {
			t.Fatal(err)
		}
		got, err := Load(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s: got %#v, want %#v", name, got, want)
		}
	}
}

func TestSaveLoadErrors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	if _, err := Load(ctx, filepath.Join(dir, "missing.gob")); err == nil {
		t.Error("expected error loading missing file")
	}
	corrupt := filepath.Join(dir, "corrupt.gob")
	if err := ioutil.WriteFile(corrupt, []byte("not a gob stream"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(ctx, corrupt); err == nil {
		t.Error("expected error loading corrupt file")
	}
	s := &Settings{Scheduler: "sge"}
	if err := s.Save(ctx, filepath.Join(corrupt, "settings.gob")); err == nil {
		t.Error("expected error saving below a regular file")
	}
}

func TestSaveEncodeError(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	path := filepath.Join(dir, "settings.gob")
	s := &Settings{Scheduler: "sge"}
	if err := s.Set("callback", func() {}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, path); err == nil {
		t.Fatal("expected error saving an unencodable value")
	}
	// The partially written file is discarded.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("got %v, want not exist", err)
	}
}
