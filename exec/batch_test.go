// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/clusterrun/scheduler"
)

type fakeMode int

const (
	// fakeRun runs array tasks in-process.
	fakeRun fakeMode = iota
	// fakeLost accepts jobs that never run and are never active.
	fakeLost
	// fakeHang accepts jobs that never run but remain active.
	fakeHang
	// fakeReject rejects all submissions.
	fakeReject
	// fakeUnreachable accepts jobs that never run, and fails to
	// report their state.
	fakeUnreachable
)

// fakeScheduler is a scheduler that runs array tasks as goroutines
// of the current process.
type fakeScheduler struct {
	mode fakeMode

	mu        sync.Mutex
	kind      scheduler.Kind
	jobs      []*scheduler.ArrayJob
	running   map[string]*sync.WaitGroup
	active    map[string]int
	cancelled []string
}

func newFakeScheduler(mode fakeMode) *fakeScheduler {
	return &fakeScheduler{
		mode:    mode,
		running: make(map[string]*sync.WaitGroup),
		active:  make(map[string]int),
	}
}

func (f *fakeScheduler) new(kind scheduler.Kind, _ scheduler.Executor) (scheduler.Scheduler, error) {
	f.mu.Lock()
	f.kind = kind
	f.mu.Unlock()
	return f, nil
}

func (f *fakeScheduler) Kind() scheduler.Kind { return f.kind }

func (f *fakeScheduler) Submit(ctx context.Context, job *scheduler.ArrayJob) (string, error) {
	if f.mode == fakeReject {
		return "", errors.E(errors.NotAllowed, "submission rejected")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	id := strconv.Itoa(len(f.jobs))
	switch f.mode {
	case fakeHang:
		f.active[id] = 1
	case fakeRun:
		wg := new(sync.WaitGroup)
		f.running[id] = wg
		f.active[id] = job.Tasks
		store := &batchStore{Prefix: job.Env[BatchEnv]}
		for task := 0; task < job.Tasks; task++ {
			task := task
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = runBatchTask(context.Background(), store, task)
				f.mu.Lock()
				f.active[id]--
				f.mu.Unlock()
			}()
		}
	}
	return id, nil
}

func (f *fakeScheduler) Active(ctx context.Context, id string) (bool, error) {
	if f.mode == fakeUnreachable {
		return false, errors.E(errors.Net, "scheduler unreachable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[id] > 0, nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, id)
	wg := f.running[id]
	if f.mode == fakeHang {
		f.active[id] = 0
	}
	f.mu.Unlock()
	// Tasks are not interrupted; they finish their current share.
	if wg != nil {
		wg.Wait()
	}
	return nil
}

func (f *fakeScheduler) Queue(ctx context.Context, user string) (string, error) {
	return "", nil
}

func checkBatchesRemoved(t *testing.T, dir string) {
	t.Helper()
	infos, err := ioutil.ReadDir(filepath.Join(dir, "batches"))
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("batches not removed: %d remaining", len(infos))
	}
}

func TestBatchRunSGE(t *testing.T) {
	sess, _, dir, cleanup := testSession(t)
	defer cleanup()
	fake := newFakeScheduler(fakeRun)
	sess.newScheduler = fake.new
	results, err := sess.RunSGE(context.Background(), fnSquare, rangeSlice(0, 21), MaxJobs(4), CoresPerJob(2))
	if err != nil {
		t.Fatal(err)
	}
	for i, result := range results {
		if got, want := result, i*i; got != want {
			t.Errorf("result %d: got %v, want %v", i, got, want)
		}
	}
	if got, want := fake.kind, scheduler.SGE; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	job := fake.jobs[0]
	if got, want := job.Tasks, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := job.CoresPerTask, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := job.Queue, "RAM.q"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := job.Mem, ""; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := job.Account, ""; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !strings.HasPrefix(job.Env[BatchEnv], filepath.Join(dir, "batches")) {
		t.Errorf("batch %s not in profile %s", job.Env[BatchEnv], dir)
	}
	if got, want := job.LogDir, filepath.Join(dir, "logs", filepath.Base(job.Env[BatchEnv])); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	checkBatchesRemoved(t, dir)
}

func TestBatchRunSlurm(t *testing.T) {
	sess, _, dir, cleanup := testSession(t)
	defer cleanup()
	fake := newFakeScheduler(fakeRun)
	sess.newScheduler = fake.new
	results, err := sess.RunSlurm(context.Background(), fnEven, rangeSlice(0, 5))
	if err != nil {
		t.Fatal(err)
	}
	for i, result := range results {
		if got, want := result, i%2 == 0; got != want {
			t.Errorf("result %d: got %v, want %v", i, got, want)
		}
	}
	job := fake.jobs[0]
	user, err := scheduler.CurrentUser()
	if err != nil {
		t.Fatal(err)
	}
	want := scheduler.ArrayJob{
		Tasks:        5,
		CoresPerTask: 1,
		Mem:          "5GB",
		Queue:        "RAM",
		TimeLimit:    7 * 24 * time.Hour,
		Account:      user,
	}
	got := scheduler.ArrayJob{
		Tasks:        job.Tasks,
		CoresPerTask: job.CoresPerTask,
		Mem:          job.Mem,
		Queue:        job.Queue,
		TimeLimit:    job.TimeLimit,
		Account:      job.Account,
	}
	if got.Tasks != want.Tasks || got.CoresPerTask != want.CoresPerTask || got.Mem != want.Mem ||
		got.Queue != want.Queue || got.TimeLimit != want.TimeLimit || got.Account != want.Account {
		t.Errorf("got %+v, want %+v", got, want)
	}
	checkBatchesRemoved(t, dir)
}

func TestBatchRunDispatch(t *testing.T) {
	sess, _, _, cleanup := testSession(t)
	defer cleanup()
	fake := newFakeScheduler(fakeRun)
	sess.newScheduler = fake.new
	s := localSettings()
	s.Scheduler = "slurm"
	s.MaxJobs = 50
	s.Mem = "20GB"
	results, err := sess.Run(context.Background(), fnSquare, rangeSlice(0, 3), WithSettings(s))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(results), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := fake.kind, scheduler.Slurm; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := fake.jobs[0].Tasks, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := fake.jobs[0].Mem, "20GB"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBatchWorkerError(t *testing.T) {
	sess, _, dir, cleanup := testSession(t)
	defer cleanup()
	fake := newFakeScheduler(fakeRun)
	sess.newScheduler = fake.new
	_, err := sess.RunSGE(context.Background(), fnFail, rangeSlice(0, 8), MaxJobs(2))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(errors.Remote, err) {
		t.Errorf("expected remote error, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad parameter 3") {
		t.Errorf("unexpected error %v", err)
	}
	checkBatchesRemoved(t, dir)
}

func TestBatchLost(t *testing.T) {
	sess, _, dir, cleanup := testSession(t)
	defer cleanup()
	fake := newFakeScheduler(fakeLost)
	sess.newScheduler = fake.new
	_, err := sess.RunSlurm(context.Background(), fnSquare, rangeSlice(0, 4))
	if !errors.Is(errors.Unavailable, err) {
		t.Errorf("expected unavailable error, got %v", err)
	}
	if got, want := len(fake.cancelled), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	checkBatchesRemoved(t, dir)
}

func TestBatchActiveError(t *testing.T) {
	save := retryPolicy
	retryPolicy = retry.MaxTries(retry.Backoff(time.Millisecond, time.Millisecond, 1), 3)
	defer func() { retryPolicy = save }()

	sess, _, dir, cleanup := testSession(t)
	defer cleanup()
	fake := newFakeScheduler(fakeUnreachable)
	sess.newScheduler = fake.new
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := sess.RunSGE(ctx, fnSquare, rangeSlice(0, 4))
	if !errors.Is(errors.Unavailable, err) {
		t.Errorf("expected unavailable error, got %v", err)
	}
	if ctx.Err() != nil {
		t.Error("gave up only after the context expired")
	}
	// The job state is unknown, so it is cancelled.
	if got, want := len(fake.cancelled), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	checkBatchesRemoved(t, dir)
}

func TestBatchCancel(t *testing.T) {
	sess, _, dir, cleanup := testSession(t)
	defer cleanup()
	fake := newFakeScheduler(fakeHang)
	sess.newScheduler = fake.new
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := sess.RunSGE(ctx, fnSquare, rangeSlice(0, 4))
	if err == nil {
		t.Fatal("expected error")
	}
	if got, want := fake.cancelled, []string{"1"}; len(got) != 1 || got[0] != want[0] {
		t.Errorf("got %v, want %v", got, want)
	}
	checkBatchesRemoved(t, dir)
}

func TestBatchSubmitError(t *testing.T) {
	sess, _, dir, cleanup := testSession(t)
	defer cleanup()
	fake := newFakeScheduler(fakeReject)
	sess.newScheduler = fake.new
	_, err := sess.RunSGE(context.Background(), fnSquare, rangeSlice(0, 4))
	if !errors.Is(errors.NotAllowed, err) {
		t.Errorf("expected not allowed error, got %v", err)
	}
	checkBatchesRemoved(t, dir)
}
