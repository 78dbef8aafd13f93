// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package scheduler_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/clusterrun/scheduler"
	"github.com/grailbio/clusterrun/scheduler/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type SGETestSuite struct {
	suite.Suite
	executor *mocks.Executor
	impl     *scheduler.SGEScheduler
}

func (suite *SGETestSuite) BeforeTest(suiteName, testName string) {
	suite.executor = mocks.NewExecutor(suite.T())
	suite.impl = scheduler.NewSGE(suite.executor)
}

func (suite *SGETestSuite) TestSubmit() {
	// Arrange
	job := &scheduler.ArrayJob{
		Name:         "analyze",
		Tasks:        4,
		CoresPerTask: 2,
		Mem:          "5GB",
		Command:      []string{"/bin/prog", "-flag"},
		Env:          map[string]string{"B": "2", "A": "1"},
		LogDir:       "/home/user/.clusterrun/logs",
	}
	suite.executor.On(
		"Exec",
		mock.Anything,
		mock.MatchedBy(func(argv []string) bool {
			cmd := strings.Join(argv, " ")
			return argv[0] == "qsub" &&
				strings.Contains(cmd, "-t 1-4") &&
				strings.Contains(cmd, "-q RAM.q") &&
				strings.Contains(cmd, "-pe python-round-robin 2") &&
				strings.Contains(cmd, "-v A=1,B=2") &&
				strings.HasSuffix(cmd, "-b y /bin/prog -flag") &&
				!strings.Contains(cmd, "5GB")
		}),
	).Return("4242.1-4:1\n", nil)
	ctx := context.Background()

	// Act
	id, err := suite.impl.Submit(ctx, job)

	// Assert
	suite.NoError(err)
	suite.Equal("4242", id)
}

func (suite *SGETestSuite) TestSubmitArgs() {
	argv := suite.impl.SubmitArgs(&scheduler.ArrayJob{
		Queue:     "long.q",
		Tasks:     1,
		TimeLimit: 90 * time.Minute,
		Command:   []string{"prog"},
	})
	cmd := strings.Join(argv, " ")
	suite.Contains(cmd, "-q long.q")
	suite.Contains(cmd, "-pe python-round-robin 1")
	suite.Contains(cmd, "-l h_rt=01:30:00")
	suite.Contains(cmd, "-N clusterrun")
	suite.NotContains(cmd, " -v ")
}

func (suite *SGETestSuite) TestSubmitFailure() {
	suite.executor.On("Exec", mock.Anything, mock.Anything).
		Return("Unable to run job: denied", errors.New("exit status 1"))
	_, err := suite.impl.Submit(context.Background(), &scheduler.ArrayJob{Tasks: 1, Command: []string{"prog"}})
	suite.Error(err)
}

func (suite *SGETestSuite) TestSubmitGarbage() {
	suite.executor.On("Exec", mock.Anything, mock.Anything).Return("hello\n", nil)
	_, err := suite.impl.Submit(context.Background(), &scheduler.ArrayJob{Tasks: 1, Command: []string{"prog"}})
	suite.Error(err)
}

func (suite *SGETestSuite) TestSubmitEmpty() {
	_, err := suite.impl.Submit(context.Background(), &scheduler.ArrayJob{Command: []string{"prog"}})
	suite.Error(err)
}

func (suite *SGETestSuite) TestActive() {
	suite.executor.On("Exec", mock.Anything, []string{"qstat", "-j", "1"}).
		Return("job_number: 1\n", nil)
	suite.executor.On("Exec", mock.Anything, []string{"qstat", "-j", "2"}).
		Return("Following jobs do not exist:\n2\n", errors.New("exit status 1"))
	suite.executor.On("Exec", mock.Anything, []string{"qstat", "-j", "3"}).
		Return("error: commlib error\n", errors.New("exit status 1"))
	ctx := context.Background()

	active, err := suite.impl.Active(ctx, "1")
	suite.NoError(err)
	suite.True(active)
	active, err = suite.impl.Active(ctx, "2")
	suite.NoError(err)
	suite.False(active)
	_, err = suite.impl.Active(ctx, "3")
	suite.Error(err)
}

func (suite *SGETestSuite) TestCancel() {
	suite.executor.On("Exec", mock.Anything, []string{"qdel", "4242"}).Return("ok", nil)
	suite.NoError(suite.impl.Cancel(context.Background(), "4242"))
}

func (suite *SGETestSuite) TestQueue() {
	suite.executor.On("Exec", mock.Anything, []string{"qstat", "-u", "fakeUser"}).Return("listing", nil)
	out, err := suite.impl.Queue(context.Background(), "fakeUser")
	suite.NoError(err)
	suite.Equal("listing", out)
}

func TestSGETestSuite(t *testing.T) {
	suite.Run(t, &SGETestSuite{})
}
