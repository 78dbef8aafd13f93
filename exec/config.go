// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("clusterrun", func(constr *config.Constructor) {
		sess := newSession()
		var (
			system       bigmachine.System
			pollInterval string
		)
		constr.InstanceVar(&system, "system", "", "the bigmachine system used by batches with scheduler bigmachine")
		constr.StringVar(&sess.profile, "profile", "", "the profile directory in which batches are staged; defaults to $HOME/.clusterrun")
		constr.StringVar(&pollInterval, "poll-interval", DefaultPollInterval.String(), "the interval at which batch results are polled")
		constr.Doc = "clusterrun configures the clusterrun runtime"
		constr.New = func() (interface{}, error) {
			d, err := time.ParseDuration(pollInterval)
			if err != nil {
				return nil, errors.E(errors.Invalid, "clusterrun: poll-interval", err)
			}
			if d <= 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("clusterrun: poll-interval %s is not positive", d))
			}
			sess.pollInterval = d
			sess.system = system
			sess.start()
			return sess, nil
		}
	})
}
