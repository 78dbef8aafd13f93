// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package clusterconfig provides a mechanism to create a clusterrun
// session from a shared configuration. Clusterconfig uses the
// configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.clusterrun/config. Configurations may be provisioned
// using the clusterrun command.
package clusterconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/clusterrun/exec"
)

// Path determines the location of the clusterrun profile read
// by Parse.
var Path = os.ExpandEnv("$HOME/.clusterrun/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// the clusterrun configuration from Path and returns the session
// configured by it and any flags provided. Parse panics if session
// creation fails. The returned func shuts the session down.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	return Must()
}

// Must returns the session configured by the current profile,
// without touching flags. It panics if session creation fails.
func Must() (sess *exec.Session, shutdown func()) {
	config.Must("clusterrun", &sess)
	return sess, sess.Shutdown
}
