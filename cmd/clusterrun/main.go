// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command clusterrun manages clusterrun settings files, profiles,
// and cluster jobs.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/clusterrun/clustercmd"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Clusterrun is a tool for managing clusterrun settings and jobs.

Usage:

	clusterrun <command> [arguments]

The commands are:

	settings       create, update, or show a settings file
	jobs           list the current user's cluster jobs
	cancel         cancel cluster jobs
	check-profile  check that a profile directory is usable by cluster jobs
	setup-ec2      configure EC2 for batches with scheduler bigmachine
`)
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("clusterrun: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	clustercmd.RegisterS3()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "settings":
		settingsCmd(args)
	case "jobs":
		jobsCmd(args)
	case "cancel":
		cancelCmd(args)
	case "check-profile":
		checkProfileCmd(args)
	case "setup-ec2":
		setupEC2Cmd(args)
	}
}
