// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/clusterrun/settings"
)

func settingsUsage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: clusterrun settings [-f path] [-new] [key=value | key= ...]

Command settings creates or updates the settings file at path with the
given attributes and prints the result. Attributes given as key=value
are set, and attributes given as key= are removed. Without arguments, the
file is printed unchanged.

The cluster attributes are scheduler, max_jobs, cores_per_job, mem,
queue, and time_limit (a duration such as 12h). Other attributes are
stored as strings.

Paths ending in .yaml or .yml are written as YAML, all others with
encoding/gob.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func settingsCmd(args []string) {
	var (
		flags  = flag.NewFlagSet("clusterrun settings", flag.ExitOnError)
		path   = flags.String("f", settings.DefaultPath, "settings file")
		create = flags.Bool("new", false, "start from empty settings instead of the existing file")
	)
	flags.Usage = func() { settingsUsage(flags) }
	must.Nil(flags.Parse(args))
	ctx := context.Background()
	must.Nil(updateSettings(ctx, os.Stdout, *path, *create, flags.Args()))
}

// updateSettings applies the edits in args to the settings file at
// path and prints the result to w. The file is written only if args
// is non-empty.
func updateSettings(ctx context.Context, w io.Writer, path string, create bool, args []string) error {
	s := new(settings.Settings)
	if !create {
		loaded, err := settings.Load(ctx, path)
		switch {
		case err == nil:
			s = loaded
		case errors.Is(errors.NotExist, err) && len(args) > 0:
		default:
			return err
		}
	}
	for _, arg := range args {
		kv := strings.SplitN(arg, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return errors.E(errors.Invalid, fmt.Sprintf("argument %q is not key=value", arg))
		}
		if kv[1] == "" {
			s.Delete(kv[0])
			continue
		}
		if err := s.Set(kv[0], kv[1]); err != nil {
			return err
		}
	}
	if len(args) > 0 || create {
		if err := s.Save(ctx, path); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "# %s\n", path)
	if str := s.String(); str != "" {
		fmt.Fprintln(w, str)
	}
	return nil
}
