// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command clustertrace summarizes the invocation trace written by a
// clusterrun session (see the -trace flag of clusterrun tools). For
// each batch it prints the number of invocations and hosts, the
// number of failed invocations, the batch's wall clock span, and the
// distribution of invocation durations.
//
//	clustertrace trace.json
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/clusterrun/clustercmd"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: clustertrace path")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("clustertrace: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
	}
	clustercmd.RegisterS3()
	ctx := context.Background()
	f, err := file.Open(ctx, flag.Arg(0))
	must.Nil(err)
	events, err := readEvents(f.Reader(ctx))
	must.Nil(err)
	must.Nil(f.Close(ctx))
	must.Nil(writeSummary(os.Stdout, summarize(events)))
}

func writeSummary(w io.Writer, stats []batchStat) error {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "batch\tinvocations\tfailed\thosts\tstart\tspan\ttotal\tmin\tq1\tq2\tq3\tmax")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.name, s.count, s.failed, s.hosts,
			round(s.start), round(s.duration), round(s.total),
			round(s.min), round(s.q1), round(s.q2), round(s.q3), round(s.max))
	}
	return tw.Flush()
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}
