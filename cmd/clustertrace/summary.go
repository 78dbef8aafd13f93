// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"io"
	"log"
	"regexp"
	"sort"
	"time"
)

// event is a trace event as written by a clusterrun session.
type event struct {
	Pid  int                    `json:"pid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat"`
	Args map[string]interface{} `json:"args"`
}

// batchStat summarizes the invocations of a batch.
type batchStat struct {
	name   string
	hosts  int
	count  int
	failed int
	// start is measured as a duration offset from the start of tracing.
	start    time.Duration
	duration time.Duration
	total    time.Duration
	min      time.Duration
	q1       time.Duration
	q2       time.Duration
	q3       time.Duration
	max      time.Duration
}

// reInv matches invocation event names, e.g. "clusterrun-00c0ffee[12]".
var reInv = regexp.MustCompile(`^(.*)\[(\d+)\]$`)

func readEvents(r io.Reader) ([]event, error) {
	var trace struct {
		TraceEvents []event `json:"traceEvents"`
	}
	if err := json.NewDecoder(r).Decode(&trace); err != nil {
		return nil, err
	}
	return trace.TraceEvents, nil
}

// summarize returns the statistics of each batch in events, ordered
// by start time.
func summarize(events []event) []batchStat {
	type accum struct {
		hosts     map[int]bool
		failed    int
		minStart  time.Duration
		maxEnd    time.Duration
		durations []time.Duration
		total     time.Duration
	}
	accums := make(map[string]*accum)
	for _, e := range events {
		if e.Ph != "X" || e.Cat != "invocation" {
			continue
		}
		m := reInv.FindStringSubmatch(e.Name)
		if m == nil {
			log.Printf("could not parse name: %#v", e)
			continue
		}
		a, ok := accums[m[1]]
		if !ok {
			a = &accum{hosts: make(map[int]bool), minStart: time.Duration(1<<63 - 1)}
			accums[m[1]] = a
		}
		start := time.Duration(e.Ts) * time.Microsecond
		dur := time.Duration(e.Dur) * time.Microsecond
		a.hosts[e.Pid] = true
		if ok, _ := e.Args["ok"].(bool); !ok {
			a.failed++
		}
		if start < a.minStart {
			a.minStart = start
		}
		if end := start + dur; end > a.maxEnd {
			a.maxEnd = end
		}
		a.durations = append(a.durations, dur)
		a.total += dur
	}
	stats := make([]batchStat, 0, len(accums))
	for name, a := range accums {
		sort.Slice(a.durations, func(i, j int) bool { return a.durations[i] < a.durations[j] })
		q1, q2, q3 := computeQuartiles(a.durations)
		stats = append(stats, batchStat{
			name:     name,
			hosts:    len(a.hosts),
			count:    len(a.durations),
			failed:   a.failed,
			start:    a.minStart,
			duration: a.maxEnd - a.minStart,
			total:    a.total,
			min:      a.durations[0],
			q1:       q1,
			q2:       q2,
			q3:       q3,
			max:      a.durations[len(a.durations)-1],
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].start != stats[j].start {
			return stats[i].start < stats[j].start
		}
		return stats[i].name < stats[j].name
	})
	return stats
}

// computeQuartiles returns the quartiles of the sorted, non-empty ds
// by Tukey's method: q2 is the median, and q1 and q3 are the medians
// of the lower and upper halves, which include q2 when len(ds) is odd.
func computeQuartiles(ds []time.Duration) (q1, q2, q3 time.Duration) {
	mid := len(ds) / 2
	q2 = computeMedian(ds)
	q3 = ds[len(ds)-1]
	if len(ds) > 1 {
		q3 = computeMedian(ds[mid:])
	}
	right := mid
	if len(ds)%2 != 0 {
		right++
	}
	q1 = computeMedian(ds[:right])
	return
}

func computeMedian(ds []time.Duration) time.Duration {
	mid := len(ds) / 2
	if len(ds)%2 != 0 {
		return ds[mid]
	}
	// Average without overflow.
	a, b := ds[mid-1], ds[mid]
	return (a / 2) + (b / 2) + (((a % 2) + (b % 2)) / 2)
}
