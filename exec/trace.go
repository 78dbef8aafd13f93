// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// traceEvent is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type traceEvent struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// A tracer records the invocations of a session's batches in the
// Chrome tracing format, viewable with chrome://tracing. Each host
// that runs invocations (the local process, a cluster job, or a
// bigmachine machine) is a Chrome "process"; invocations running
// concurrently on a host are assigned virtual thread IDs so that
// they are shown on their own rows. Begin and end events are
// coalesced into complete events when the trace is marshaled.
//
// A nil tracer ignores all events.
type tracer struct {
	mu sync.Mutex

	events    []traceEvent
	invEvents map[invocationKey][]traceEvent

	hostPids     map[string]int
	hostTidPools map[string]tidPool

	// firstEvent is the time of the first event; event timestamps
	// are offsets from it.
	firstEvent time.Time
}

// tidPool is a pool of virtual thread IDs. Its length is the maximum
// number of concurrently open begin events; the value at index i
// tells whether tid i+1 is available.
type tidPool []bool

type invocationKey struct {
	batch string
	index int
}

func newTracer() *tracer {
	return &tracer{
		invEvents:    make(map[invocationKey][]traceEvent),
		hostPids:     make(map[string]int),
		hostTidPools: make(map[string]tidPool),
	}
}

// Event logs an event of type ph ("B" or "E" for begin or end) for
// invocation index of the named batch, running on host. Args are
// interleaved key-value pairs attached to the event and must be of
// even length.
func (t *tracer) Event(host, batch string, index int, ph string, args ...interface{}) {
	if t == nil {
		return
	}
	if len(args)%2 != 0 {
		panic("tracer.Event: invalid arguments")
	}
	event := traceEvent{
		Ph:   ph,
		Name: fmt.Sprintf("%s[%d]", batch, index),
		Cat:  "invocation",
		Args: make(map[string]interface{}, len(args)/2),
	}
	for i := 0; i < len(args); i += 2 {
		event.Args[fmt.Sprint(args[i])] = args[i+1]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstEvent.IsZero() {
		t.firstEvent = time.Now()
	} else {
		event.Ts = time.Since(t.firstEvent).Nanoseconds() / 1e3
	}
	pid, ok := t.hostPids[host]
	if !ok {
		pid = len(t.hostPids) + 1
		t.hostPids[host] = pid
		t.events = append(t.events, traceEvent{
			Pid:  pid,
			Ts:   event.Ts,
			Ph:   "M",
			Name: "process_name",
			Args: map[string]interface{}{"name": host},
		})
	}
	event.Pid = pid
	key := invocationKey{batch, index}
	t.assignTid(host, t.invEvents[key], &event)
	t.invEvents[key] = append(t.invEvents[key], event)
}

// assignTid assigns a thread ID to event from host's pool. Events
// are the prior events of the same invocation.
func (t *tracer) assignTid(host string, events []traceEvent, event *traceEvent) {
	pool := t.hostTidPools[host]
	switch event.Ph {
	case "B":
		event.Tid = pool.Acquire()
		t.hostTidPools[host] = pool
	case "E":
		if len(events) == 0 {
			break
		}
		last := events[len(events)-1]
		if last.Ph != "B" {
			break
		}
		event.Tid = last.Tid
		pool.Release(event.Tid)
	}
}

// Marshal writes the trace to w in Chrome's event tracing format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	events := make([]traceEvent, len(t.events))
	copy(events, t.events)
	for _, v := range t.invEvents {
		events = appendCoalesce(events, v)
	}
	t.mu.Unlock()

	envelope := struct {
		TraceEvents []traceEvent `json:"traceEvents"`
	}{events}
	return json.NewEncoder(w).Encode(envelope)
}

// appendCoalesce appends events to list, matching each "B" event
// with the following "E" event into a single "X" event. Unmatched
// events are dropped.
func appendCoalesce(list []traceEvent, events []traceEvent) []traceEvent {
	var begIndex = -1
	for _, event := range events {
		if event.Ph == "B" && begIndex < 0 {
			begIndex = len(list)
		}
		if event.Ph == "E" && begIndex >= 0 {
			list[begIndex].Ph = "X"
			list[begIndex].Dur = event.Ts - list[begIndex].Ts
			if list[begIndex].Dur == 0 {
				list[begIndex].Dur = 1
			}
			for k, v := range event.Args {
				if _, ok := list[begIndex].Args[k]; !ok {
					list[begIndex].Args[k] = v
				}
			}
			begIndex = -1
		} else if event.Ph != "E" {
			list = append(list, event)
		}
	}
	if begIndex >= 0 {
		copy(list[begIndex:], list[begIndex+1:])
		list = list[:len(list)-1]
	}
	return list
}

// Acquire acquires an available thread ID from pool p. Thread IDs
// are 1-indexed; 0 is reserved for events without a thread.
func (p *tidPool) Acquire() int {
	for tid, available := range *p {
		if available {
			(*p)[tid] = false
			return tid + 1
		}
	}
	tid := len(*p)
	*p = append(*p, false)
	return tid + 1
}

// Release makes tid, previously returned by Acquire, available
// again.
func (p tidPool) Release(tid int) {
	if p[tid-1] {
		panic("releasing unallocated tid")
	}
	p[tid-1] = true
}

// writeTraceFile writes the trace to path, which may be any path
// supported by github.com/grailbio/base/file.
func writeTraceFile(ctx context.Context, t *tracer, path string) {
	f, err := file.Create(ctx, path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	if err := t.Marshal(f.Writer(ctx)); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
		f.Discard(ctx)
		return
	}
	if err := f.Close(ctx); err != nil {
		log.Error.Printf("error closing trace file at %q: %v", path, err)
	}
}
