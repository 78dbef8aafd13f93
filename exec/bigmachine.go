// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/clusterrun"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&mapper{})
}

// A mapper is the bigmachine service that applies funcs to
// invocations on a machine.
type mapper struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}
}

func (*mapper) Init(*bigmachine.B) error { return nil }

// FuncLocations returns the registration locations of the machine's
// funcs, so that the driver can verify that they match its own.
func (*mapper) FuncLocations(ctx context.Context, _ struct{}, locs *[]string) error {
	*locs = clusterrun.FuncLocations()
	return nil
}

// applyReply carries the gob-encoded result of an invocation; results
// are encoded with the func's declared result type.
type applyReply struct {
	Result []byte
}

// Apply performs an invocation and returns its result.
func (*mapper) Apply(ctx context.Context, inv clusterrun.Invocation, reply *applyReply) error {
	result, err := inv.Invoke(ctx)
	if err != nil {
		log.Printf("invocation %d: %v", inv.Index, err)
		return err
	}
	var b bytes.Buffer
	if err := clusterrun.EncodeResult(gob.NewEncoder(&b), inv.Func, result); err != nil {
		return errors.E(errors.Fatal, fmt.Sprintf("encoding result of invocation %d", inv.Index), err)
	}
	reply.Result = b.Bytes()
	return nil
}

// BigmachineView is a view that runs invocations on Jobs bigmachine
// machines, each running one invocation at a time.
type bigmachineView struct {
	b        *batch
	machines []*bigmachine.Machine
}

// openBigmachineView starts the batch's machines and waits for them
// to be running. Machines that fail to start are dropped; the view
// fails only if none start.
func openBigmachineView(ctx context.Context, s *Session, b *batch) (*bigmachineView, error) {
	params := append([]bigmachine.Param{bigmachine.Services{"Mapper": &mapper{}}}, s.params...)
	machines, err := s.machines.Start(ctx, b.Jobs, params...)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("starting %d machines", b.Jobs), err)
	}
	b.status.Printf("waiting for %d machines", len(machines))
	var (
		wg      sync.WaitGroup
		started = make([]*bigmachine.Machine, len(machines))
	)
	for i := range machines {
		i, m := i, machines[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-m.Wait(bigmachine.Running)
			if err := m.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", m.Addr, err)
				return
			}
			var locs []string
			if err := m.RetryCall(ctx, "Mapper.FuncLocations", struct{}{}, &locs); err != nil {
				log.Error.Printf("machine %s: verifying funcs: %v", m.Addr, err)
				m.Cancel()
				return
			}
			if !equalLocations(locs, clusterrun.FuncLocations()) {
				log.Panicf("machine %s has different funcs; check for local or non-deterministic Func creation", m.Addr)
			}
			log.Printf("machine %v is ready", m.Addr)
			started[i] = m
		}()
	}
	wg.Wait()
	v := &bigmachineView{b: b}
	for _, m := range started {
		if m != nil {
			v.machines = append(v.machines, m)
		}
	}
	if len(v.machines) == 0 {
		return nil, errors.E(errors.Unavailable, fmt.Sprintf("none of %d machines started", len(machines)))
	}
	return v, nil
}

// Map dispatches invocations to the machines in order, as they become
// free.
func (v *bigmachineView) Map(ctx context.Context) ([]interface{}, error) {
	var (
		results = make([]interface{}, len(v.b.Invocations))
		invc    = make(chan clusterrun.Invocation)
		g, gctx = errgroup.WithContext(ctx)
	)
	g.Go(func() error {
		defer close(invc)
		for _, inv := range v.b.Invocations {
			select {
			case invc <- inv:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for _, m := range v.machines {
		m := m
		g.Go(func() error {
			for inv := range invc {
				var reply applyReply
				v.b.tracer.Event(m.Addr, v.b.Name, inv.Index, "B")
				err := m.RetryCall(gctx, "Mapper.Apply", inv, &reply)
				v.b.tracer.Event(m.Addr, v.b.Name, inv.Index, "E", "ok", err == nil)
				if err != nil {
					v.b.failed.Add(1)
					return errors.E(fmt.Sprintf("invocation %d on machine %s", inv.Index, m.Addr), err)
				}
				result, err := clusterrun.DecodeResult(gob.NewDecoder(bytes.NewReader(reply.Result)), inv.Func)
				if err != nil {
					return errors.E(fmt.Sprintf("decoding result of invocation %d", inv.Index), err)
				}
				results[inv.Index] = result
				v.b.progress()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Close cancels the view's machines.
func (v *bigmachineView) Close(context.Context) error {
	for _, m := range v.machines {
		m.Cancel()
	}
	return nil
}

func equalLocations(x, y []string) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
