// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"
)

// LocalView is a view that runs invocations in-process in separate
// goroutines, at most one per job at a time.
type localView struct {
	b       *batch
	limiter *limiter.Limiter
}

func newLocalView(b *batch) *localView {
	v := &localView{b: b, limiter: limiter.New()}
	v.limiter.Release(b.Jobs)
	return v
}

func (v *localView) Map(ctx context.Context) ([]interface{}, error) {
	var (
		results = make([]interface{}, len(v.b.Invocations))
		g, gctx = errgroup.WithContext(ctx)
		err     error
	)
	for _, inv := range v.b.Invocations {
		// The only errors we can encounter here are context errors: either
		// ctx is done or an invocation has failed.
		if err = v.limiter.Acquire(gctx, 1); err != nil {
			break
		}
		inv := inv
		g.Go(func() error {
			defer v.limiter.Release(1)
			v.b.tracer.Event("local", v.b.Name, inv.Index, "B")
			result, err := inv.Invoke(gctx)
			v.b.tracer.Event("local", v.b.Name, inv.Index, "E", "ok", err == nil)
			if err != nil {
				v.b.failed.Add(1)
				log.Error.Printf("%s: invocation %d: %v", v.b.Name, inv.Index, err)
				return errors.E(fmt.Sprintf("invocation %d", inv.Index), err)
			}
			results[inv.Index] = result
			v.b.progress()
			return nil
		})
	}
	if werr := g.Wait(); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (*localView) Close(context.Context) error { return nil }
