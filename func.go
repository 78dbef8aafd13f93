// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package clusterrun

import (
	"context"
	"encoding/binary"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/clusterrun/typecheck"
	"github.com/spaolacci/murmur3"
)

var (
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
)

var (
	// Funcs is the global registry of funcs. We rely on deterministic
	// registration order, so that a worker (a copy of the driver's
	// binary) assigns the same index to each func. This is guaranteed
	// by Go's package initialization order for a single build.
	funcs []*FuncValue
	// FuncsBusy is used to detect data races in registration.
	funcsBusy int32
)

// A FuncValue represents a function that may be applied on the
// cluster, as returned by Func.
type FuncValue struct {
	fn          reflect.Value
	in          reflect.Type
	out         reflect.Type
	contextFunc bool
	errorFunc   bool
	index       uint64
	location    string
}

// Func registers fn as a cluster func. Fn must take a single
// argument, optionally preceded by a context.Context, and return a
// single value, optionally followed by an error:
//
//	func(T) R
//	func(context.Context, T) R
//	func(T) (R, error)
//	func(context.Context, T) (R, error)
//
// Cluster funcs are executed in separate worker processes that run
// copies of the current binary; they must therefore not depend on
// process state that was established outside of the function itself.
// Funcs must be registered during package initialization, or
// otherwise in a deterministic order, so that workers can name them:
//
//	var Analyze = clusterrun.Func(func(subject string) bool {
//		// ...
//		return true
//	})
//
// Func panics with a typecheck error if fn is not of a supported
// form. Arguments and results are encoded through the func's declared
// types; only implementations of interface types need gob.Register.
func Func(fn interface{}) *FuncValue {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		typecheck.Panicf(1, "clusterrun.Func: argument to func is a %T, not a func", fn)
	}
	ftype := fv.Type()
	v := &FuncValue{fn: fv}
	nin := ftype.NumIn()
	if nin > 0 && ftype.In(0) == typeOfContext {
		v.contextFunc = true
		nin--
	}
	if nin != 1 || ftype.IsVariadic() {
		typecheck.Panicf(1, "clusterrun.Func: func must take exactly one parameter (after an optional context.Context)")
	}
	v.in = ftype.In(ftype.NumIn() - 1)
	switch ftype.NumOut() {
	case 1:
		v.out = ftype.Out(0)
	case 2:
		if ftype.Out(1) != typeOfError {
			typecheck.Panicf(1, "clusterrun.Func: second return value must be an error, not %s", ftype.Out(1))
		}
		v.out = ftype.Out(0)
		v.errorFunc = true
	default:
		typecheck.Panicf(1, "clusterrun.Func: func must return a value, optionally followed by an error")
	}
	if v.out == typeOfError {
		typecheck.Panicf(1, "clusterrun.Func: func must return a result value, not only an error")
	}
	if _, file, line, ok := runtime.Caller(1); ok {
		v.location = fmt.Sprintf("%s:%d", file, line)
	} else {
		v.location = "<unknown>"
	}
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		panic("clusterrun.Func: data race")
	}
	v.index = uint64(len(funcs))
	funcs = append(funcs, v)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		panic("clusterrun.Func: data race")
	}
	return v
}

// In returns the type of f's argument.
func (f *FuncValue) In() reflect.Type { return f.in }

// Out returns the type of f's result value.
func (f *FuncValue) Out() reflect.Type { return f.out }

// Index returns the registration index of f.
func (f *FuncValue) Index() uint64 { return f.index }

// Location returns the source location at which f was registered.
func (f *FuncValue) Location() string { return f.location }

// Typecheck returns an error if arg cannot be passed to f.
func (f *FuncValue) Typecheck(arg interface{}) error {
	return typecheck.Arg(f.in, arg)
}

// Invocation creates an invocation of f on the provided argument,
// which is the index'th element of a batch. Invocation panics with a
// typecheck error if the argument's type does not match.
func (f *FuncValue) Invocation(index int, arg interface{}) Invocation {
	if err := f.Typecheck(arg); err != nil {
		panic(typecheck.NewError(1, err))
	}
	return Invocation{Func: f.index, Index: index, Arg: arg}
}

// Call invokes f on arg in the current process. A returned error or a
// panic in the function is returned as an error; panics are marked
// fatal, since they are not expected to succeed on retry.
func (f *FuncValue) Call(ctx context.Context, arg interface{}) (result interface{}, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("panic in func %s: %v\n%s", f.location, e, debug.Stack()))
		}
	}()
	argv := f.argValue(arg)
	if f.contextFunc {
		argv = append([]reflect.Value{reflect.ValueOf(ctx)}, argv...)
	}
	out := f.fn.Call(argv)
	if f.errorFunc {
		if e := out[1].Interface(); e != nil {
			return out[0].Interface(), e.(error)
		}
	}
	return out[0].Interface(), nil
}

func (f *FuncValue) argValue(arg interface{}) []reflect.Value {
	if arg == nil {
		// Untyped nils are passed as the zero value of the argument
		// type; Typecheck ensures this is legal.
		return []reflect.Value{reflect.Zero(f.in)}
	}
	return []reflect.Value{reflect.ValueOf(arg)}
}

// FuncByIndex returns the func registered with the provided index.
// FuncByIndex panics if no such func exists.
func FuncByIndex(index uint64) *FuncValue {
	if index >= uint64(len(funcs)) {
		panic(fmt.Sprintf("clusterrun.FuncByIndex: no func with index %d (%d registered)", index, len(funcs)))
	}
	return funcs[index]
}

// FuncLocations returns the registration locations of all funcs, in
// registration order. Drivers and workers compare these to make sure
// they agree on func indices.
func FuncLocations() []string {
	locs := make([]string, len(funcs))
	for i, f := range funcs {
		locs[i] = f.location
	}
	return locs
}

// FuncLocationsDigest returns a digest of FuncLocations.
func FuncLocationsDigest() uint64 {
	h := murmur3.New64()
	var b [8]byte
	for _, loc := range FuncLocations() {
		binary.LittleEndian.PutUint64(b[:], uint64(len(loc)))
		h.Write(b[:])
		h.Write([]byte(loc))
	}
	return h.Sum64()
}
