// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package clusterrun

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"reflect"
)

// Invocation represents the application of a registered func to a
// single element of a parameter list. Invocations can be transmitted
// across process boundaries and thus may be invoked by remote
// workers running the same binary.
type Invocation struct {
	// Func is the registration index of the invoked func.
	Func uint64
	// Index is the position of Arg in the batch's parameter list.
	Index int
	// Arg is the argument to the func.
	Arg interface{}
}

// Invoke performs the invocation in the current process.
func (inv Invocation) Invoke(ctx context.Context) (interface{}, error) {
	return FuncByIndex(inv.Func).Call(ctx, inv.Arg)
}

var typeOfEmptyInterface = reflect.TypeOf((*interface{})(nil)).Elem()

// GobEncode implements gob.GobEncoder. Arguments are encoded using
// the func's declared argument type, so concrete argument types need
// not be registered with gob.
func (inv Invocation) GobEncode() ([]byte, error) {
	var (
		b   bytes.Buffer
		enc = gob.NewEncoder(&b)
	)
	if err := enc.Encode(inv.Func); err != nil {
		return nil, fmt.Errorf("encoding func: %v", err)
	}
	if err := enc.Encode(inv.Index); err != nil {
		return nil, fmt.Errorf("encoding index: %v", err)
	}
	if err := encodeValue(enc, FuncByIndex(inv.Func).In(), inv.Arg); err != nil {
		return nil, fmt.Errorf("encoding argument %d: %v", inv.Index, err)
	}
	return b.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (inv *Invocation) GobDecode(p []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(p))
	if err := dec.Decode(&inv.Func); err != nil {
		return fmt.Errorf("decoding func: %v", err)
	}
	if err := dec.Decode(&inv.Index); err != nil {
		return fmt.Errorf("decoding index: %v", err)
	}
	var err error
	inv.Arg, err = decodeValue(dec, FuncByIndex(inv.Func).In())
	if err != nil {
		return fmt.Errorf("decoding argument %d: %v", inv.Index, err)
	}
	return nil
}

// EncodeResult encodes a value returned by the func with the given
// index, using its declared result type.
func EncodeResult(enc *gob.Encoder, fn uint64, v interface{}) error {
	return encodeValue(enc, FuncByIndex(fn).Out(), v)
}

// DecodeResult decodes a value encoded by EncodeResult.
func DecodeResult(dec *gob.Decoder, fn uint64) (interface{}, error) {
	return decodeValue(dec, FuncByIndex(fn).Out())
}

// encodeValue encodes v as a value of type typ. Gob cannot encode
// untyped nils, nor nil pointers, so every value is preceded by a
// presence flag.
func encodeValue(enc *gob.Encoder, typ reflect.Type, v interface{}) error {
	present := !isNil(v)
	if err := enc.Encode(present); err != nil {
		return err
	}
	if !present {
		return nil
	}
	if typ.Kind() == reflect.Interface {
		// Pass the address of v so that Encode sends a value of interface
		// type; the concrete type must then be registered with gob.
		return enc.Encode(&v)
	}
	return enc.Encode(v)
}

func decodeValue(dec *gob.Decoder, typ reflect.Type) (interface{}, error) {
	var present bool
	if err := dec.Decode(&present); err != nil {
		return nil, err
	}
	if !present {
		if typ.Kind() == reflect.Interface {
			return nil, nil
		}
		return reflect.Zero(typ).Interface(), nil
	}
	var v reflect.Value
	if typ.Kind() == reflect.Interface {
		v = reflect.New(typeOfEmptyInterface)
	} else {
		v = reflect.New(typ)
	}
	if err := dec.DecodeValue(v); err != nil {
		return nil, err
	}
	return v.Elem().Interface(), nil
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
