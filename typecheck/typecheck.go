// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package typecheck contains typechecking utilities for cluster
// funcs and the parameter lists they are applied to.
package typecheck

import (
	"fmt"
	"reflect"
)

var typeOfEmptyInterface = reflect.TypeOf((*interface{})(nil)).Elem()

// Arg returns an error if arg cannot be passed as an argument of type
// expect. Untyped nils are accepted for types that can be nil.
func Arg(expect reflect.Type, arg interface{}) error {
	if arg == nil {
		switch expect.Kind() {
		case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
			return nil
		}
		return fmt.Errorf("wrong type for argument: cannot use nil as %s", expect)
	}
	have := reflect.TypeOf(arg)
	if expect.Kind() == reflect.Interface {
		if !have.Implements(expect) {
			return fmt.Errorf("wrong type for argument: type %s does not implement interface %s", have, expect)
		}
		return nil
	}
	if have != expect {
		return fmt.Errorf("wrong type for argument: expected %s, got %s", expect, have)
	}
	return nil
}

// Params unpacks a parameter list. The list may be any slice or array
// value; its elements are returned as a []interface{}. Each element
// is checked against the argument type expect.
func Params(expect reflect.Type, list interface{}) ([]interface{}, error) {
	if params, ok := list.([]interface{}); ok {
		for i, p := range params {
			if err := Arg(expect, p); err != nil {
				return nil, fmt.Errorf("parameter %d: %v", i, err)
			}
		}
		return params, nil
	}
	v := reflect.ValueOf(list)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
	case reflect.Invalid:
		return nil, nil
	default:
		return nil, fmt.Errorf("parameter list is a %T, not a slice", list)
	}
	elem := v.Type().Elem()
	if elem != typeOfEmptyInterface {
		ok := elem == expect
		if expect.Kind() == reflect.Interface {
			ok = elem.Implements(expect)
		}
		if !ok {
			return nil, fmt.Errorf("parameter list has element type %s, func takes %s", elem, expect)
		}
	}
	params := make([]interface{}, v.Len())
	for i := range params {
		params[i] = v.Index(i).Interface()
	}
	return params, nil
}
