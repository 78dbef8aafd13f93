// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package clusterrun

import "reflect"

// A Truther decides its own truthiness.
type Truther interface {
	Truth() bool
}

// Truthy tells whether a func result counts as a success. Nils,
// false, numeric zeros, empty strings, slices, maps and channels, and
// nil pointers are falsy, as are non-nil errors (a func that returns
// an error value as its result has failed). Values implementing
// Truther decide for themselves. Everything else is truthy.
func Truthy(v interface{}) bool {
	switch v := v.(type) {
	case nil:
		return false
	case Truther:
		return v.Truth()
	case error:
		return false
	case bool:
		return v
	case string:
		return v != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Complex64, reflect.Complex128:
		return rv.Complex() != 0
	case reflect.String, reflect.Slice, reflect.Map, reflect.Chan, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface, reflect.Func:
		return !rv.IsNil()
	}
	return true
}
