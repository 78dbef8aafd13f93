// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package settings provides an open-ended record of analysis and
// cluster settings that can be saved to, and restored from, a file.
//
//	s := new(settings.Settings)
//	s.Scheduler = "slurm"
//	s.MaxJobs = 16
//	s.Mem = "20GB"
//	must.Nil(s.Set("subjects", []string{"R1642J", "R1644T"}))
//	must.Nil(s.Save(ctx, "my_analysis.gob"))
//
//	s, err := settings.Load(ctx, "my_analysis.gob")
//
// The cluster attributes consumed by package exec are named fields;
// any other attribute is kept in Extra. Attribute values in Extra are
// serialized with encoding/gob, so custom types must be registered
// with gob.Register before settings containing them are saved or
// loaded.
package settings

import (
	"context"
	"encoding/gob"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"gopkg.in/yaml.v3"
)

// Keys of the named attributes.
const (
	KeyScheduler   = "scheduler"
	KeyMaxJobs     = "max_jobs"
	KeyCoresPerJob = "cores_per_job"
	KeyMem         = "mem"
	KeyQueue       = "queue"
	KeyTimeLimit   = "time_limit"
)

// DefaultPath is the file name used by tools when no settings path
// is given.
const DefaultPath = "settings.gob"

var knownKeys = []string{KeyScheduler, KeyMaxJobs, KeyCoresPerJob, KeyMem, KeyQueue, KeyTimeLimit}

// Settings is a mutable record of attributes. A zero value of a named
// field means that the attribute is unset. Settings performs no
// validation of attribute values beyond their types.
type Settings struct {
	// Scheduler names the backend that runs batches: "sge", "slurm",
	// "local", or "bigmachine".
	Scheduler string `yaml:"scheduler,omitempty"`
	// MaxJobs is the maximum number of concurrently running jobs.
	MaxJobs int `yaml:"max_jobs,omitempty"`
	// CoresPerJob is the number of processor cores allocated to each job.
	CoresPerJob int `yaml:"cores_per_job,omitempty"`
	// Mem is the memory allocated to each job, formatted like "5GB".
	Mem string `yaml:"mem,omitempty"`
	// Queue is the scheduler queue (SGE) or partition (Slurm).
	Queue string `yaml:"queue,omitempty"`
	// TimeLimit is the wall clock limit of each job.
	TimeLimit time.Duration `yaml:"time_limit,omitempty"`

	// Extra holds all other attributes.
	Extra map[string]interface{} `yaml:",inline"`
}

// New returns a new Settings with the provided attributes set.
func New(attrs map[string]interface{}) (*Settings, error) {
	s := new(Settings)
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.Set(k, attrs[k]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Set sets the attribute key to value. Values of the named attributes
// are converted to the attribute's type; Set returns an
// errors.Invalid error if this is not possible.
func (s *Settings) Set(key string, value interface{}) error {
	var err error
	switch key {
	case KeyScheduler:
		s.Scheduler, err = toString(key, value)
	case KeyMaxJobs:
		s.MaxJobs, err = toInt(key, value)
	case KeyCoresPerJob:
		s.CoresPerJob, err = toInt(key, value)
	case KeyMem:
		s.Mem, err = toString(key, value)
	case KeyQueue:
		s.Queue, err = toString(key, value)
	case KeyTimeLimit:
		s.TimeLimit, err = toDuration(key, value)
	default:
		if s.Extra == nil {
			s.Extra = make(map[string]interface{})
		}
		s.Extra[key] = value
	}
	return err
}

// Get returns the value of the attribute key, and whether it is set.
func (s *Settings) Get(key string) (interface{}, bool) {
	switch key {
	case KeyScheduler:
		return s.Scheduler, s.Scheduler != ""
	case KeyMaxJobs:
		return s.MaxJobs, s.MaxJobs != 0
	case KeyCoresPerJob:
		return s.CoresPerJob, s.CoresPerJob != 0
	case KeyMem:
		return s.Mem, s.Mem != ""
	case KeyQueue:
		return s.Queue, s.Queue != ""
	case KeyTimeLimit:
		return s.TimeLimit, s.TimeLimit != 0
	}
	v, ok := s.Extra[key]
	return v, ok
}

// Has tells whether the attribute key is set.
func (s *Settings) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Delete unsets the attribute key.
func (s *Settings) Delete(key string) {
	switch key {
	case KeyScheduler:
		s.Scheduler = ""
	case KeyMaxJobs:
		s.MaxJobs = 0
	case KeyCoresPerJob:
		s.CoresPerJob = 0
	case KeyMem:
		s.Mem = ""
	case KeyQueue:
		s.Queue = ""
	case KeyTimeLimit:
		s.TimeLimit = 0
	default:
		delete(s.Extra, key)
	}
}

// Keys returns the keys of all set attributes: the named attributes
// first, in a fixed order, followed by the others in sorted order.
func (s *Settings) Keys() []string {
	var keys []string
	for _, k := range knownKeys {
		if s.Has(k) {
			keys = append(keys, k)
		}
	}
	extra := make([]string, 0, len(s.Extra))
	for k := range s.Extra {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	return append(keys, extra...)
}

// Clone returns a copy of s. Extra attribute values are shared.
func (s *Settings) Clone() *Settings {
	c := *s
	if s.Extra != nil {
		c.Extra = make(map[string]interface{}, len(s.Extra))
		for k, v := range s.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// GoString returns a constructor-like representation of s.
func (s *Settings) GoString() string {
	keys := s.Keys()
	elems := make([]string, len(keys))
	for i, k := range keys {
		v, _ := s.Get(k)
		elems[i] = k + "=" + repr(v)
	}
	return "Settings(" + strings.Join(elems, ", ") + ")"
}

// String returns s formatted for display, one "key: value" pair per
// line.
func (s *Settings) String() string {
	keys := s.Keys()
	lines := make([]string, len(keys))
	for i, k := range keys {
		v, _ := s.Get(k)
		lines[i] = fmt.Sprintf("%s: %v", k, v)
	}
	return strings.Join(lines, "\n")
}

func repr(v interface{}) string {
	switch v := v.(type) {
	case string:
		return strconv.Quote(v)
	case time.Duration:
		return strconv.Quote(v.String())
	}
	return fmt.Sprintf("%#v", v)
}

// Save writes all attributes of s to the file at path. Paths with a
// ".yaml" or ".yml" extension are written as YAML; all others are
// written with encoding/gob. Path may name any location supported by
// github.com/grailbio/base/file, including S3 URLs.
func (s *Settings) Save(ctx context.Context, path string) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E("settings.Save", path, err)
	}
	w := f.Writer(ctx)
	if isYAML(path) {
		enc := yaml.NewEncoder(w)
		err = enc.Encode(s)
		if err == nil {
			err = enc.Close()
		}
	} else {
		err = gob.NewEncoder(w).Encode(s)
	}
	if err != nil {
		f.Discard(ctx)
		return errors.E("settings.Save", path, err)
	}
	return f.Close(ctx)
}

// Load reads settings previously written by Save from the file at
// path.
func Load(ctx context.Context, path string) (*Settings, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E("settings.Load", path, err)
	}
	defer func() {
		if err := f.Close(ctx); err != nil {
			log.Error.Printf("settings.Load %s: close: %v", path, err)
		}
	}()
	s := new(Settings)
	r := f.Reader(ctx)
	if isYAML(path) {
		err = yaml.NewDecoder(r).Decode(s)
	} else {
		err = gob.NewDecoder(r).Decode(s)
	}
	if err != nil {
		return nil, errors.E(errors.Invalid, "settings.Load", path, err)
	}
	return s, nil
}

func isYAML(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

func toString(key string, value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	}
	return "", errors.E(errors.Invalid, fmt.Sprintf("settings: %s: expected a string, got %T", key, value))
}

func toInt(key string, value interface{}) (int, error) {
	if value == nil {
		return 0, nil
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int(v.Uint()), nil
	case reflect.Float32, reflect.Float64:
		if f := v.Float(); f == float64(int(f)) {
			return int(f), nil
		}
	case reflect.String:
		n, err := strconv.Atoi(v.String())
		if err == nil {
			return n, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("settings: %s: expected an integer, got %#v", key, value))
}

func toDuration(key string, value interface{}) (time.Duration, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err == nil {
			return d, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("settings: %s: expected a duration, got %#v", key, value))
}
