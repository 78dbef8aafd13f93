// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/clusterrun"
)

// batchManifest describes a batch staged in a batchStore.
type batchManifest struct {
	// Func is the index of the applied func.
	Func uint64
	// Count is the number of invocations.
	Count int
	// Jobs is the number of array tasks; task t runs the invocations
	// with index i ≡ t (mod Jobs).
	Jobs int
	// Digest is the driver's clusterrun.FuncLocationsDigest; workers
	// refuse to run batches of binaries with different funcs.
	Digest uint64
}

// fatalErr matches errors of fatal severity.
var fatalErr = errors.E(errors.Fatal)

// resultHeader precedes each stored result.
type resultHeader struct {
	// Err is the error message of a failed invocation, or empty.
	Err string
	// Fatal tells whether the failure was of fatal severity.
	Fatal bool
}

// BatchStore stages the invocations and results of a batch at a path
// supported by github.com/grailbio/base/file; thus batches can be
// staged on shared file systems or in S3. A batch is stored as
//
//	{Prefix}/manifest
//	{Prefix}/inv/{index}
//	{Prefix}/res/{index}
//
// Files are gob-encoded. Results appear atomically: a result file
// exists only once it has been written completely.
type batchStore struct {
	// Prefix is the directory under which the batch is stored.
	Prefix string
}

func (s *batchStore) manifestPath() string { return file.Join(s.Prefix, "manifest") }

func (s *batchStore) invocationPath(index int) string {
	return file.Join(s.Prefix, "inv", fmt.Sprintf("%06d", index))
}

func (s *batchStore) resultDir() string { return file.Join(s.Prefix, "res") }

func (s *batchStore) resultPath(index int) string {
	return file.Join(s.resultDir(), fmt.Sprintf("%06d", index))
}

// WriteManifest stores the batch manifest.
func (s *batchStore) WriteManifest(ctx context.Context, m batchManifest) error {
	return writeFile(ctx, s.manifestPath(), func(enc *gob.Encoder) error {
		return enc.Encode(m)
	})
}

// ReadManifest reads the batch manifest.
func (s *batchStore) ReadManifest(ctx context.Context) (batchManifest, error) {
	var m batchManifest
	err := readFile(ctx, s.manifestPath(), func(dec *gob.Decoder) error {
		return dec.Decode(&m)
	})
	return m, err
}

// WriteInvocation stages an invocation.
func (s *batchStore) WriteInvocation(ctx context.Context, inv clusterrun.Invocation) error {
	return writeFile(ctx, s.invocationPath(inv.Index), func(enc *gob.Encoder) error {
		return enc.Encode(inv)
	})
}

// ReadInvocation reads the invocation with the given index.
func (s *batchStore) ReadInvocation(ctx context.Context, index int) (clusterrun.Invocation, error) {
	var inv clusterrun.Invocation
	err := readFile(ctx, s.invocationPath(index), func(dec *gob.Decoder) error {
		return dec.Decode(&inv)
	})
	return inv, err
}

// WriteResult stores the result of invocation index of func fn.
func (s *batchStore) WriteResult(ctx context.Context, fn uint64, index int, result interface{}) error {
	return writeFile(ctx, s.resultPath(index), func(enc *gob.Encoder) error {
		if err := enc.Encode(resultHeader{}); err != nil {
			return err
		}
		return clusterrun.EncodeResult(enc, fn, result)
	})
}

// WriteError stores the failure of invocation index.
func (s *batchStore) WriteError(ctx context.Context, index int, failure error) error {
	return writeFile(ctx, s.resultPath(index), func(enc *gob.Encoder) error {
		return enc.Encode(resultHeader{
			Err:   failure.Error(),
			Fatal: errors.Match(fatalErr, failure),
		})
	})
}

// ReadResult reads the result of invocation index of func fn. Stored
// failures are returned as errors of kind errors.Remote; failures that
// were fatal keep severity errors.Fatal.
func (s *batchStore) ReadResult(ctx context.Context, fn uint64, index int) (result interface{}, err error) {
	err = readFile(ctx, s.resultPath(index), func(dec *gob.Decoder) error {
		var h resultHeader
		if err := dec.Decode(&h); err != nil {
			return err
		}
		if h.Err != "" {
			severity := errors.Unknown
			if h.Fatal {
				severity = errors.Fatal
			}
			return errors.E(errors.Remote, severity, fmt.Sprintf("invocation %d: %s", index, h.Err))
		}
		var err error
		result, err = clusterrun.DecodeResult(dec, fn)
		return err
	})
	return
}

// Completed returns the indices of the invocations for which results
// are stored.
func (s *batchStore) Completed(ctx context.Context) ([]int, error) {
	if isLocal(s.Prefix) {
		if _, err := os.Stat(s.resultDir()); os.IsNotExist(err) {
			return nil, nil
		}
	}
	var (
		indices []int
		lister  = file.List(ctx, s.resultDir(), false)
	)
	for lister.Scan() {
		if lister.IsDir() {
			continue
		}
		path := lister.Path()
		index, err := strconv.Atoi(path[strings.LastIndexByte(path, '/')+1:])
		if err != nil {
			// Partially written files on some file systems.
			continue
		}
		indices = append(indices, index)
	}
	if err := lister.Err(); err != nil && !isNotExist(err) {
		return nil, err
	}
	return indices, nil
}

// Remove removes all files of the batch.
func (s *batchStore) Remove(ctx context.Context) error {
	if isLocal(s.Prefix) {
		return os.RemoveAll(s.Prefix)
	}
	lister := file.List(ctx, s.Prefix, true)
	for lister.Scan() {
		if lister.IsDir() {
			continue
		}
		if err := file.Remove(ctx, lister.Path()); err != nil && !isNotExist(err) {
			return err
		}
	}
	if err := lister.Err(); err != nil && !isNotExist(err) {
		return err
	}
	return nil
}

func writeFile(ctx context.Context, path string, encode func(*gob.Encoder) error) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	// Encode into a buffer so that the file is written in one piece.
	var b bytes.Buffer
	if err := encode(gob.NewEncoder(&b)); err != nil {
		f.Discard(ctx)
		return errors.E(fmt.Sprintf("encode %s", path), err)
	}
	if _, err := f.Writer(ctx).Write(b.Bytes()); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}

func readFile(ctx context.Context, path string, decode func(*gob.Decoder) error) (err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := decode(gob.NewDecoder(f.Reader(ctx))); err != nil {
		if errors.Is(errors.Remote, err) {
			return err
		}
		return errors.E(errors.Invalid, fmt.Sprintf("decode %s", path), err)
	}
	return nil
}

// isLocal tells whether path is a path on the local file system,
// rather than a URL.
func isLocal(path string) bool {
	return !strings.Contains(path, "://")
}

func isNotExist(err error) bool {
	return errors.Is(errors.NotExist, err) || os.IsNotExist(err)
}
