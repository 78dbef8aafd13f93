// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/clusterrun/exec"
)

func checkProfileCmd(args []string) {
	var (
		flags   = flag.NewFlagSet("clusterrun check-profile", flag.ExitOnError)
		profile = flags.String("profile", exec.DefaultProfile(), "profile directory to check")
	)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, `usage: clusterrun check-profile [-profile dir]

Command check-profile checks that batches can be staged in the profile
directory: that an S3 profile's bucket is reachable, and that a file
can be written, read back, and removed.

The flags are:
`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	ctx := context.Background()
	if bucket, ok := s3Bucket(*profile); ok {
		sess, err := session.NewSession()
		must.Nil(err, "setting up AWS session")
		must.Nil(checkBucket(ctx, s3.New(sess), bucket))
		log.Printf("bucket %s is reachable", bucket)
	}
	must.Nil(checkProfile(ctx, *profile))
	log.Printf("profile %s is usable", *profile)
}

// s3Bucket returns the bucket of an s3:// path.
func s3Bucket(path string) (string, bool) {
	const prefix = "s3://"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	bucket := strings.SplitN(strings.TrimPrefix(path, prefix), "/", 2)[0]
	return bucket, bucket != ""
}

func checkBucket(ctx context.Context, client s3iface.S3API, bucket string) error {
	_, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return errors.E(errors.Unavailable, "head bucket", bucket, err)
	}
	return nil
}

// checkProfile writes a probe file beneath the profile, reads it
// back, and removes it.
func checkProfile(ctx context.Context, profile string) error {
	if !strings.Contains(profile, "://") {
		if err := os.MkdirAll(profile, 0777); err != nil {
			return errors.E("create profile", profile, err)
		}
	}
	var (
		path  = file.Join(profile, fmt.Sprintf("check-%d", time.Now().UnixNano()))
		probe = "clusterrun profile check\n"
	)
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E("create", path, err)
	}
	if _, err := f.Writer(ctx).Write([]byte(probe)); err != nil {
		f.Discard(ctx)
		return errors.E("write", path, err)
	}
	if err := f.Close(ctx); err != nil {
		return errors.E("close", path, err)
	}
	defer func() {
		if err := file.Remove(ctx, path); err != nil {
			log.Error.Printf("remove %s: %v", path, err)
		}
	}()
	f, err = file.Open(ctx, path)
	if err != nil {
		return errors.E("open", path, err)
	}
	defer f.Close(ctx)
	p, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return errors.E("read", path, err)
	}
	if string(p) != probe {
		return errors.E(errors.Integrity, fmt.Sprintf("%s: read %q, wrote %q", path, p, probe))
	}
	return nil
}
