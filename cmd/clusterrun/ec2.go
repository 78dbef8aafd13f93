// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	// Registered so that the written profile shows their defaults.
	_ "github.com/grailbio/base/config/aws"
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/clusterrun/clusterconfig"
)

const securityGroupTag = "clusterrun-sg"

func setupEC2Cmd(args []string) {
	var (
		flags         = flag.NewFlagSet("clusterrun setup-ec2", flag.ExitOnError)
		securityGroup = flags.String("securitygroup", "clusterrun", "name of the security group to set up")
		instance      = flags.String("instance", "m5.xlarge", "default EC2 instance type of bigmachine batches")
	)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, `usage: clusterrun setup-ec2 [-securitygroup name] [-instance type]

Command setup-ec2 configures the clusterrun profile at `, clusterconfig.Path, `
so that batches with scheduler "bigmachine" run on AWS EC2. It finds or
creates a security group in the default VPC that allows traffic within
the VPC and inbound SSH and HTTPS, and writes the group, instance type,
and system to the profile. An existing profile is modified in place.

The flags are:
`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}

	profile := config.New()
	f, err := os.Open(clusterconfig.Path)
	if err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}
	if region, ok := profile.Get("aws/env.region"); ok && len(region) > 0 {
		must.Nil(profile.Set("bigmachine/ec2system.default-region", strings.Trim(region, `"`)))
	}
	if v, ok := profile.Get("bigmachine/ec2system.security-group"); ok && v != `""` {
		log.Printf("ec2 security group %s already configured", v)
	} else {
		sess, err := session.NewSession()
		must.Nil(err, "setting up AWS session")
		id, err := ensureSecurityGroup(ec2.New(sess), *securityGroup)
		must.Nil(err, "setting up security group")
		must.Nil(profile.Set("bigmachine/ec2system.security-group", id))
	}
	must.Nil(profile.Set("clusterrun.system", "bigmachine/ec2system"))
	must.Nil(profile.Set("bigmachine/ec2system.instance", *instance))
	must.Nil(writeProfile(profile, clusterconfig.Path))
	log.Printf("wrote configuration to %s", clusterconfig.Path)
}

// writeProfile atomically replaces the profile file at path.
func writeProfile(profile *config.Profile, path string) error {
	var buf bytes.Buffer
	if err := profile.PrintTo(&buf); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	tmp := path + ".setup-ec2"
	if err := ioutil.WriteFile(tmp, buf.Bytes(), 0666); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ensureSecurityGroup returns the ID of the security group with the
// given name, creating it in the default VPC if it does not exist.
func ensureSecurityGroup(svc ec2iface.EC2API, name string) (string, error) {
	existing, err := svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("group-name"),
			Values: []*string{aws.String(name)},
		}},
	})
	if err != nil {
		return "", errors.E("describe security group", name, err)
	}
	if len(existing.SecurityGroups) > 0 {
		id := aws.StringValue(existing.SecurityGroups[0].GroupId)
		log.Printf("found existing security group %s", id)
		return id, nil
	}
	vpc, err := defaultVPC(svc)
	if err != nil {
		return "", err
	}
	created, err := svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("security group created by clusterrun setup-ec2"),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", errors.E("create security group", name, err)
	}
	id := aws.StringValue(created.GroupId)
	tcp := func(port int64) *ec2.IpPermission {
		return &ec2.IpPermission{
			IpProtocol: aws.String("tcp"),
			IpRanges:   []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
			FromPort:   aws.Int64(port),
			ToPort:     aws.Int64(port),
		}
	}
	_, err = svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupName: aws.String(name),
		IpPermissions: []*ec2.IpPermission{
			{
				IpProtocol: aws.String("-1"),
				IpRanges:   []*ec2.IpRange{{CidrIp: vpc.CidrBlock}},
				FromPort:   aws.Int64(0),
				ToPort:     aws.Int64(0),
			},
			tcp(22),
			// Bigmachine's HTTPS transport.
			tcp(443),
		},
	})
	if err != nil {
		return "", errors.E("authorize ingress for security group", id, err)
	}
	_, err = svc.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{aws.String(id)},
		Tags: []*ec2.Tag{
			{Key: aws.String(securityGroupTag), Value: aws.String("true")},
			{Key: aws.String("Name"), Value: aws.String(name)},
		},
	})
	if err != nil {
		log.Error.Printf("tag security group %s: %v", id, err)
	}
	log.Printf("created security group %s in %s", id, aws.StringValue(vpc.VpcId))
	return id, nil
}

func defaultVPC(svc ec2iface.EC2API) (*ec2.Vpc, error) {
	resp, err := svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("isDefault"),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return nil, errors.E("describe default VPC", err)
	}
	switch len(resp.Vpcs) {
	case 0:
		return nil, errors.E(errors.NotExist, "AWS account has no default VPC and requires manual setup")
	case 1:
		return resp.Vpcs[0], nil
	default:
		return nil, errors.E(errors.Invalid, "AWS account has multiple default VPCs and requires manual setup")
	}
}
