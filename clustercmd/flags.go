// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package clustercmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/clusterrun/exec"
	"github.com/grailbio/clusterrun/scheduler"
	"github.com/grailbio/clusterrun/settings"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// Provider provides the bigmachine system used by batches whose
// scheduler is "bigmachine". Providers are configured by setting
// options via Set.
type Provider interface {
	// Name returns the name of the provider.
	Name() string
	// Set sets an option, specified as key=val.
	Set(string) error
	// ExecOption returns the session option that configures the
	// provided system, or nil if the provider supplies none.
	ExecOption() exec.Option
}

// RegisterSystemProvider registers a system provider under the
// given name, recalled by the -system flag.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a system profile: a named
// shorthand for a system and its options. For example, after
//
//	clustercmd.RegisterSystemProfile("big-ec2", "ec2:instance=m5.4xlarge")
//
// -system=big-ec2 is a synonym for -system=ec2:instance=m5.4xlarge.
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the registered providers and profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	prv := make([]string, 0, len(providers))
	for k := range providers {
		prv = append(prv, k)
	}
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return prv, prf
}

// None provides no bigmachine system. Batches with scheduler
// "bigmachine" fail in sessions configured with it.
type None struct{}

// Name implements Provider.Name.
func (*None) Name() string { return "none" }

// Set implements Provider.Set.
func (*None) Set(string) error {
	return fmt.Errorf("the none system provider does not support any configuration")
}

// ExecOption implements Provider.ExecOption.
func (*None) ExecOption() exec.Option { return nil }

// Local provides machines that are separate processes on the local
// host.
type Local struct{}

// Name implements Provider.Name.
func (*Local) Name() string { return "local" }

// Set implements Provider.Set.
func (*Local) Set(string) error {
	return fmt.Errorf("the local system provider does not support any configuration")
}

// ExecOption implements Provider.ExecOption.
func (*Local) ExecOption() exec.Option {
	return exec.Bigmachine(bigmachine.Local)
}

// EC2 provides AWS EC2 machines.
type EC2 struct {
	Options map[string]interface{}
}

// Name implements Provider.Name.
func (*EC2) Name() string { return "EC2" }

// Set implements Provider.Set.
func (ec2 *EC2) Set(v string) error {
	if ec2.Options == nil {
		ec2.Options = make(map[string]interface{}, 5)
	}
	parts := strings.Split(v, "=")
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "dataspace", "rootsize":
		i, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("not an int: %v", val)
		}
		ec2.Options[key] = uint(i)
	case "instance", "profile":
		ec2.Options[key] = val
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		ec2.Options[key] = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// ExecOption implements Provider.ExecOption.
func (ec2 *EC2) ExecOption() exec.Option {
	system := &ec2system.System{Username: "unknown"}
	if user, err := scheduler.CurrentUser(); err == nil {
		system.Username = user
	} else {
		log.Printf("ec2: get current user: %v", err)
	}
	for key, val := range ec2.Options {
		switch key {
		case "instance":
			system.InstanceType = val.(string)
		case "dataspace":
			system.Dataspace = val.(uint)
		case "rootsize":
			system.Diskspace = val.(uint)
		case "profile":
			system.InstanceProfile = val.(string)
		case "ondemand":
			system.OnDemand = val.(bool)
		}
	}
	return exec.Bigmachine(system)
}

func init() {
	RegisterSystemProvider("none", &None{})
	RegisterSystemProvider("local", &Local{})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelpShort is a short explanation of the allowed -system values.
func SystemHelpShort(prefix string) string {
	const format = `bigmachine system used by batches with scheduler "bigmachine": {none,local,ec2:[key=val,],name}, use -%s for more information`
	return fmt.Sprintf(format, prefix+"system-help")
}

// SystemHelpLong is a complete explanation of the allowed -system values.
const SystemHelpLong = `A bigmachine system is specified as follows:

<system-type>:<options> where options is [key=value,]+

It is used only by batches whose scheduler is "bigmachine"; SGE and
Slurm batches are submitted to the site scheduler.

The currently supported system types and their options are:

none: no system, the default.
local: same machine, separate process execution.
ec2: AWS EC2 execution. The supported options are:
	instance=<AWS instance type> - the AWS instance type, e.g. m5.xlarge
	dataspace=<number> - size of the data volume in GiB
	rootsize=<number> - size of the root volume in GiB
	ondemand=<bool> - true to use on-demand rather than spot instances
	profile=<name> - the AWS instance profile to use instead of a default

An application may register profiles that are shorthand for the above.
`

// SystemFlag is a flag.Value that selects a system provider.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.String.
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", sys.Provider.Name(), strings.Join(sys.Options, ","))
}

// Set implements flag.Value.Set.
func (sys *SystemFlag) Set(v string) error {
	parse := func(s string) (name string, options []string) {
		parts := strings.SplitN(s, ":", 2)
		name = parts[0]
		if len(parts) > 1 {
			options = strings.Split(parts[1], ",")
		}
		return
	}
	name, options := parse(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parse(profile)
		options = append(profileOptions, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system or profile type: %v", name)
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Options = options
	sys.Provider = provider
	sys.Specified = true
	return nil
}

// Get implements flag.Getter.Get.
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// Flags holds the session-level flags of a clusterrun command.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	Profile       string
	PollInterval  time.Duration
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	TracePath     string
	fs            *flag.FlagSet
}

// Output returns the writer for help and usage messages of the
// underlying flag set.
func (cf *Flags) Output() io.Writer {
	if cf.fs == nil {
		return os.Stderr
	}
	if wr := cf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// Defaults represents default values for the session flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	PollInterval  time.Duration
}

// RegisterFlags registers the session flags with the supplied flag
// set, each name prefixed with prefix.
func RegisterFlags(fs *flag.FlagSet, cf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, cf, prefix, Defaults{
		System:       "none",
		HTTPAddress:  ":3333",
		PollInterval: exec.DefaultPollInterval,
	})
}

// RegisterFlagsWithDefaults is RegisterFlags with the provided defaults.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, cf *Flags, prefix string, defaults Defaults) {
	fs.Var(&cf.System, prefix+"system", SystemHelpShort(prefix))
	if err := cf.System.Set(defaults.System); err != nil {
		log.Panicf("clustercmd: default system %q: %v", defaults.System, err)
	}
	cf.System.Specified = false
	fs.BoolVar(&cf.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	fs.StringVar(&cf.Profile, prefix+"profile", "", "profile directory in which batches are staged; must be visible to cluster nodes (default $HOME/.clusterrun)")
	fs.DurationVar(&cf.PollInterval, prefix+"poll-interval", defaults.PollInterval, "interval at which batch results are polled")
	fs.Var(&cf.HTTPAddress, prefix+"http", "address of http status server; empty to disable")
	cf.HTTPAddress.Set(defaults.HTTPAddress)
	cf.HTTPAddress.Specified = false
	fs.BoolVar(&cf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.StringVar(&cf.TracePath, prefix+"trace", "", "path to which a trace of the session's invocations is written on exit")
	cf.fs = fs
}

// ExecOptions returns the session options represented by the flags.
func (cf *Flags) ExecOptions() ([]exec.Option, error) {
	if cf.PollInterval <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("poll interval %s is not positive", cf.PollInterval))
	}
	options := []exec.Option{
		exec.Status(new(status.Status)),
		exec.PollInterval(cf.PollInterval),
	}
	if cf.System.Provider != nil {
		if opt := cf.System.Provider.ExecOption(); opt != nil {
			options = append(options, opt)
		}
	}
	if cf.Profile != "" {
		options = append(options, exec.Profile(cf.Profile))
	}
	if cf.TracePath != "" {
		options = append(options, exec.TracePath(cf.TracePath))
	}
	return options, nil
}

// BatchFlags holds the per-batch flags of a clusterrun command: a
// settings file and explicit resources that take precedence over it.
type BatchFlags struct {
	Settings    string
	Scheduler   string
	MaxJobs     int
	CoresPerJob int
	Mem         string
	Queue       string
	TimeLimit   time.Duration
}

// RegisterBatchFlags registers the batch flags with the supplied flag
// set, each name prefixed with prefix.
func RegisterBatchFlags(fs *flag.FlagSet, bf *BatchFlags, prefix string) {
	fs.StringVar(&bf.Settings, prefix+"settings", "", "settings file (gob, or YAML if named *.yaml or *.yml) supplying the scheduler and resources")
	fs.StringVar(&bf.Scheduler, prefix+"scheduler", "", "scheduler: sge, slurm, local, or bigmachine; overrides the settings file")
	fs.IntVar(&bf.MaxJobs, prefix+"max-jobs", 0, "maximum number of concurrent jobs")
	fs.IntVar(&bf.CoresPerJob, prefix+"cores-per-job", 0, "cores allocated to each job")
	fs.StringVar(&bf.Mem, prefix+"mem", "", "memory allocated to each Slurm job, e.g. 20GB")
	fs.StringVar(&bf.Queue, prefix+"queue", "", "SGE queue or Slurm partition")
	fs.DurationVar(&bf.TimeLimit, prefix+"time-limit", 0, "wall clock limit of each job")
}

// RunOptions returns the run options represented by the batch flags,
// loading the settings file if one was given.
func (bf *BatchFlags) RunOptions(ctx context.Context) ([]exec.RunOption, error) {
	var s *settings.Settings
	if bf.Settings != "" {
		var err error
		if s, err = settings.Load(ctx, bf.Settings); err != nil {
			return nil, err
		}
	}
	if bf.Scheduler != "" {
		if _, err := scheduler.Parse(bf.Scheduler); err != nil {
			return nil, err
		}
		if s == nil {
			s = new(settings.Settings)
		}
		s.Scheduler = bf.Scheduler
	}
	var opts []exec.RunOption
	if s != nil {
		opts = append(opts, exec.WithSettings(s))
	}
	if bf.MaxJobs < 0 || bf.CoresPerJob < 0 || bf.TimeLimit < 0 {
		return nil, errors.E(errors.Invalid, "batch resources must not be negative")
	}
	if bf.MaxJobs > 0 {
		opts = append(opts, exec.MaxJobs(bf.MaxJobs))
	}
	if bf.CoresPerJob > 0 {
		opts = append(opts, exec.CoresPerJob(bf.CoresPerJob))
	}
	if bf.Mem != "" {
		opts = append(opts, exec.Mem(bf.Mem))
	}
	if bf.Queue != "" {
		opts = append(opts, exec.Queue(bf.Queue))
	}
	if bf.TimeLimit > 0 {
		opts = append(opts, exec.TimeLimit(bf.TimeLimit))
	}
	return opts, nil
}
