// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package icacmd

import (
	"flag"
	"fmt"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigica/spmd"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
)

// Provider represents a system on which the workers of a job are
// run. Providers may be configured by setting options via Set.
type Provider interface {
	// Name returns the name of the provider.
	Name() string
	// Set sets an option, specified as key=val.
	Set(string) error
	// Option returns the spmd.Option that configures a session for
	// the provider's system.
	Option() spmd.Option
	// DefaultWorkers returns the default number of workers of jobs
	// run on the provider's system.
	DefaultWorkers() int
}

// RegisterProvider registers a system provider, recalled by name via
// the -system flag.
func RegisterProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// Providers returns the names of the registered providers.
func Providers() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}

// Inproc runs the workers of a job as goroutines of the driver
// process.
type Inproc struct{}

// Name implements Provider.Name.
func (*Inproc) Name() string { return "inproc" }

// Set implements Provider.Set.
func (*Inproc) Set(string) error {
	return fmt.Errorf("the inproc system does not support any configuration")
}

// Option implements Provider.Option.
func (*Inproc) Option() spmd.Option { return spmd.Local }

// DefaultWorkers implements Provider.DefaultWorkers.
func (*Inproc) DefaultWorkers() int { return runtime.GOMAXPROCS(0) }

// Local runs each worker of a job in its own process on the local
// machine.
type Local struct{}

// Name implements Provider.Name.
func (*Local) Name() string { return "local" }

// Set implements Provider.Set.
func (*Local) Set(string) error {
	return fmt.Errorf("the local system does not support any configuration")
}

// Option implements Provider.Option.
func (*Local) Option() spmd.Option { return spmd.Bigmachine(bigmachine.Local) }

// DefaultWorkers implements Provider.DefaultWorkers.
func (*Local) DefaultWorkers() int { return runtime.GOMAXPROCS(0) }

// EC2 runs each worker of a job on its own EC2 instance.
type EC2 struct {
	instance, profile   string
	dataspace, rootsize uint
	ondemand            bool
}

// Name implements Provider.Name.
func (*EC2) Name() string { return "ec2" }

// Set implements Provider.Set.
func (ec2 *EC2) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "instance":
		ec2.instance = val
	case "profile":
		ec2.profile = val
	case "dataspace", "rootsize":
		size, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: not a size in GiB: %v", key, val)
		}
		if key == "dataspace" {
			ec2.dataspace = uint(size)
		} else {
			ec2.rootsize = uint(size)
		}
	case "ondemand":
		ondemand, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("ondemand: not a bool: %v", val)
		}
		ec2.ondemand = ondemand
	default:
		return fmt.Errorf("unsupported ec2 option: %v", key)
	}
	return nil
}

// Option implements Provider.Option.
func (ec2 *EC2) Option() spmd.Option {
	return spmd.Bigmachine(ec2.System())
}

// System returns a new EC2 system configured by the provider's
// options, owned by the current user.
func (ec2 *EC2) System() *ec2system.System {
	system := &ec2system.System{
		Username:        "unknown",
		InstanceType:    ec2.instance,
		InstanceProfile: ec2.profile,
		Dataspace:       ec2.dataspace,
		Diskspace:       ec2.rootsize,
		OnDemand:        ec2.ondemand,
	}
	if u, err := user.Current(); err == nil {
		system.Username = u.Username
	} else {
		log.Printf("ec2: get current user: %v", err)
	}
	return system
}

// DefaultWorkers implements Provider.DefaultWorkers.
func (*EC2) DefaultWorkers() int { return 10 }

func init() {
	RegisterProvider("inproc", &Inproc{})
	RegisterProvider("local", &Local{})
	RegisterProvider("ec2", &EC2{})
}

const systemHelp = `a system is specified as {inproc,local,ec2}[:key=val,...]; ec2 accepts instance, dataspace, rootsize, ondemand, profile`

// SystemFlag is a flag.Value that selects and configures a
// provider.
type SystemFlag struct {
	Provider Provider
	Options  []string
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
	parts := strings.SplitN(v, ":", 2)
	var options []string
	if len(parts) > 1 {
		options = strings.Split(parts[1], ",")
	}
	mu.Lock()
	provider, ok := providers[parts[0]]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system: %v", parts[0])
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Provider = provider
	sys.Options = options
	return nil
}

// Get implements flag.Getter.
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// Flags holds the flags common to all ICA pipeline commands.
type Flags struct {
	System        SystemFlag
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	// Workers is the number of workers of each job. Zero selects the
	// provider's default.
	Workers int
}

// RegisterFlags registers the common flags with the provided flag set.
func RegisterFlags(fs *flag.FlagSet, f *Flags) {
	fs.Var(&f.System, "system", systemHelp)
	must.Nil(f.System.Set("inproc"))
	fs.Var(&f.HTTPAddress, "http", "address of http status server")
	f.HTTPAddress.Set(":3333")
	f.HTTPAddress.Specified = false
	fs.BoolVar(&f.ConsoleStatus, "consolestatus", false, "print job status to stdout")
	fs.IntVar(&f.Workers, "p", 0, "number of workers; 0 requests the system's default")
}

// NumWorkers returns the number of workers selected by the flags.
func (f *Flags) NumWorkers() int {
	if f.Workers > 0 {
		return f.Workers
	}
	return f.System.Provider.DefaultWorkers()
}

// Options returns the session options selected by the flags.
func (f *Flags) Options() []spmd.Option {
	var st status.Status
	// Display bigmachine's group first.
	_ = st.Group("bigmachine")
	return []spmd.Option{spmd.Status(&st), f.System.Provider.Option()}
}
