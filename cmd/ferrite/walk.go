// Copyright 2024 The Ferrite Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	"github.com/google/subcommands"

	"github.com/ferriteos/ferrite/pkg/arch"
	"github.com/ferriteos/ferrite/pkg/mem"
	"github.com/ferriteos/ferrite/pkg/mmu"
	"github.com/ferriteos/ferrite/pkg/pagetables"
)

// walkCmd resolves addresses through a freshly built boot address
// space, or dumps every mapping in it.
type walkCmd struct {
	config string
	all    bool
}

// Name implements subcommands.Command.Name.
func (*walkCmd) Name() string {
	return "walk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*walkCmd) Synopsis() string {
	return "translate virtual addresses through the boot address space"
}

// Usage implements subcommands.Command.Usage.
func (*walkCmd) Usage() string {
	return "walk [-config <file>] [-all] [address...]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *walkCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "YAML machine description; defaults to a Raspberry Pi 3 layout")
	f.BoolVar(&c.all, "all", false, "dump every present mapping instead of resolving addresses")
}

// Execute implements subcommands.Command.Execute.
func (c *walkCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig(c.config)
	if err != nil {
		fmt.Fprintln(flag.CommandLine.Output(), err)
		return subcommands.ExitUsageError
	}

	boot := mmu.Init(arch.NewCPU(), cfg)

	if c.all {
		boot.Root.Walk(func(m pagetables.Mapping) bool {
			fmt.Printf("%s -> %s %s\n", m.Virtual, m.Physical, flagString(m.Flags))
			return true
		})
		return subcommands.ExitSuccess
	}

	if f.NArg() == 0 {
		fmt.Fprintln(flag.CommandLine.Output(), "walk: no addresses given (or use -all)")
		return subcommands.ExitUsageError
	}

	status := subcommands.ExitSuccess
	for _, a := range f.Args() {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			fmt.Fprintf(flag.CommandLine.Output(), "walk: bad address %q: %v\n", a, err)
			return subcommands.ExitUsageError
		}
		va := mem.VirtualAddress(v)
		pa, flags, ok := boot.Root.Lookup(va)
		if !ok {
			fmt.Printf("%s -> not mapped\n", va)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%s -> %s %s\n", va, pa, flagString(flags))
	}
	return status
}

func flagString(flags pagetables.PTE) string {
	if flags&pagetables.DeviceMemory != 0 {
		return "[device]"
	}
	return "[normal]"
}
