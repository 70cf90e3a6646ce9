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

	"github.com/google/subcommands"

	"github.com/ferriteos/ferrite/pkg/arch"
	"github.com/ferriteos/ferrite/pkg/mmu"
	"github.com/ferriteos/ferrite/pkg/pagetables"
)

// bootCmd runs the boot translation sequence and prints a summary of
// the resulting address space.
type bootCmd struct {
	config   string
	relocate bool
}

// Name implements subcommands.Command.Name.
func (*bootCmd) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*bootCmd) Synopsis() string {
	return "run the boot translation sequence and summarize the address space"
}

// Usage implements subcommands.Command.Usage.
func (*bootCmd) Usage() string {
	return "boot [-config <file>] [-relocate]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "YAML machine description; defaults to a Raspberry Pi 3 layout")
	f.BoolVar(&c.relocate, "relocate", false, "relocate to the high range and unmap the identity window")
}

// Execute implements subcommands.Command.Execute.
func (c *bootCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig(c.config)
	if err != nil {
		fmt.Fprintln(flag.CommandLine.Output(), err)
		return subcommands.ExitUsageError
	}

	cpu := arch.NewCPU()
	boot := mmu.Init(cpu, cfg)
	if c.relocate {
		boot.RelocateHigh()
		boot.UnmapIdentity()
	}

	var mappings, device int
	boot.Root.Walk(func(m pagetables.Mapping) bool {
		mappings++
		if m.Flags&pagetables.DeviceMemory != 0 {
			device++
		}
		return true
	})

	fmt.Printf("root:             %s\n", boot.Root.RootPhysical())
	fmt.Printf("translation:      %v\n", cpu.TranslationEnabled())
	fmt.Printf("relocated:        %v\n", boot.Relocated())
	fmt.Printf("mappings:         %d (%d device)\n", mappings, device)
	fmt.Printf("table pages used: %d (%d free)\n", boot.Allocator.PagesUsed(), boot.Allocator.PagesRemaining())
	return subcommands.ExitSuccess
}
