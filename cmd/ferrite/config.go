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
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/ferriteos/ferrite/pkg/mem"
	"github.com/ferriteos/ferrite/pkg/mmu"
)

// machineConfig is the YAML machine description. All fields are
// optional; absent ones keep the Raspberry Pi 3 defaults.
type machineConfig struct {
	KernelBase       *uint64 `yaml:"kernel_base"`
	KernelImageStart *uint64 `yaml:"kernel_image_start"`
	KernelImageEnd   *uint64 `yaml:"kernel_image_end"`
	TableRegionStart *uint64 `yaml:"table_region_start"`
	TableRegionEnd   *uint64 `yaml:"table_region_end"`
	PeripheralBase   *uint64 `yaml:"peripheral_base"`
	PeripheralSize   *uint64 `yaml:"peripheral_size"`
}

// loadConfig reads a machine description and overlays it on the
// defaults. An empty path returns the defaults unchanged.
func loadConfig(path string) (mmu.Config, error) {
	cfg := mmu.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading machine config: %w", err)
	}
	var mc machineConfig
	if err := yaml.UnmarshalStrict(data, &mc); err != nil {
		return cfg, fmt.Errorf("parsing machine config %q: %w", path, err)
	}

	if mc.KernelBase != nil {
		cfg.KernelBase = mem.VirtualAddress(*mc.KernelBase)
	}
	if mc.KernelImageStart != nil {
		cfg.KernelImageStart = mem.PhysicalAddress(*mc.KernelImageStart)
	}
	if mc.KernelImageEnd != nil {
		cfg.KernelImageEnd = mem.PhysicalAddress(*mc.KernelImageEnd)
	}
	if mc.TableRegionStart != nil {
		cfg.TableRegionStart = mem.PhysicalAddress(*mc.TableRegionStart)
	}
	if mc.TableRegionEnd != nil {
		cfg.TableRegionEnd = mem.PhysicalAddress(*mc.TableRegionEnd)
	}
	if mc.PeripheralBase != nil {
		cfg.PeripheralBase = mem.PhysicalAddress(*mc.PeripheralBase)
	}
	if mc.PeripheralSize != nil {
		cfg.PeripheralSize = *mc.PeripheralSize
	}
	return cfg, nil
}
