// Copyright 2026 The RadixMM Authors.
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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"radixmm.dev/radixmm/mmbench/workload"
)

// Compare implements subcommands.Command for the "compare" command.
type Compare struct {
	configPath string
	overrides  overrides
}

// Name implements subcommands.Command.Name.
func (*Compare) Name() string {
	return "compare"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Compare) Synopsis() string {
	return "run the same workload against every implementation and compare"
}

// Usage implements subcommands.Command.Usage.
func (*Compare) Usage() string {
	return `compare [flags] - run the same workload against every implementation, back to back, and report the rate ratio.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Compare) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "TOML workload file; built-in defaults apply when empty.")
	c.overrides.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (c *Compare) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		Fatalf("%v", err)
	}
	c.overrides.apply(cfg)

	rates := make(map[string]float64)
	for _, impl := range workload.Implementations() {
		res, err := runOne(ctx, cfg, impl)
		if err != nil {
			Fatalf("running %s: %v", impl, err)
		}
		printResults(os.Stdout, impl, res)
		rates[impl] = res.OpsPerSecond()
	}
	if base := rates[workload.ImplBigLock]; base > 0 {
		fmt.Fprintf(os.Stdout, "%s/%s rate ratio: %.2fx\n",
			workload.ImplRadix, workload.ImplBigLock, rates[workload.ImplRadix]/base)
	}
	return subcommands.ExitSuccess
}
