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
	"os"
	"strings"

	"github.com/google/subcommands"

	"radixmm.dev/radixmm/mmbench/workload"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	configPath string
	impl       string
	overrides  overrides
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "drive the workload against one address-space implementation"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - drive the configured workload against one implementation and print its counters.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "TOML workload file; built-in defaults apply when empty.")
	f.StringVar(&r.impl, "impl", workload.ImplRadix,
		"implementation to drive: "+strings.Join(workload.Implementations(), " or ")+".")
	r.overrides.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := loadConfig(r.configPath)
	if err != nil {
		Fatalf("%v", err)
	}
	r.overrides.apply(cfg)
	res, err := runOne(ctx, cfg, r.impl)
	if err != nil {
		Fatalf("running %s: %v", r.impl, err)
	}
	printResults(os.Stdout, r.impl, res)
	return subcommands.ExitSuccess
}
