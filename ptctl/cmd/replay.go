// Copyright 2026 The gVisor Authors.
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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/kcore-os/pagetable/pkg/log"
	"github.com/kcore-os/pagetable/ptctl/config"
)

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	format     string
	jobs       int
	frameLimit uint64
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "Run scenario files against host-backed page tables and dump the result."
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [options] <scenario>... - Run page table scenarios.

Scenarios are TOML, or YAML when the file ends in .yaml or .yml. Each
scenario runs against its own frame allocator. Files are replayed
concurrently; results are printed in argument order.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.format, "format", "text", "Output format (text, json).")
	f.IntVar(&r.jobs, "jobs", runtime.GOMAXPROCS(0), "Number of scenarios run at once.")
	f.Uint64Var(&r.frameLimit, "frame-limit", 0, "If non-zero, overrides the frame limit of every scenario.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if r.format != "text" && r.format != "json" {
		return Errorf("unsupported output format %q", r.format)
	}
	results, err := r.run(ctx, f.Args())
	if err != nil {
		return Errorf("%v", err)
	}
	if err := writeResults(os.Stdout, r.format, results); err != nil {
		return Errorf("error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// run replays files concurrently. The first failure cancels the others.
func (r *Replay) run(ctx context.Context, files []string) ([]*Result, error) {
	results := make([]*Result, len(files))
	g, ctx := errgroup.WithContext(ctx)
	if r.jobs > 0 {
		g.SetLimit(r.jobs)
	}
	for i, file := range files {
		g.Go(func() error {
			sc, err := config.Load(file)
			if err != nil {
				return err
			}
			if r.frameLimit != 0 {
				sc.FrameLimit = r.frameLimit
			}
			log.Infof("Replaying %s: arch %s, %d ops", file, sc.Arch, len(sc.Ops))
			res, err := replay(ctx, file, sc)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func writeResults(w io.Writer, format string, results []*Result) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	for _, res := range results {
		if err := writeText(w, res); err != nil {
			return err
		}
	}
	return nil
}

func writeText(w io.Writer, res *Result) error {
	if _, err := fmt.Fprintf(w, "%s: %s, %d ops\n", res.File, res.Arch, res.Ops); err != nil {
		return err
	}
	for _, t := range res.Tables {
		fmt.Fprintf(w, "  table %q asid %d root %s %s", t.Name, t.ASID, t.Root, t.Base)
		if len(t.Borrowed) > 0 {
			fmt.Fprintf(w, " borrowed %v", t.Borrowed)
		}
		fmt.Fprintln(w)
		for _, run := range t.Runs {
			fmt.Fprintf(w, "    %v-%v -> %v %s %s x%d\n", run.VAddr, run.end(), run.PAddr, run.Flags, run.PageSize, run.Pages)
		}
	}
	_, err := fmt.Fprintf(w, "  frames: %d outstanding, %d allocated, %d freed, %d refused\n",
		res.Frames.Outstanding, res.Frames.Allocs, res.Frames.Frees, res.Frames.Failed)
	return err
}
