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
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/kcore-os/pagetable/pkg/pagetables"
)

// Archs implements subcommands.Command for the "archs" command.
type Archs struct {
	output string
}

// ArchInfo is the description of one paging scheme.
type ArchInfo struct {
	Name      string   `json:"name"`
	Desc      string   `json:"description"`
	Levels    int      `json:"levels"`
	VABits    int      `json:"va_bits"`
	PABits    int      `json:"pa_bits"`
	PageSizes []string `json:"page_sizes"`
	BaseReg   string   `json:"base_register"`
}

// Name implements subcommands.Command.Name.
func (*Archs) Name() string {
	return "archs"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Archs) Synopsis() string {
	return "List the supported paging schemes."
}

// Usage implements subcommands.Command.Usage.
func (*Archs) Usage() string {
	return `archs [options] - List the supported paging schemes.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Archs) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.output, "o", "table", "Output format (table, json).")
}

// Execute implements subcommands.Command.Execute.
func (a *Archs) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	var infos []ArchInfo
	for _, name := range archNames() {
		infos = append(infos, describe(archs[name]))
	}
	var err error
	switch a.output {
	case "table":
		err = writeArchTable(os.Stdout, infos)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(infos)
	default:
		return Errorf("unsupported output format %q", a.output)
	}
	if err != nil {
		return Errorf("error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func describe(a arch) ArchInfo {
	info := ArchInfo{
		Name:    a.name,
		Desc:    a.description,
		Levels:  a.meta.Levels(),
		VABits:  a.meta.VAMaxBits(),
		PABits:  a.meta.PAMaxBits(),
		BaseReg: a.baseName,
	}
	for _, s := range []pagetables.PageSize{pagetables.Size4K, pagetables.Size2M, pagetables.Size1G} {
		info.PageSizes = append(info.PageSizes, s.String())
	}
	return info
}

func writeArchTable(w io.Writer, infos []ArchInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLEVELS\tVA\tPA\tPAGES\tBASE\tDESCRIPTION")
	for _, i := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\t%s\n", i.Name, i.Levels, i.VABits, i.PABits, strings.Join(i.PageSizes, ","), i.BaseReg, i.Desc)
	}
	return tw.Flush()
}
