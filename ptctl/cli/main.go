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

// Package cli is the main entrypoint for ptctl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"

	"github.com/kcore-os/pagetable/pkg/log"
	"github.com/kcore-os/pagetable/ptctl/cmd"
)

var (
	debug     = flag.Bool("debug", false, "enable debug logging.")
	logFile   = flag.String("log", "", "file to write logs to, in addition to stderr.")
	logFormat = flag.String("log-format", "text", "log format: text (default) or json.")
	quiet     = flag.Bool("quiet", false, "do not log to stderr.")
)

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)
	flag.Parse()

	if *debug {
		log.SetLevel(log.Debug)
	}

	var emitters log.MultiEmitter
	if !*quiet {
		emitters = append(emitters, newEmitter(*logFormat, os.Stderr))
	}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ptctl: error opening log file %q: %v\n", *logFile, err)
			os.Exit(1)
		}
		emitters = append(emitters, newEmitter(*logFormat, f))
	}
	switch len(emitters) {
	case 0:
		log.SetTarget(newEmitter("text", io.Discard))
	case 1:
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}

	log.Debugf("ptctl %s/%s, %s, %d CPUs, args %v", runtime.GOOS, runtime.GOARCH, runtime.Version(), runtime.NumCPU(), os.Args)

	status := subcommands.Execute(context.Background())
	if status != subcommands.ExitSuccess {
		log.Debugf("Exiting with status %d", status)
	}
	os.Exit(int(status))
}

// forEachCmd invokes the passed callback for each command supported by
// ptctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(new(cmd.Archs), "")
	cb(new(cmd.Replay), "")
}

func newEmitter(format string, w io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	}
	fmt.Fprintf(os.Stderr, "ptctl: invalid log format %q, must be 'text' or 'json'\n", format)
	os.Exit(1)
	panic("unreachable")
}
